// Package tokenauth specifies the OAuth token refresh seam. Acquiring and
// refreshing access tokens over HTTPS is explicitly out of the core's
// scope (spec.md §1); the session only needs something that can hand it a
// fresh token to use on the next AccountAuth.
package tokenauth

import "context"

// Refresher yields a fresh access token for accountID. The session calls
// Refresh at the start of every authentication handshake (the initial
// Connect and each reconnect attempt), before issuing AccountAuth. It is
// not called again when the broker rejects a token mid-session.
type Refresher interface {
	Refresh(ctx context.Context, accountID string) (accessToken string, err error)
}

// RefresherFunc adapts a plain function to the Refresher interface.
type RefresherFunc func(ctx context.Context, accountID string) (string, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, accountID string) (string, error) {
	return f(ctx, accountID)
}
