package ksession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAuthTransport struct {
	fail       map[uint32]error
	sawPayload map[uint32][]byte
}

func (f *fakeAuthTransport) SendRequest(ctx context.Context, payloadType uint32, payload []byte) ([]byte, error) {
	if f.sawPayload == nil {
		f.sawPayload = map[uint32][]byte{}
	}
	f.sawPayload[payloadType] = payload
	if err, ok := f.fail[payloadType]; ok {
		return nil, err
	}
	return []byte("ok"), nil
}

func testEncoder() authEncoder {
	return authEncoder{
		EncodeAppAuth: func(c AppCredentials) ([]byte, error) {
			return []byte(c.ClientID + ":" + c.ClientSecret), nil
		},
		EncodeAccountAuth: func(c AccountCredentials) ([]byte, error) {
			return []byte(c.AccountID + ":" + c.AccessToken), nil
		},
	}
}

func TestAuthFSMHappyPathReachesReady(t *testing.T) {
	fsm := NewAuthFSM(NopLogger, nil)
	transport := &fakeAuthTransport{}

	err := fsm.Authenticate(context.Background(), transport, testEncoder(),
		AppCredentials{ClientID: "c", ClientSecret: "s"},
		AccountCredentials{AccountID: "a", AccessToken: "t"})
	require.NoError(t, err)
	require.Equal(t, StateReady, fsm.State())
	require.True(t, fsm.RequestsAllowed())
	require.Equal(t, []byte("c:s"), transport.sawPayload[PayloadAppAuthRequest])
	require.Equal(t, []byte("a:t"), transport.sawPayload[PayloadAccountAuthRequest])
}

func TestAuthFSMNonRetriableFailureGoesFatal(t *testing.T) {
	fsm := NewAuthFSM(NopLogger, nil)
	transport := &fakeAuthTransport{fail: map[uint32]error{
		PayloadAppAuthRequest: &RemoteError{Code: "BAD_CREDS", Description: "invalid client secret"},
	}}

	err := fsm.Authenticate(context.Background(), transport, testEncoder(),
		AppCredentials{}, AccountCredentials{})
	require.Error(t, err)
	require.Equal(t, StateFatal, fsm.State())
	require.False(t, fsm.RequestsAllowed())
}

func TestAuthFSMRetriableFailureDoesNotGoFatal(t *testing.T) {
	fsm := NewAuthFSM(NopLogger, nil)
	transport := &fakeAuthTransport{fail: map[uint32]error{
		PayloadAppAuthRequest: ErrTransportLost,
	}}

	err := fsm.Authenticate(context.Background(), transport, testEncoder(),
		AppCredentials{}, AccountCredentials{})
	require.Error(t, err)
	require.NotEqual(t, StateFatal, fsm.State())
}

func TestAuthFSMBeginReconnectingFromReady(t *testing.T) {
	fsm := NewAuthFSM(NopLogger, nil)
	transport := &fakeAuthTransport{}
	require.NoError(t, fsm.Authenticate(context.Background(), transport, testEncoder(), AppCredentials{}, AccountCredentials{}))

	fsm.BeginReconnecting()
	require.Equal(t, StateReconnecting, fsm.State())
}

func TestAuthFSMBeginReconnectingIsNoOpWhenFatal(t *testing.T) {
	fsm := NewAuthFSM(NopLogger, nil)
	fsm.MarkFatal()
	fsm.BeginReconnecting()
	require.Equal(t, StateFatal, fsm.State())
}
