package ksession

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mrme000m/ctrader-go/pkg/kbin"
	"github.com/stretchr/testify/require"
)

type jsonCodec struct{}

func (jsonCodec) Encode(payloadType uint32, v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Decode(payloadType uint32, raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

type fixedRefresher struct{ token string }

func (r fixedRefresher) Refresh(ctx context.Context, accountID string) (string, error) {
	return r.token, nil
}

// runFakeBroker replies to every inbound frame on conn with an
// echo-response carrying the same correlation id, swapping the payload
// type for handshake requests to their matching response type. It stops
// when conn is closed.
func runFakeBroker(t *testing.T, conn *kbin.FrameConn, tickPayloadType uint32) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return
		}
		env, err := kbin.DecodeEnvelope(raw)
		require.NoError(t, err)

		respType := env.PayloadType
		switch env.PayloadType {
		case PayloadAppAuthRequest:
			respType = PayloadAppAuthResponse
		case PayloadAccountAuthRequest:
			respType = PayloadAccountAuthResponse
		case PayloadKeepaliveRequest:
			respType = PayloadKeepaliveResponse
		case tickPayloadType:
			respType = tickPayloadType
		}
		out, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: respType, CorrelationID: env.CorrelationID, Payload: []byte("{}")})
		require.NoError(t, err)
		if err := conn.WriteFrame(out); err != nil {
			return
		}
	}
}

func newTestSessionOverPipe(t *testing.T) (*Session, *kbin.FrameConn) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	cfg := Config{
		Host:               "test",
		Port:               1,
		RateLimitPerSecond: 50,
		Logger:             NopLogger,
	}
	s := NewSession(cfg.withDefaults(), jsonCodec{}, fixedRefresher{token: "tok"}, AppCredentials{ClientID: "c", ClientSecret: "s"})
	s.SetAccount("acct-1")

	s.transport = &Transport{conn: kbin.NewFrameConn(a, kbin.DefaultMaxFrameBytes)}
	s.sender = NewSender(cfg.RateLimitPerSecond, s.transport.Write, s.logger, s.metrics)
	s.heartbeat = NewHeartbeater(20*time.Second, s.sendKeepalive, s.onTransportLost, s.logger)
	s.sender.SetOnActivity(s.heartbeat.NoteActivity)
	t.Cleanup(func() {
		s.sender.Close()
		s.correlator.Close()
		s.hooks.Close()
	})

	go s.transport.ReadLoop(s.handleInbound, s.onTransportLost)

	serverConn := kbin.NewFrameConn(b, kbin.DefaultMaxFrameBytes)
	return s, serverConn
}

func TestSessionAuthenticateThenSendRequestHappyPath(t *testing.T) {
	s, serverConn := newTestSessionOverPipe(t)
	go runFakeBroker(t, serverConn, 9000)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.authenticate(ctx))
	require.Equal(t, StateReady, s.authFSM.State())

	resp, err := s.SendRequest(ctx, 9000, []byte("{}"))
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), resp)
}

func TestSessionConnectIsIdempotentUnderConcurrentCallers(t *testing.T) {
	cfg := Config{
		Host:                  "127.0.0.1",
		Port:                  1, // nothing listens here; Dial fails fast
		RequestTimeoutSeconds: 0.2,
		RateLimitPerSecond:    50,
		Logger:                NopLogger,
	}
	s := NewSession(cfg.withDefaults(), jsonCodec{}, fixedRefresher{token: "tok"}, AppCredentials{ClientID: "c", ClientSecret: "s"})

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	require.Error(t, errs[0])
	for i := 1; i < callers; i++ {
		require.Equal(t, errs[0], errs[i], "every concurrent Connect call must observe the same result")
	}
}

func TestSessionRunReturnsConnectErrorWithoutCallingFn(t *testing.T) {
	cfg := Config{
		Host:                  "127.0.0.1",
		Port:                  1,
		RequestTimeoutSeconds: 0.2,
		RateLimitPerSecond:    50,
		Logger:                NopLogger,
	}
	s := NewSession(cfg.withDefaults(), jsonCodec{}, fixedRefresher{token: "tok"}, AppCredentials{ClientID: "c", ClientSecret: "s"})

	err := s.Run(context.Background(), func(*Session) error {
		t.Fatal("fn must not run when Connect fails")
		return nil
	})
	require.Error(t, err)
}

// runFakeBrokerMultiTick answers handshake and subscribe-request frames
// correlated, then pushes one uncorrelated tick frame for each symbol in
// symbolIDs once the subscribe ack has been sent.
func runFakeBrokerMultiTick(t *testing.T, conn *kbin.FrameConn, tickPayloadType uint32, symbolIDs []int64) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return
		}
		env, err := kbin.DecodeEnvelope(raw)
		require.NoError(t, err)

		respType := env.PayloadType
		switch env.PayloadType {
		case PayloadAppAuthRequest:
			respType = PayloadAppAuthResponse
		case PayloadAccountAuthRequest:
			respType = PayloadAccountAuthResponse
		}
		out, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: respType, CorrelationID: env.CorrelationID, Payload: []byte("{}")})
		require.NoError(t, err)
		if err := conn.WriteFrame(out); err != nil {
			return
		}

		if env.PayloadType == tickPayloadType {
			for _, id := range symbolIDs {
				push, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: tickPayloadType, Payload: []byte(strconv.FormatInt(id, 10))})
				require.NoError(t, err)
				if err := conn.WriteFrame(push); err != nil {
					return
				}
			}
		}
	}
}

func TestSessionSubscribeMultiTickCoalescesBySymbol(t *testing.T) {
	s, serverConn := newTestSessionOverPipe(t)
	go runFakeBrokerMultiTick(t, serverConn, 9100, []int64{1, 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.authenticate(ctx))

	stream, err := s.SubscribeMultiTick(ctx, []int64{1, 2}, true, decodeTestTick, 9100, []byte("{}"))
	require.NoError(t, err)

	seen := map[int64]bool{}
	for len(seen) < 2 {
		tick, ok, err := stream.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		seen[tick.SymbolID] = true
	}
	require.True(t, seen[1])
	require.True(t, seen[2])
}

func TestSessionSendRequestFailsWhenNotReady(t *testing.T) {
	s, serverConn := newTestSessionOverPipe(t)
	go runFakeBroker(t, serverConn, 9000)

	_, err := s.SendRequest(context.Background(), 9000, []byte("{}"))
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSessionSendRequestCancelledByContext(t *testing.T) {
	s, serverConn := newTestSessionOverPipe(t)
	// The fake broker only answers handshake frames, so the later
	// request to payload type 9000 never gets a reply and must be
	// unblocked by context cancellation instead.
	go runFakeBrokerAuthOnly(t, serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.authenticate(ctx))

	reqCtx, reqCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := s.SendRequest(reqCtx, 9000, []byte("{}"))
		require.ErrorIs(t, err, ErrCancelled)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	reqCancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendRequest never returned after cancellation")
	}
}

// runFakeBrokerGenericError answers handshake frames normally but replies
// to every other request with a PayloadGenericError envelope carrying the
// same correlation id, simulating a server-side rejection.
func runFakeBrokerGenericError(t *testing.T, conn *kbin.FrameConn) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return
		}
		env, err := kbin.DecodeEnvelope(raw)
		require.NoError(t, err)

		respType := env.PayloadType
		body := []byte("{}")
		switch env.PayloadType {
		case PayloadAppAuthRequest:
			respType = PayloadAppAuthResponse
		case PayloadAccountAuthRequest:
			respType = PayloadAccountAuthResponse
		default:
			respType = PayloadGenericError
			body = []byte(`{"code":"MAINTENANCE","description":"server under maintenance","maintenance_end":"2026-08-01T00:00:00Z"}`)
		}
		out, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: respType, CorrelationID: env.CorrelationID, Payload: body})
		require.NoError(t, err)
		if err := conn.WriteFrame(out); err != nil {
			return
		}
	}
}

// TestSessionSendRequestResolvesGenericErrorAsRemoteError exercises the
// real SendRequest -> Dispatcher -> Correlator path (unlike the AuthFSM
// tests, which drive a fake AuthTransport directly): a server reply
// carrying PayloadGenericError must resolve the pending request with a
// typed *RemoteError, not as a successful response.
func TestSessionSendRequestResolvesGenericErrorAsRemoteError(t *testing.T) {
	s, serverConn := newTestSessionOverPipe(t)
	go runFakeBrokerGenericError(t, serverConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.authenticate(ctx))

	_, err := s.SendRequest(ctx, 9000, []byte("{}"))
	require.Error(t, err)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "MAINTENANCE", remoteErr.Code)
	require.Equal(t, "server under maintenance", remoteErr.Description)
	require.Equal(t, "2026-08-01T00:00:00Z", remoteErr.MaintenanceEnd)
}

// runFakeBrokerAuthOnly only answers handshake frames and otherwise
// silently drops everything else, simulating a server that never
// replies to a particular request.
func runFakeBrokerAuthOnly(t *testing.T, conn *kbin.FrameConn) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return
		}
		env, err := kbin.DecodeEnvelope(raw)
		require.NoError(t, err)
		if env.PayloadType != PayloadAppAuthRequest && env.PayloadType != PayloadAccountAuthRequest {
			continue
		}
		respType := PayloadAppAuthResponse
		if env.PayloadType == PayloadAccountAuthRequest {
			respType = PayloadAccountAuthResponse
		}
		out, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: respType, CorrelationID: env.CorrelationID, Payload: []byte("{}")})
		require.NoError(t, err)
		if err := conn.WriteFrame(out); err != nil {
			return
		}
	}
}
