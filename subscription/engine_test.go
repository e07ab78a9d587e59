package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphqlcore/model"
	"graphqlcore/timeout"
	"graphqlcore/wire"
)

// fakeSocket is an in-memory Conn: WriteMessage appends to outbound so
// the test can assert on frames the engine sent; inbound is fed by the test
// to script the server's side of the protocol.
type fakeSocket struct {
	mu       sync.Mutex
	outbound [][]byte
	outCh    chan []byte
	inbound  chan []byte
	closed   chan struct{}
	closeErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		outCh:   make(chan []byte, 64),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return textMessageType, msg, nil
	case <-f.closed:
		return 0, nil, f.closeErr
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	f.outbound = append(f.outbound, data)
	f.mu.Unlock()
	select {
	case f.outCh <- data:
	default:
	}
	return nil
}

func (f *fakeSocket) Close() error {
	select {
	case <-f.closed:
	default:
		f.closeErr = assert.AnError
		close(f.closed)
	}
	return nil
}

func (f *fakeSocket) sendFrame(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	f.inbound <- data
}

func (f *fakeSocket) nextOutbound(t *testing.T) wire.Message {
	t.Helper()
	select {
	case data := <-f.outCh:
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return wire.Message{}
	}
}

func newTestEngine(t *testing.T, sock *fakeSocket) *Engine {
	t.Helper()
	e, err := New(Config{
		URL: "ws://example.invalid/graphql",
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return sock, nil
		},
	})
	require.NoError(t, err)
	return e
}

func strp(s string) *string { return &s }

func TestHandshakeThenSubscribeAfterAck(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	var gotData []*model.Result
	var closeReason model.CloseReason
	var mu sync.Mutex
	done := make(chan struct{})

	op := e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{
		OnData: func(r *model.Result) {
			mu.Lock()
			gotData = append(gotData, r)
			mu.Unlock()
		},
		OnClose: func(reason model.CloseReason) {
			mu.Lock()
			closeReason = reason
			mu.Unlock()
			close(done)
		},
	})
	require.NotNil(t, op)

	initFrame := sock.nextOutbound(t)
	assert.Equal(t, wire.ConnectionInit, initFrame.Type)

	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})

	subFrame := sock.nextOutbound(t)
	assert.Equal(t, wire.Subscribe, subFrame.Type)
	assert.Equal(t, op.ID(), subFrame.ID)

	nextPayload, err := json.Marshal(wire.NextPayload{Data: json.RawMessage(`{"v":[{"name":"red"}]}`)})
	require.NoError(t, err)
	sock.sendFrame(t, wire.Message{ID: op.ID(), Type: wire.Next, Payload: nextPayload})
	sock.sendFrame(t, wire.Message{ID: op.ID(), Type: wire.Complete})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onClose was never called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotData, 1)
	assert.JSONEq(t, `{"v":[{"name":"red"}]}`, string(gotData[0].Data))
	assert.Equal(t, model.ReasonServer, closeReason)
}

func TestBufferedSubscribeBeforeAck(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	op := e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{})
	require.NotNil(t, op)

	initFrame := sock.nextOutbound(t)
	assert.Equal(t, wire.ConnectionInit, initFrame.Type)

	select {
	case <-sock.outCh:
		t.Fatal("subscribe must not be sent before connection_ack")
	case <-time.After(50 * time.Millisecond):
	}

	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})
	subFrame := sock.nextOutbound(t)
	assert.Equal(t, wire.Subscribe, subFrame.Type)
}

func TestErrorBeforeNextIsServerError(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	var closeReason model.CloseReason
	done := make(chan struct{})

	op := e.Subscribe(context.Background(), model.Request{Query: strp("subscription{bad}")}, SubscribeOptions{
		OnClose: func(reason model.CloseReason) {
			closeReason = reason
			close(done)
		},
	})

	sock.nextOutbound(t) // connection_init
	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})
	sock.nextOutbound(t) // subscribe

	errPayload, err := json.Marshal([]model.ErrorRecord{{Message: "rejected"}})
	require.NoError(t, err)
	sock.sendFrame(t, wire.Message{ID: op.ID(), Type: wire.Error, Payload: errPayload})

	<-done
	assert.Equal(t, model.ReasonServerError, closeReason)
}

func TestErrorAfterNextIsError(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	var closeReason model.CloseReason
	done := make(chan struct{})

	op := e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{
		OnClose: func(reason model.CloseReason) {
			closeReason = reason
			close(done)
		},
	})

	sock.nextOutbound(t)
	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})
	sock.nextOutbound(t)

	nextPayload, err := json.Marshal(wire.NextPayload{Data: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)
	sock.sendFrame(t, wire.Message{ID: op.ID(), Type: wire.Next, Payload: nextPayload})

	errPayload, err := json.Marshal([]model.ErrorRecord{{Message: "stream broke"}})
	require.NoError(t, err)
	sock.sendFrame(t, wire.Message{ID: op.ID(), Type: wire.Error, Payload: errPayload})

	<-done
	assert.Equal(t, model.ReasonError, closeReason)
}

func TestDefaultPingPongWhenNoHandlerConsumes(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{})
	sock.nextOutbound(t)
	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})
	sock.nextOutbound(t)

	sock.sendFrame(t, wire.Message{Type: wire.Ping})
	pong := sock.nextOutbound(t)
	assert.Equal(t, wire.Pong, pong.Type)
}

func TestCorrelatedPongIsConsumedNotForwarded(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	strategy := timeout.CorrelatedPing(timeout.CorrelatedPingParams{
		AckTimeoutMs:   time.Second,
		PingIntervalMs: 10 * time.Millisecond,
		PongDeadlineMs: time.Second,
	})

	e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{
		TimeoutStrategy: strategy,
	})
	sock.nextOutbound(t)
	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})
	sock.nextOutbound(t)

	ping := sock.nextOutbound(t)
	require.Equal(t, wire.Ping, ping.Type)
	payload, err := ping.DecodePingPongPayload()
	require.NoError(t, err)

	pongPayload, err := json.Marshal(wire.PingPongPayload{ID: payload.ID})
	require.NoError(t, err)
	sock.sendFrame(t, wire.Message{Type: wire.Pong, Payload: pongPayload})

	select {
	case <-sock.outCh:
		t.Fatal("a matching pong must be consumed, not answered with a frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbortSendsCompleteAndClosesClient(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	var closeReason model.CloseReason
	done := make(chan struct{})
	op := e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{
		OnClose: func(reason model.CloseReason) {
			closeReason = reason
			close(done)
		},
	})

	sock.nextOutbound(t)
	sock.sendFrame(t, wire.Message{Type: wire.ConnectionAck})
	sock.nextOutbound(t)

	op.Abort()
	completeFrame := sock.nextOutbound(t)
	assert.Equal(t, wire.Complete, completeFrame.Type)

	<-done
	assert.Equal(t, model.ReasonClient, closeReason)
}

func TestSocketReadFailureClosesAllOperationsWithError(t *testing.T) {
	sock := newFakeSocket()
	e := newTestEngine(t, sock)

	var reasons []model.CloseReason
	var mu sync.Mutex
	done := make(chan struct{})
	e.Subscribe(context.Background(), model.Request{Query: strp("subscription{v}")}, SubscribeOptions{
		OnClose: func(reason model.CloseReason) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
			close(done)
		},
	})

	sock.nextOutbound(t)
	_ = sock.Close()

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1)
	assert.Equal(t, model.ReasonError, reasons[0])
}
