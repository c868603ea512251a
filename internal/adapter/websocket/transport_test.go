package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observedClose struct {
	code   int
	reason string
}

type recordingObserver struct {
	mu       sync.Mutex
	messages [][]byte
	pongs    int
	errs     []error
	closes   []observedClose
	done     chan struct{}
	doneOnce sync.Once
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{done: make(chan struct{})}
}

func (o *recordingObserver) OnMessage(payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, payload)
}

func (o *recordingObserver) OnPong([]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pongs++
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
	o.doneOnce.Do(func() { close(o.done) })
}

func (o *recordingObserver) OnClose(code int, reason string) {
	o.mu.Lock()
	o.closes = append(o.closes, observedClose{code, reason})
	o.mu.Unlock()
	o.doneOnce.Do(func() { close(o.done) })
}

func (o *recordingObserver) pongCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pongs
}

func (o *recordingObserver) messageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// newTestPair upgrades one connection, wraps it in a running Transport and returns the client side.
func newTestPair(t *testing.T, opts ...Option) (*Transport, *recordingObserver, *ws.Conn) {
	t.Helper()
	obs := newRecordingObserver()
	ready := make(chan *Transport, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := NewUpgrader().Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		tr := NewTransport(conn, opts...)
		tr.Subscribe(obs)
		ready <- tr
		tr.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	tr := <-ready
	t.Cleanup(func() { _ = tr.Close(domain.CloseNormal, "") })
	return tr, obs, client
}

// readLoop keeps the client reading so control frames are processed.
func readLoop(client *ws.Conn) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()
	return errCh
}

func TestTransport_Send(t *testing.T) {
	tr, _, client := newTestPair(t)

	require.NoError(t, tr.Send(context.Background(), []byte(`{"type":"update"}`)))

	client.SetReadDeadline(time.Now().Add(time.Second))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.TextMessage, mt)
	assert.Equal(t, `{"type":"update"}`, string(data))
}

func TestTransport_SendHonoursCancelledContext(t *testing.T) {
	tr, _, _ := newTestPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, tr.Send(ctx, []byte("x")), context.Canceled)
}

func TestTransport_ConcurrentSends(t *testing.T) {
	tr, _, client := newTestPair(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Send(context.Background(), []byte("msg")))
		}()
	}
	wg.Wait()

	client.SetReadDeadline(time.Now().Add(time.Second))
	for range 20 {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "msg", string(data))
	}
}

func TestTransport_PingReceivesPong(t *testing.T) {
	tr, obs, client := newTestPair(t)
	readLoop(client)

	require.NoError(t, tr.Ping(context.Background(), nil))

	assert.Eventually(t, func() bool { return obs.pongCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransport_InboundMessage(t *testing.T) {
	_, obs, client := newTestPair(t)

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte("hello")))

	assert.Eventually(t, func() bool { return obs.messageCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransport_RemoteCloseNotifiesObserver(t *testing.T) {
	_, obs, client := newTestPair(t)

	msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "bye")
	require.NoError(t, client.WriteControl(ws.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case <-obs.done:
	case <-time.After(time.Second):
		t.Fatal("observer not notified of close")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.closes, 1)
	assert.Equal(t, observedClose{ws.CloseNormalClosure, "bye"}, obs.closes[0])
	assert.Empty(t, obs.errs)
}

func TestTransport_OversizedMessageIsError(t *testing.T) {
	_, obs, client := newTestPair(t, WithMaxMessageSize(8))

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte("this is longer than eight bytes")))

	select {
	case <-obs.done:
	case <-time.After(time.Second):
		t.Fatal("observer not notified of read error")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.errs, 1)
	assert.ErrorIs(t, obs.errs[0], ws.ErrReadLimit)
}

func TestTransport_CloseSendsCodeAndIsIdempotent(t *testing.T) {
	tr, obs, client := newTestPair(t)
	errCh := readLoop(client)

	require.NoError(t, tr.Close(domain.CloseRateLimited, "rate_limit"))
	assert.NotPanics(t, func() { _ = tr.Close(domain.CloseNormal, "again") })

	select {
	case err := <-errCh:
		var closeErr *ws.CloseError
		require.True(t, errors.As(err, &closeErr))
		assert.Equal(t, domain.CloseRateLimited, closeErr.Code)
		assert.Equal(t, "rate_limit", closeErr.Text)
	case <-time.After(time.Second):
		t.Fatal("client did not observe close")
	}

	assert.ErrorIs(t, tr.Send(context.Background(), []byte("late")), ErrClosed)
	assert.ErrorIs(t, tr.Ping(context.Background(), nil), ErrClosed)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Empty(t, obs.closes, "local close must not be reported as a remote close")
	assert.Empty(t, obs.errs)
}

func TestTransport_Unsubscribe(t *testing.T) {
	tr, _, client := newTestPair(t)
	other := newRecordingObserver()

	unsubscribe := tr.Subscribe(other)
	unsubscribe()

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte("ignored")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, other.messageCount())
}
