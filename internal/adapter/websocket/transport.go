package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/collabpulse/internal/domain"
)

const (
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 64 * 1024
	closeGracePeriod      = time.Second
)

var ErrClosed = errors.New("websocket transport closed")

// NewUpgrader returns an upgrader that accepts every origin. Origin policy is an admission
// concern; refused connections are closed with the rejection's close code after the upgrade.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// Transport adapts a gorilla connection to domain.Transport.
// Writes are serialised; Ping and Close use control frames and may run concurrently with Send.
type Transport struct {
	conn           *websocket.Conn
	writeTimeout   time.Duration
	maxMessageSize int64

	writeMu sync.Mutex

	obsMu    sync.RWMutex
	observer domain.TransportObserver

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

func WithMaxMessageSize(n int64) Option {
	return func(t *Transport) { t.maxMessageSize = n }
}

func NewTransport(conn *websocket.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:           conn,
		writeTimeout:   defaultWriteTimeout,
		maxMessageSize: defaultMaxMessageSize,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Transport) Ping(ctx context.Context, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	return t.conn.WriteControl(websocket.PingMessage, payload, t.deadline(ctx))
}

// Close sends a close frame and releases the socket. Only the first call has an effect.
func (t *Transport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		close(t.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *Transport) Subscribe(observer domain.TransportObserver) func() {
	t.obsMu.Lock()
	t.observer = observer
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		if t.observer == observer {
			t.observer = nil
		}
	}
}

// Run reads frames until the connection fails or is closed, dispatching them to the
// subscribed observer. It blocks; callers run it on the connection's own goroutine.
func (t *Transport) Run() {
	t.conn.SetReadLimit(t.maxMessageSize)
	t.conn.SetPongHandler(func(appData string) error {
		if obs := t.currentObserver(); obs != nil {
			obs.OnPong([]byte(appData))
		}
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.dispatchReadError(err)
			return
		}
		if obs := t.currentObserver(); obs != nil {
			obs.OnMessage(data)
		}
	}
}

func (t *Transport) dispatchReadError(err error) {
	if t.isClosed() {
		return
	}
	obs := t.currentObserver()
	if obs == nil {
		_ = t.Close(domain.CloseNormal, "")
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		obs.OnClose(closeErr.Code, closeErr.Text)
		return
	}
	obs.OnError(err)
}

func (t *Transport) currentObserver() domain.TransportObserver {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	return t.observer
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// deadline is the earlier of the context deadline and now plus the write timeout.
func (t *Transport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
