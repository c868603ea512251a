package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/pscheid92/collabpulse/internal/domain"
)

// Fake is an in-memory domain.Transport. Test use only.
type Fake struct {
	mu        sync.Mutex
	sent      [][]byte
	pings     int
	closes    []Close
	observer  domain.TransportObserver
	sendErr   error
	pingErr   error
	sendDelay time.Duration
	sendPanic bool
	failSends int
}

// Close records one Close call.
type Close struct {
	Code   int
	Reason string
}

func New() *Fake { return &Fake{} }

// FailSendsWith makes every Send return err.
func (f *Fake) FailSendsWith(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
	return f
}

// FailFirstSends makes the next n Sends return err, then succeed.
func (f *Fake) FailFirstSends(n int, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSends = n
	f.sendErr = err
	return f
}

// FailPingsWith makes every Ping return err.
func (f *Fake) FailPingsWith(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
	return f
}

// DelaySends makes Send block for d or until ctx is done.
func (f *Fake) DelaySends(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendDelay = d
	return f
}

// PanicOnSend makes Send panic.
func (f *Fake) PanicOnSend() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendPanic = true
	return f
}

func (f *Fake) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	delay, shouldPanic := f.sendDelay, f.sendPanic
	f.mu.Unlock()

	if shouldPanic {
		panic("transporttest: send panic")
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if f.failSends == 0 {
			return f.sendErr
		}
		f.failSends--
		err := f.sendErr
		if f.failSends == 0 {
			f.sendErr = nil
		}
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *Fake) Ping(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *Fake) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, Close{Code: code, Reason: reason})
	return nil
}

func (f *Fake) Subscribe(observer domain.TransportObserver) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = observer
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.observer == observer {
			f.observer = nil
		}
	}
}

// Observer returns the currently subscribed observer, or nil.
func (f *Fake) Observer() domain.TransportObserver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observer
}

// Pong delivers an inbound pong to the subscribed observer.
func (f *Fake) Pong() {
	if obs := f.Observer(); obs != nil {
		obs.OnPong(nil)
	}
}

func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *Fake) Closes() []Close {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Close(nil), f.closes...)
}
