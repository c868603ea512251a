package domain

import "context"

// Transport is the opaque duplex handle behind a connection. The wire protocol lives in adapters.
// Send and Ping must honour ctx; Close is safe to call more than once.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Ping(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
	// Subscribe attaches the observer for inbound events. The returned func detaches it.
	Subscribe(observer TransportObserver) (unsubscribe func())
}

// TransportObserver receives inbound transport callbacks.
type TransportObserver interface {
	OnMessage(payload []byte)
	OnPong(payload []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Close codes used when tearing down or refusing a connection.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	ClosePolicyViolated = 1008
	CloseInternalError  = 1011
	CloseTryAgainLater  = 1013
	CloseDuplicateID    = 4409
	CloseRateLimited    = 4429
)
