package chat

import "context"

// Dialer opens one authenticated transport session.
//
// Implementations must return an error wrapping ErrUnauthorized when the
// credential is rejected, and ErrTransport for every other handshake failure.
type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

// Session is one live, multiplexed broker connection.
//
// Requirements:
//   - Subscribe delivers frame bodies for destination to handler from a
//     single goroutine per subscription, in transport order.
//   - Done is closed exactly once when the session is lost or closed; Err
//     then reports the cause (nil after a local Close).
//   - Close is idempotent.
type Session interface {
	Subscribe(destination string, handler func(body []byte)) (Subscription, error)
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Subscription is one underlying broker subscription.
type Subscription interface {
	Unsubscribe() error
}
