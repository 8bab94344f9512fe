package listener

import "context"

// Listener is a network front end for the HTTP handler. Start blocks until
// ctx is cancelled; Stop is safe to call more than once.
type Listener interface {
	Addr() string
	Start(ctx context.Context) error
	Stop() error
	Type() string
}
