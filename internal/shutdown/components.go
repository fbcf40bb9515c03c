package shutdown

import (
	"context"
	"io"
)

// component adapts a named function to the Component interface.
type component struct {
	name string
	fn   func(ctx context.Context) error
}

func (c component) Name() string                       { return c.name }
func (c component) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// Func returns a Component that runs fn on shutdown.
func Func(name string, fn func(ctx context.Context) error) Component {
	return component{name: name, fn: fn}
}

// Closer returns a Component that closes c on shutdown. The shutdown
// context is not passed to Close, so a Closer should not block for long.
func Closer(name string, c io.Closer) Component {
	return Func(name, func(context.Context) error {
		return c.Close()
	})
}
