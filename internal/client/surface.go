package client

import "github.com/panemux/panemux/internal/wire"

// Surface is the terminal display capability the controller drives. Write is
// synchronous: when it returns, the bytes have been applied, which is what
// lets a restoration sequence interleave cursor-relative escapes safely.
type Surface interface {
	Write(p []byte) error
	Resize(cols, rows int)
	Clear()
	Focus()
	Size() (cols, rows int)
}

// Transport carries controller requests to the registry. All sends are
// fire-and-forget; responses and stream events come back through the
// controller's Handle methods.
type Transport interface {
	Attach(req *wire.Attach)
	Write(sessionID string, data []byte)
	Resize(sessionID string, cols, rows int)
	Detach(sessionID string, viewportY int)
	Kill(sessionID string)
	ClearScrollback(sessionID string)
	AckColdRestore(sessionID string)
}
