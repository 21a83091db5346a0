package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/panemux/panemux/internal/wire"
)

func TestConnSinkDropsConnectionOnWriteFailure(t *testing.T) {
	writes, closes := 0, 0
	sink := &connSink{
		writeFn: func(ctx context.Context, p []byte) error {
			writes++
			return errors.New("write deadline exceeded")
		},
		closeFn: func() { closes++ },
	}

	sink.StreamData("s1", []byte("chunk"))
	if closes != 1 {
		t.Fatalf("closes = %d, want 1 (a dropped chunk must kill the connection)", closes)
	}

	// A dead sink must not resume writing into the gap.
	sink.StreamData("s1", []byte("later"))
	if writes != 1 {
		t.Errorf("writes = %d, want 1", writes)
	}
	if closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	if got := attachErrCode(ErrSessionKilled); got != wire.CodeSessionKilled {
		t.Errorf("attachErrCode(ErrSessionKilled) = %q", got)
	}
	if got := writeErrCode(errQueueFull); got != wire.CodeWriteQueueFull {
		t.Errorf("writeErrCode(errQueueFull) = %q", got)
	}
	if got := writeErrCode(errSessionDone); got != wire.CodeSessionKilled {
		t.Errorf("writeErrCode(errSessionDone) = %q", got)
	}
}
