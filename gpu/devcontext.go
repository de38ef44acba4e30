package gpu

import (
	"sync"

	"github.com/pkg/errors"
)

// deviceTracker tracks which device context is current on this node and
// elides redundant switches. The active context is per-node shared state;
// every device-touching operation goes through switchTo before issuing
// backend work.
type deviceTracker struct {
	mu        sync.Mutex
	backend   Backend
	active    SublocID
	hasActive bool
}

// switchTo makes dev's context current: a push when none is active, a no-op
// when dev is already active, and a pop-then-push when a different device is.
func (t *deviceTracker) switchTo(dev SublocID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasActive && t.active == dev {
		return nil
	}
	if t.hasActive {
		if _, err := t.backend.PopContext(); err != nil {
			return errors.WithMessagef(err, "failed to pop context for device %d", t.active)
		}
		t.hasActive = false
	}
	if err := t.backend.PushContext(dev); err != nil {
		return errors.WithMessagef(err, "failed to push context for device %d", dev)
	}
	t.active = dev
	t.hasActive = true
	return nil
}

// release pops the active context, if any.
func (t *deviceTracker) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasActive {
		return nil
	}
	if _, err := t.backend.PopContext(); err != nil {
		return errors.WithMessagef(err, "failed to pop context for device %d", t.active)
	}
	t.hasActive = false
	return nil
}

func (c *Context) switchTo(dev SublocID) error {
	return c.devCtx.switchTo(dev)
}
