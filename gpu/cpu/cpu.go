// Package cpu implements the gpu.Backend interface entirely on host memory,
// emulating a configurable number of devices. It backs single-node runs on
// machines without an accelerator and the test suite.
//
// Every allocation is tagged with the physical kind a real driver would
// report (device, page-locked host, or unified), so the coordination layer's
// classification-and-dispatch logic is exercised unchanged.
package cpu

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/xianghao-wang/chapel/gpu"
)

func init() {
	gpu.Register("cpu", func(config string) (gpu.Backend, error) {
		if config == "" {
			return New(), nil
		}
		detected, err := strconv.Atoi(config)
		if err != nil || detected <= 0 {
			return nil, errors.Errorf("cpu backend config must be a positive device count, got %q", config)
		}
		return New(WithDetectedDevices(detected)), nil
	})
}

// Backend emulates an accelerator family on host memory.
type Backend struct {
	mu sync.Mutex

	strategy    gpu.MemStrategy
	detected    int
	numDevices  int
	initialized bool

	allocs     map[uintptr]*allocation
	registered map[uintptr]uintptr
	ctxStack   []gpu.SublocID
	peer       map[[2]gpu.SublocID]bool

	kernels map[string]KernelFunc
	modules map[*deviceModule]struct{}
}

// Option configures New.
type Option func(*Backend)

// WithDetectedDevices sets how many devices the backend pretends to detect.
// The default is 1.
func WithDetectedDevices(n int) Option {
	return func(b *Backend) { b.detected = n }
}

// WithKernels seeds the kernel table resolved by LoadFunction.
func WithKernels(kernels map[string]KernelFunc) Option {
	return func(b *Backend) {
		for name, fn := range kernels {
			b.kernels[name] = fn
		}
	}
}

// New creates an uninitialized CPU-emulation backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		detected:   1,
		allocs:     make(map[uintptr]*allocation),
		registered: make(map[uintptr]uintptr),
		peer:       make(map[[2]gpu.SublocID]bool),
		kernels:    make(map[string]KernelFunc),
		modules:    make(map[*deviceModule]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements gpu.Backend.
func (b *Backend) Name() string { return "cpu" }

// Init implements gpu.Backend: it selects min(maxDevices, detected) devices,
// or all detected ones when maxDevices is negative.
func (b *Backend) Init(strategy gpu.MemStrategy, maxDevices int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return 0, errors.New("cpu backend initialized twice")
	}
	b.strategy = strategy
	b.numDevices = b.detected
	if maxDevices >= 0 && maxDevices < b.numDevices {
		b.numDevices = maxDevices
	}
	b.initialized = true
	return b.numDevices, nil
}

// Close implements gpu.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.allocs); n > 0 {
		klog.V(1).Infof("cpu backend closing with %d outstanding allocations", n)
	}
	b.allocs = make(map[uintptr]*allocation)
	b.ctxStack = nil
	b.initialized = false
	return nil
}

func (b *Backend) checkDevice(dev gpu.SublocID) error {
	if !dev.IsDevice() || int(dev) >= b.numDevices {
		return errors.Errorf("invalid device %d (have %d devices)", dev, b.numDevices)
	}
	return nil
}

// PushContext implements gpu.Backend.
func (b *Backend) PushContext(dev gpu.SublocID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkDevice(dev); err != nil {
		return err
	}
	b.ctxStack = append(b.ctxStack, dev)
	return nil
}

// PopContext implements gpu.Backend.
func (b *Backend) PopContext() (gpu.SublocID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ctxStack) == 0 {
		return 0, errors.New("no GPU context is active")
	}
	dev := b.ctxStack[len(b.ctxStack)-1]
	b.ctxStack = b.ctxStack[:len(b.ctxStack)-1]
	return dev, nil
}

// CurrentContext implements gpu.Backend.
func (b *Backend) CurrentContext() (gpu.SublocID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ctxStack) == 0 {
		return 0, false
	}
	return b.ctxStack[len(b.ctxStack)-1], true
}

// CanAccessPeer implements gpu.Backend. Emulated devices share one address
// space, so any pair is peer-capable.
func (b *Backend) CanAccessPeer(dev1, dev2 gpu.SublocID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkDevice(dev1); err != nil {
		return false, err
	}
	if err := b.checkDevice(dev2); err != nil {
		return false, err
	}
	return true, nil
}

// SetPeerAccess implements gpu.Backend. Only the dev1-to-dev2 direction is
// recorded, and repeating a state change is a no-op.
func (b *Backend) SetPeerAccess(dev1, dev2 gpu.SublocID, enable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkDevice(dev1); err != nil {
		return err
	}
	if err := b.checkDevice(dev2); err != nil {
		return err
	}
	b.peer[[2]gpu.SublocID{dev1, dev2}] = enable
	return nil
}

// PeerAccessEnabled reports the recorded dev1-to-dev2 peer state.
func (b *Backend) PeerAccessEnabled(dev1, dev2 gpu.SublocID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer[[2]gpu.SublocID{dev1, dev2}]
}
