// Package gpu implements the heterogeneous-memory coordination layer of the
// runtime: device memory lifecycle, data movement between any combination of
// host/device and local/remote memory, and kernel-launch argument staging.
//
// The package is backend-agnostic. Raw driver operations (allocation, byte
// copies, kernel dispatch, pointer classification) are behind the Backend
// interface, with one implementation per accelerator family selected at
// startup through the registry (see Register). Cross-node movement goes
// through the Transport interface; the transport can only address host
// memory, and this layer bridges device endpoints through host staging
// buffers and remote-execution requests.
package gpu

import (
	"os"
	"strconv"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumDevicesEnv caps the number of devices used per node. A non-negative
// integer; unset means "use all detected devices". A malformed value is a
// fatal configuration error.
const NumDevicesEnv = "CHPL_RT_NUM_GPUS_PER_LOCALE"

// MemStrategyEnv overrides the memory strategy ("array_on_device" or
// "unified"). A malformed value is a fatal configuration error.
const MemStrategyEnv = "CHPL_GPU_MEM_STRATEGY"

// NodeIDGlobal is the module-resident global each device-side compute module
// carries to know which node it is running on.
const NodeIDGlobal = "chpl_nodeID"

// Options configures Init.
type Options struct {
	// Backend is an explicit backend instance. If nil, BackendName (or the
	// CHPL_GPU_BACKEND environment variable, or the first registered
	// backend) selects one from the registry.
	Backend     Backend
	BackendName string

	// NodeID is this node's identity in the distributed system.
	NodeID NodeID

	// Transport performs cross-node puts and gets. It may be nil on
	// single-node runs; CommPut/CommGet then fail.
	Transport Transport

	// Strategy is the memory strategy. The MemStrategyEnv environment
	// variable, when set, takes precedence.
	Strategy MemStrategy

	// ModuleBinary is the compiled compute module loaded into every
	// selected device. May be nil for backends that resolve kernels
	// elsewhere (the CPU-emulation backend).
	ModuleBinary []byte

	// RequestedSubloc reports the sublocale the calling task is bound to.
	// It is the hook into the surrounding tasking layer; when nil, device 0
	// is assumed.
	RequestedSubloc func() SublocID

	// Hooks receives allocation-accounting callbacks. May be nil.
	Hooks AllocHooks

	// MaxDevices caps the device count, like NumDevicesEnv. Negative means
	// "use all detected". The environment variable, when set, wins.
	MaxDevices int
}

// Context holds all process-wide mutable state of the GPU subsystem: the
// selected backend, the active-device tracker, per-device loaded modules and
// the diagnostic counters. It is created by Init and torn down by Shutdown.
type Context struct {
	backend    Backend
	nodeID     NodeID
	strategy   MemStrategy
	transport  Transport
	numDevices int
	modules    []Module
	devCtx     deviceTracker
	diags      *Diagnostics
	hooks      AllocHooks

	requestedSubloc func() SublocID
}

// Init reads the device configuration, initializes the backend, and prepares
// every selected device: a retained context, the loaded compute module, and
// the module-resident node identity.
//
// Malformed configuration is fatal, per the runtime's configuration
// contract: there is nothing a caller can do with a half-configured GPU
// subsystem.
func Init(opts Options) (*Context, error) {
	maxDevices := opts.MaxDevices
	if opts.MaxDevices == 0 {
		maxDevices = -1
	}
	if env, found := os.LookupEnv(NumDevicesEnv); found {
		parsed, err := strconv.Atoi(env)
		if err != nil {
			klog.Fatalf("Cannot parse %s environment variable: %v", NumDevicesEnv, err)
		}
		if parsed < 0 {
			klog.Fatalf("%s must be >= 0, got %d", NumDevicesEnv, parsed)
		}
		maxDevices = parsed
	}

	strategy := opts.Strategy
	if env, found := os.LookupEnv(MemStrategyEnv); found {
		parsed, err := ParseMemStrategy(env)
		if err != nil {
			klog.Fatalf("Cannot parse %s environment variable: %v", MemStrategyEnv, err)
		}
		strategy = parsed
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = newRegisteredBackend(opts.BackendName)
		if err != nil {
			return nil, err
		}
	}

	numDevices, err := backend.Init(strategy, maxDevices)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize %q device backend", backend.Name())
	}

	c := &Context{
		backend:         backend,
		nodeID:          opts.NodeID,
		strategy:        strategy,
		transport:       opts.Transport,
		numDevices:      numDevices,
		modules:         make([]Module, numDevices),
		diags:           newDiagnostics(),
		hooks:           opts.Hooks,
		requestedSubloc: opts.RequestedSubloc,
	}
	c.devCtx.backend = backend

	for dev := SublocID(0); int(dev) < numDevices; dev++ {
		if err := c.switchTo(dev); err != nil {
			return nil, c.abortInit(err)
		}
		module, err := backend.LoadModule(dev, opts.ModuleBinary)
		if err != nil {
			return nil, c.abortInit(errors.WithMessagef(err, "failed to load compute module on device %d", dev))
		}
		c.modules[dev] = module
		if err := c.setModuleGlobals(module); err != nil {
			return nil, c.abortInit(errors.WithMessagef(err, "failed to set module globals on device %d", dev))
		}
	}

	klog.V(1).Infof("GPU layer initialized: backend=%s devices=%d node=%d", backend.Name(), numDevices, opts.NodeID)
	switch strategy {
	case ArrayOnDevice:
		klog.V(1).Info("Memory allocation strategy: array data on device memory, other on page-locked host memory")
	case Unified:
		klog.V(1).Info("Memory allocation strategy: unified memory")
	}
	return c, nil
}

// abortInit tears down whatever a failed Init already set up (loaded
// modules, the pushed context, the backend), keeping the triggering error
// first.
func (c *Context) abortInit(err error) error {
	return multierror.Append(err, c.Shutdown()).ErrorOrNil()
}

// setModuleGlobals initializes module-resident state kernels depend on,
// currently only the node identity.
func (c *Context) setModuleGlobals(module Module) error {
	ptr, size, err := c.backend.GetGlobal(module, NodeIDGlobal)
	if err != nil {
		return err
	}
	nodeID := c.nodeID
	if size != unsafe.Sizeof(nodeID) {
		return errors.Errorf("module global %s has size %d, want %d", NodeIDGlobal, size, unsafe.Sizeof(nodeID))
	}
	return c.backend.CopyHostToDevice(ptr, unsafe.Pointer(&nodeID), size)
}

// Shutdown unloads every device's module, releases the active context and
// closes the backend. All failures are reported, aggregated.
func (c *Context) Shutdown() error {
	var errs *multierror.Error
	for dev, module := range c.modules {
		if module == nil {
			continue
		}
		if err := c.switchTo(SublocID(dev)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := c.backend.UnloadModule(module); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "failed to unload module on device %d", dev))
		}
		c.modules[dev] = nil
	}
	if err := c.devCtx.release(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.backend.Close(); err != nil {
		errs = multierror.Append(errs, errors.WithMessage(err, "failed to close device backend"))
	}
	return errs.ErrorOrNil()
}

// Backend returns the device backend in use.
func (c *Context) Backend() Backend { return c.backend }

// NodeID returns this node's identity.
func (c *Context) NodeID() NodeID { return c.nodeID }

// Strategy returns the memory strategy fixed at Init.
func (c *Context) Strategy() MemStrategy { return c.strategy }

// NumDevices returns the number of devices selected at Init.
func (c *Context) NumDevices() int { return c.numDevices }

// Diags exposes the subsystem's diagnostic counters.
func (c *Context) Diags() *Diagnostics { return c.diags }

// Subloc returns the sublocale the calling task requested, the implicit
// target of allocation and launch operations.
func (c *Context) Subloc() SublocID {
	if c.requestedSubloc == nil {
		return 0
	}
	return c.requestedSubloc()
}
