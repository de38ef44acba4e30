package gpu

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// counterKind enumerates the event counters. One increment per logical
// event, regardless of how many backend calls the event required.
type counterKind int

const (
	counterKernelLaunch counterKind = iota
	counterDeviceToDevice
	counterDeviceToHost
	counterHostToDevice
	numCounters
)

// CounterSnapshot is a point-in-time copy of the event counters.
type CounterSnapshot struct {
	KernelLaunch   uint64
	DeviceToDevice uint64
	DeviceToHost   uint64
	HostToDevice   uint64
}

// Diagnostics holds the process-wide monotonically increasing event counters
// and the verbose-tracing toggle. It lives for the whole process: created at
// subsystem initialization and read by external introspection tooling.
type Diagnostics struct {
	counters [numCounters]atomic.Uint64
	verbose  atomic.Bool
}

func newDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

func (d *Diagnostics) incr(kind counterKind) {
	d.counters[kind].Add(1)
}

// Snapshot returns the current counter values.
func (d *Diagnostics) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		KernelLaunch:   d.counters[counterKernelLaunch].Load(),
		DeviceToDevice: d.counters[counterDeviceToDevice].Load(),
		DeviceToHost:   d.counters[counterDeviceToHost].Load(),
		HostToDevice:   d.counters[counterHostToDevice].Load(),
	}
}

// StartVerbose enables per-event human-readable tracing.
func (d *Diagnostics) StartVerbose() { d.verbose.Store(true) }

// StopVerbose disables per-event tracing.
func (d *Diagnostics) StopVerbose() { d.verbose.Store(false) }

// Verbose reports whether per-event tracing is on.
func (d *Diagnostics) Verbose() bool { return d.verbose.Load() }

// tracef emits one trace line when verbose mode is on.
func (d *Diagnostics) tracef(format string, args ...any) {
	if d.verbose.Load() {
		klog.InfofDepth(1, format, args...)
	}
}

var (
	descKernelLaunch = prometheus.NewDesc(
		"chpl_gpu_kernel_launches_total",
		"Number of GPU kernel launches.", nil, nil)
	descDeviceToDevice = prometheus.NewDesc(
		"chpl_gpu_device_to_device_copies_total",
		"Number of device-to-device copies.", nil, nil)
	descDeviceToHost = prometheus.NewDesc(
		"chpl_gpu_device_to_host_copies_total",
		"Number of device-to-host copies.", nil, nil)
	descHostToDevice = prometheus.NewDesc(
		"chpl_gpu_host_to_device_copies_total",
		"Number of host-to-device copies.", nil, nil)
)

// collector adapts Diagnostics to the prometheus scrape interface.
type collector struct {
	diags *Diagnostics
}

// Collector returns a prometheus.Collector over the event counters, suitable
// for registering with any prometheus registry.
func (d *Diagnostics) Collector() prometheus.Collector {
	return collector{diags: d}
}

// Describe implements prometheus.Collector.
func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descKernelLaunch
	ch <- descDeviceToDevice
	ch <- descDeviceToHost
	ch <- descHostToDevice
}

// Collect implements prometheus.Collector.
func (c collector) Collect(ch chan<- prometheus.Metric) {
	s := c.diags.Snapshot()
	ch <- prometheus.MustNewConstMetric(descKernelLaunch, prometheus.CounterValue, float64(s.KernelLaunch))
	ch <- prometheus.MustNewConstMetric(descDeviceToDevice, prometheus.CounterValue, float64(s.DeviceToDevice))
	ch <- prometheus.MustNewConstMetric(descDeviceToHost, prometheus.CounterValue, float64(s.DeviceToHost))
	ch <- prometheus.MustNewConstMetric(descHostToDevice, prometheus.CounterValue, float64(s.HostToDevice))
}
