// Package loopback implements gpu.Transport over several simulated nodes
// sharing one process. Direct puts and gets are plain memory moves, and the
// remote-execution calls (on+put, on+get) run the request against the target
// node's own GPU context, exactly as a remote node would complete the
// device-side half of a transfer with its local copy engine.
//
// It backs single-node runs of the runtime and the distributed-transfer
// tests.
package loopback

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/xianghao-wang/chapel/gpu"
	"github.com/xianghao-wang/chapel/internal/memutil"
)

// Network is a set of in-process nodes. Attach each node's GPU context
// before moving data to or from it.
type Network struct {
	mu    sync.RWMutex
	nodes map[gpu.NodeID]*gpu.Context
}

// New creates an empty loopback network.
func New() *Network {
	return &Network{nodes: make(map[gpu.NodeID]*gpu.Context)}
}

// Attach binds a node identity to its GPU context.
func (n *Network) Attach(id gpu.NodeID, ctx *gpu.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = ctx
}

func (n *Network) node(id gpu.NodeID) (*gpu.Context, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ctx, found := n.nodes[id]
	if !found {
		return nil, errors.Errorf("no node %d on the loopback network", id)
	}
	return ctx, nil
}

// Put implements gpu.Transport. All loopback nodes share an address space,
// so the network write is a local move.
func (n *Network) Put(src unsafe.Pointer, node gpu.NodeID, dst unsafe.Pointer, size uintptr) error {
	if _, err := n.node(node); err != nil {
		return err
	}
	memutil.Memmove(dst, src, size)
	return nil
}

// Get implements gpu.Transport.
func (n *Network) Get(dst unsafe.Pointer, node gpu.NodeID, src unsafe.Pointer, size uintptr) error {
	if _, err := n.node(node); err != nil {
		return err
	}
	memutil.Memmove(dst, src, size)
	return nil
}

// OnPut implements gpu.Transport: srcNode pushes from its own (possibly
// device-resident) memory into dstNode using its local coordination layer.
func (n *Network) OnPut(srcNode gpu.NodeID, srcSubloc gpu.SublocID, src unsafe.Pointer,
	dstNode gpu.NodeID, dstSubloc gpu.SublocID, dst unsafe.Pointer, size uintptr) error {
	ctx, err := n.node(srcNode)
	if err != nil {
		return err
	}
	return ctx.CommPut(dstNode, dstSubloc, dst, srcSubloc, src, size)
}

// OnGet implements gpu.Transport: dstNode pulls from srcNode into its own
// (possibly device-resident) memory using its local coordination layer.
func (n *Network) OnGet(dstNode gpu.NodeID, dstSubloc gpu.SublocID, dst unsafe.Pointer,
	srcNode gpu.NodeID, srcSubloc gpu.SublocID, src unsafe.Pointer, size uintptr) error {
	ctx, err := n.node(dstNode)
	if err != nil {
		return err
	}
	return ctx.CommGet(dstSubloc, dst, srcNode, srcSubloc, src, size)
}
