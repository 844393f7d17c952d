package control

import (
	"context"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"drover/internal/wire"
)

// Locator supplies the control service's responders: Version for the
// handshake and NodeState for agent reports. It remembers which
// hostnames each connection reported so the server can evict them when
// the connection drops.
type Locator struct {
	aggregator *Aggregator

	mu       sync.Mutex
	reported map[string]struct{}
}

// NewLocator builds a locator feeding reports into the aggregator.
// One locator serves one connection.
func NewLocator(aggregator *Aggregator) *Locator {
	return &Locator{
		aggregator: aggregator,
		reported:   make(map[string]struct{}),
	}
}

// Register installs the control-side responders on a dispatcher.
func (l *Locator) Register(d *wire.Dispatcher) {
	d.Handle(wire.CommandVersion, l.version)
	d.Handle(wire.CommandNodeState, l.nodeState)
}

// ReportedHostnames lists the hostnames this connection has reported
// state for, sorted.
func (l *Locator) ReportedHostnames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	hostnames := make([]string, 0, len(l.reported))
	for hostname := range l.reported {
		hostnames = append(hostnames, hostname)
	}
	sort.Strings(hostnames)
	return hostnames
}

func (l *Locator) version(ctx context.Context, fields cbor.RawMessage) (any, error) {
	return wire.VersionResponse{Major: wire.ProtocolMajorVersion}, nil
}

func (l *Locator) nodeState(ctx context.Context, fields cbor.RawMessage) (any, error) {
	var args wire.NodeStateArgs
	if err := wire.DecodeArgs(fields, &args); err != nil {
		return nil, err
	}
	node, err := args.Decode()
	if err != nil {
		return nil, err
	}
	if err := l.aggregator.UpdateNodeState(ctx, args.Hostname, node); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.reported[args.Hostname] = struct{}{}
	l.mu.Unlock()
	return wire.Ack{}, nil
}
