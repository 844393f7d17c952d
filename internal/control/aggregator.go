package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"drover"

	"drover/internal/logging"
)

// Peer is one connected agent from the aggregator's point of view.
// Push must not block: implementations queue the delivery and handle
// their own failures, so one stalled agent cannot hold up the rest of
// a broadcast.
type Peer interface {
	Push(configuration, state drover.Deployment)
}

// Aggregator owns the authoritative merged view of reported node state
// and the current desired configuration, and triggers fan-out to every
// connected agent on each change.
type Aggregator struct {
	requests chan aggregatorRequest

	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
}

type aggregatorRequest struct {
	update   *updateRequest
	setCfg   *setConfigurationRequest
	evict    *evictRequest
	addPeer  Peer
	dropPeer Peer
	snapshot chan snapshotReply
}

type updateRequest struct {
	hostname string
	node     drover.Node
	done     chan struct{}
}

type setConfigurationRequest struct {
	configuration drover.Deployment
	done          chan struct{}
}

type evictRequest struct {
	hostname string
	done     chan struct{}
}

type snapshotReply struct {
	configuration drover.Deployment
	state         drover.Deployment
}

// NewAggregator creates an aggregator with an empty state map and an
// empty desired configuration.
func NewAggregator() *Aggregator {
	return &Aggregator{
		requests: make(chan aggregatorRequest),
		log:      logging.Component("aggregator"),
	}
}

// Start launches the aggregator's request loop.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.run(ctx)
	}()
}

// Stop shuts the request loop down and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// UpdateNodeState replaces the stored state for hostname (inserting if
// new), leaving every other hostname untouched, then broadcasts the
// merged state and current configuration to all connected agents.
func (a *Aggregator) UpdateNodeState(ctx context.Context, hostname string, node drover.Node) error {
	req := updateRequest{hostname: hostname, node: node, done: make(chan struct{})}
	if err := a.submit(ctx, aggregatorRequest{update: &req}); err != nil {
		return err
	}
	return a.await(ctx, req.done)
}

// SetConfiguration replaces the desired configuration and broadcasts.
func (a *Aggregator) SetConfiguration(ctx context.Context, configuration drover.Deployment) error {
	req := setConfigurationRequest{configuration: configuration, done: make(chan struct{})}
	if err := a.submit(ctx, aggregatorRequest{setCfg: &req}); err != nil {
		return err
	}
	return a.await(ctx, req.done)
}

// Evict removes a hostname's entry from the merged state, if present,
// and broadcasts. State entries are never removed implicitly; this is
// the one explicit removal mechanism.
func (a *Aggregator) Evict(ctx context.Context, hostname string) error {
	req := evictRequest{hostname: hostname, done: make(chan struct{})}
	if err := a.submit(ctx, aggregatorRequest{evict: &req}); err != nil {
		return err
	}
	return a.await(ctx, req.done)
}

// AddPeer registers a connected agent for broadcasts and immediately
// pushes the current configuration and state to it, so a freshly
// connected agent can converge without waiting for the next change.
func (a *Aggregator) AddPeer(ctx context.Context, p Peer) error {
	return a.submit(ctx, aggregatorRequest{addPeer: p})
}

// RemovePeer unregisters a connection. Safe to call for a peer that was
// never added.
func (a *Aggregator) RemovePeer(ctx context.Context, p Peer) error {
	return a.submit(ctx, aggregatorRequest{dropPeer: p})
}

// Snapshot returns the current configuration and merged state.
func (a *Aggregator) Snapshot(ctx context.Context) (configuration, state drover.Deployment, err error) {
	reply := make(chan snapshotReply, 1)
	if err := a.submit(ctx, aggregatorRequest{snapshot: reply}); err != nil {
		return drover.Deployment{}, drover.Deployment{}, err
	}
	select {
	case snap := <-reply:
		return snap.configuration, snap.state, nil
	case <-ctx.Done():
		return drover.Deployment{}, drover.Deployment{}, ctx.Err()
	case <-a.done:
		return drover.Deployment{}, drover.Deployment{}, fmt.Errorf("aggregator stopped")
	}
}

func (a *Aggregator) submit(ctx context.Context, req aggregatorRequest) error {
	select {
	case a.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return fmt.Errorf("aggregator stopped")
	}
}

func (a *Aggregator) await(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return fmt.Errorf("aggregator stopped")
	}
}

func (a *Aggregator) run(ctx context.Context) {
	configuration := drover.Deployment{}
	nodes := make(map[string]drover.Node)
	peers := make(map[Peer]struct{})

	merged := func() drover.Deployment {
		hostnames := make([]string, 0, len(nodes))
		for hostname := range nodes {
			hostnames = append(hostnames, hostname)
		}
		sort.Strings(hostnames)
		out := make([]drover.Node, 0, len(hostnames))
		for _, hostname := range hostnames {
			out = append(out, nodes[hostname])
		}
		// Hostnames are map keys, so uniqueness holds and construction
		// cannot fail.
		deployment, err := drover.NewDeployment(out)
		if err != nil {
			a.log.Error("merged state invalid", "err", err)
			return drover.Deployment{}
		}
		return deployment
	}

	broadcast := func() {
		state := merged()
		for peer := range peers {
			peer.Push(configuration, state)
		}
		a.log.Debug("broadcast dispatched", "peers", len(peers), "nodes", len(nodes))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.requests:
			switch {
			case req.update != nil:
				nodes[req.update.hostname] = req.update.node
				broadcast()
				close(req.update.done)
			case req.setCfg != nil:
				configuration = req.setCfg.configuration
				broadcast()
				close(req.setCfg.done)
			case req.evict != nil:
				if _, present := nodes[req.evict.hostname]; present {
					delete(nodes, req.evict.hostname)
					broadcast()
				}
				close(req.evict.done)
			case req.addPeer != nil:
				peers[req.addPeer] = struct{}{}
				req.addPeer.Push(configuration, merged())
			case req.dropPeer != nil:
				delete(peers, req.dropPeer)
			case req.snapshot != nil:
				req.snapshot <- snapshotReply{configuration: configuration, state: merged()}
			}
		}
	}
}
