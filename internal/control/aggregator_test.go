package control

import (
	"context"
	"testing"
	"time"

	"drover"
)

func mustNode(t *testing.T, hostname string, apps ...drover.Application) drover.Node {
	t.Helper()
	node, err := drover.NewNode(hostname, apps)
	if err != nil {
		t.Fatalf("NewNode(%q): %v", hostname, err)
	}
	return node
}

func mustApp(t *testing.T, name, repository string) drover.Application {
	t.Helper()
	app, err := drover.NewApplication(drover.Application{
		Name:  name,
		Image: drover.Image{Repository: repository, Tag: "latest"},
	})
	if err != nil {
		t.Fatalf("NewApplication(%q): %v", name, err)
	}
	return app
}

func startAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg := NewAggregator()
	agg.Start(context.Background())
	t.Cleanup(agg.Stop)
	return agg
}

// --- fakes ---

type fakePeer struct {
	pushes chan clusterStatus
}

func newFakePeer() *fakePeer {
	return &fakePeer{pushes: make(chan clusterStatus, 16)}
}

func (p *fakePeer) Push(configuration, state drover.Deployment) {
	p.pushes <- clusterStatus{configuration: configuration, state: state}
}

func (p *fakePeer) next(t *testing.T) clusterStatus {
	t.Helper()
	select {
	case update := <-p.pushes:
		return update
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
		return clusterStatus{}
	}
}

// --- tests ---

func TestAggregatorUpdateAndSnapshot(t *testing.T) {
	agg := startAggregator(t)
	ctx := context.Background()

	nodeA := mustNode(t, "node-a", mustApp(t, "web", "nginx"))
	if err := agg.UpdateNodeState(ctx, "node-a", nodeA); err != nil {
		t.Fatalf("UpdateNodeState: %v", err)
	}

	_, state, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got, ok := state.Node("node-a")
	if !ok {
		t.Fatal("node-a missing from state")
	}
	if !got.Equal(nodeA) {
		t.Fatalf("state node mismatch: got %+v", got)
	}
}

func TestAggregatorUpdateReplacesOnlyThatHostname(t *testing.T) {
	agg := startAggregator(t)
	ctx := context.Background()

	nodeA := mustNode(t, "node-a", mustApp(t, "web", "nginx"))
	nodeB := mustNode(t, "node-b", mustApp(t, "db", "postgres"))
	for _, update := range []struct {
		hostname string
		node     drover.Node
	}{
		{"node-a", nodeA},
		{"node-b", nodeB},
	} {
		if err := agg.UpdateNodeState(ctx, update.hostname, update.node); err != nil {
			t.Fatalf("UpdateNodeState(%q): %v", update.hostname, err)
		}
	}

	replacement := mustNode(t, "node-a", mustApp(t, "cache", "redis"))
	if err := agg.UpdateNodeState(ctx, "node-a", replacement); err != nil {
		t.Fatalf("UpdateNodeState: %v", err)
	}

	_, state, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(state.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(state.Nodes))
	}
	gotA, _ := state.Node("node-a")
	if !gotA.Equal(replacement) {
		t.Fatalf("node-a not replaced: %+v", gotA)
	}
	gotB, _ := state.Node("node-b")
	if !gotB.Equal(nodeB) {
		t.Fatalf("node-b disturbed by node-a update: %+v", gotB)
	}
}

func TestAggregatorBroadcastReachesEveryPeer(t *testing.T) {
	agg := startAggregator(t)
	ctx := context.Background()

	peers := []*fakePeer{newFakePeer(), newFakePeer(), newFakePeer()}
	for _, peer := range peers {
		if err := agg.AddPeer(ctx, peer); err != nil {
			t.Fatalf("AddPeer: %v", err)
		}
		// Registration pushes the current view right away.
		initial := peer.next(t)
		if len(initial.state.Nodes) != 0 {
			t.Fatalf("expected empty initial state, got %d nodes", len(initial.state.Nodes))
		}
	}

	node := mustNode(t, "node-a", mustApp(t, "web", "nginx"))
	if err := agg.UpdateNodeState(ctx, "node-a", node); err != nil {
		t.Fatalf("UpdateNodeState: %v", err)
	}

	for i, peer := range peers {
		update := peer.next(t)
		got, ok := update.state.Node("node-a")
		if !ok || !got.Equal(node) {
			t.Fatalf("peer %d got wrong state: %+v", i, update.state)
		}
	}
}

func TestAggregatorRemovedPeerStopsReceiving(t *testing.T) {
	agg := startAggregator(t)
	ctx := context.Background()

	peer := newFakePeer()
	if err := agg.AddPeer(ctx, peer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	peer.next(t)
	if err := agg.RemovePeer(ctx, peer); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}

	if err := agg.UpdateNodeState(ctx, "node-a", mustNode(t, "node-a")); err != nil {
		t.Fatalf("UpdateNodeState: %v", err)
	}
	select {
	case <-peer.pushes:
		t.Fatal("removed peer still received a push")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAggregatorSetConfigurationBroadcasts(t *testing.T) {
	agg := startAggregator(t)
	ctx := context.Background()

	peer := newFakePeer()
	if err := agg.AddPeer(ctx, peer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	peer.next(t)

	configuration, err := drover.NewDeployment([]drover.Node{
		mustNode(t, "node-a", mustApp(t, "web", "nginx")),
	})
	if err != nil {
		t.Fatalf("NewDeployment: %v", err)
	}
	if err := agg.SetConfiguration(ctx, configuration); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}

	update := peer.next(t)
	if !update.configuration.Equal(configuration) {
		t.Fatalf("pushed configuration mismatch: %+v", update.configuration)
	}
}

func TestAggregatorEvictRemovesHostname(t *testing.T) {
	agg := startAggregator(t)
	ctx := context.Background()

	if err := agg.UpdateNodeState(ctx, "node-a", mustNode(t, "node-a")); err != nil {
		t.Fatalf("UpdateNodeState: %v", err)
	}
	if err := agg.Evict(ctx, "node-a"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	_, state, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := state.Node("node-a"); ok {
		t.Fatal("node-a still present after eviction")
	}

	// Evicting an unknown hostname is a no-op.
	if err := agg.Evict(ctx, "node-z"); err != nil {
		t.Fatalf("Evict unknown: %v", err)
	}
}
