package agent

import (
	"context"

	"drover"
)

// StateReporter sends one node's observed state to the control service
// over the current connection.
type StateReporter interface {
	ReportNodeState(ctx context.Context, hostname string, node drover.Node) error
}

// NodeDeployer discovers the applications running on this node and
// drives them toward a desired set.
type NodeDeployer interface {
	Discover(ctx context.Context) ([]drover.Application, error)
	Converge(ctx context.Context, desired []drover.Application) error
}

// ClockChecker reports whether this node's clock is close enough to
// real time to trust its own observations.
type ClockChecker interface {
	CheckClock(ctx context.Context) error
}

// Convergencer reacts to the connection lifecycle and cluster updates.
// The client serializes all three callbacks: Connected runs before the
// first ClusterUpdated of a connection, Disconnected runs exactly once
// after its last, and no two callbacks overlap.
type Convergencer interface {
	Connected(ctx context.Context, reporter StateReporter)
	Disconnected()
	ClusterUpdated(ctx context.Context, configuration, state drover.Deployment)
}
