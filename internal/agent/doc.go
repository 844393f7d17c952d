// Package agent implements the node-side half of the protocol: a client
// that keeps a connection to the control service alive, hands cluster
// updates to a convergencer, and reports observed node state back.
//
// The client owns the connection lifecycle (dial, version handshake,
// reconnect with backoff). The convergence service turns each cluster
// update into container runtime actions and a fresh state report. The
// clock checker guards convergence against nodes with drifting clocks.
package agent
