// Package control implements the control service: the aggregator that
// owns the merged view of reported node state, the responders answering
// agent commands, and the listener managing agent connections.
//
// The aggregator is the single owner of cluster state. Connection
// handlers never touch the state map directly; every read and write
// travels through the aggregator's request loop, so there is exactly
// one writer by construction.
package control
