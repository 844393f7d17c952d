// Package deployer drives a node's container runtime toward a desired
// application set and discovers what actually runs. The core planner is
// runtime-agnostic; the docker and sqlite subpackages supply the Docker
// Engine adapter and the on-disk application record store.
package deployer
