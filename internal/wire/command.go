package wire

import "drover"

// ProtocolMajorVersion is the protocol major version returned by the
// Version command. A major version change implies incompatibility; a
// caller must request Version before trusting any other command.
const ProtocolMajorVersion = 1

// The three protocol commands. Any other command name is answered with
// an unhandled-command error response.
const (
	CommandVersion       = "Version"
	CommandClusterStatus = "ClusterStatus"
	CommandNodeState     = "NodeState"
)

// VersionResponse is the Version command's result.
type VersionResponse struct {
	Major int `cbor:"major"`
}

// ClusterStatusArgs carries the latest desired configuration and merged
// cluster state, control to agent. Both travel in one command so the
// agent never acts on fresh configuration with stale state or vice
// versa. The deployment-typed fields hold codec output as opaque bytes.
type ClusterStatusArgs struct {
	Configuration []byte `cbor:"configuration"`
	State         []byte `cbor:"state"`
}

// NewClusterStatusArgs serializes the two deployments into command
// arguments.
func NewClusterStatusArgs(configuration, state drover.Deployment) (ClusterStatusArgs, error) {
	configBytes, err := MarshalDeployment(configuration)
	if err != nil {
		return ClusterStatusArgs{}, err
	}
	stateBytes, err := MarshalDeployment(state)
	if err != nil {
		return ClusterStatusArgs{}, err
	}
	return ClusterStatusArgs{Configuration: configBytes, State: stateBytes}, nil
}

// Decode deserializes both deployments.
func (a ClusterStatusArgs) Decode() (configuration, state drover.Deployment, err error) {
	configuration, err = UnmarshalDeployment(a.Configuration)
	if err != nil {
		return drover.Deployment{}, drover.Deployment{}, err
	}
	state, err = UnmarshalDeployment(a.State)
	if err != nil {
		return drover.Deployment{}, drover.Deployment{}, err
	}
	return configuration, state, nil
}

// NodeStateArgs carries one node's observed state, agent to control.
type NodeStateArgs struct {
	Hostname string `cbor:"hostname"`
	Node     []byte `cbor:"node_state"`
}

// NewNodeStateArgs serializes a node state report.
func NewNodeStateArgs(hostname string, node drover.Node) (NodeStateArgs, error) {
	nodeBytes, err := MarshalNode(node)
	if err != nil {
		return NodeStateArgs{}, err
	}
	return NodeStateArgs{Hostname: hostname, Node: nodeBytes}, nil
}

// Decode deserializes the node state.
func (a NodeStateArgs) Decode() (drover.Node, error) {
	return UnmarshalNode(a.Node)
}

// Ack is the empty acknowledgment response.
type Ack struct{}
