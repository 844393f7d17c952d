package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"drover"
)

// SchemaVersion is the object serialization schema version. It is
// independent of the protocol major version: it covers the shape of
// serialized deployment objects, not the command set.
const SchemaVersion = 1

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding. The same deployment always encodes
// to the same bytes.
var encMode cbor.EncMode

// decMode rejects unknown fields so payloads from a future, incompatible
// schema fail with a typed error instead of silently dropping data.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireDeployment struct {
	Version int        `cbor:"v"`
	Nodes   []wireNode `cbor:"nodes,omitempty"`
}

type wireNodeEnvelope struct {
	Version int      `cbor:"v"`
	Node    wireNode `cbor:"node"`
}

type wireNode struct {
	Hostname     string            `cbor:"hostname"`
	Applications []wireApplication `cbor:"applications,omitempty"`
}

type wireApplication struct {
	Name        string            `cbor:"name"`
	Image       string            `cbor:"image"`
	Volume      *wireVolume       `cbor:"volume,omitempty"`
	Ports       []wirePort        `cbor:"ports,omitempty"`
	Links       []wireLink        `cbor:"links,omitempty"`
	Environment map[string]string `cbor:"environment,omitempty"`
}

type wireVolume struct {
	Name       string `cbor:"name"`
	Mountpoint string `cbor:"mountpoint"`
}

type wirePort struct {
	Internal int `cbor:"internal"`
	External int `cbor:"external"`
}

type wireLink struct {
	LocalPort  int    `cbor:"local_port"`
	RemotePort int    `cbor:"remote_port"`
	Alias      string `cbor:"alias"`
}

// MarshalDeployment serializes a deployment for wire transmission.
func MarshalDeployment(d drover.Deployment) ([]byte, error) {
	env := wireDeployment{Version: SchemaVersion}
	for _, node := range d.Nodes {
		env.Nodes = append(env.Nodes, nodeToWire(node))
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize deployment: %w", err)
	}
	return data, nil
}

// UnmarshalDeployment deserializes a deployment. Malformed bytes, an
// unknown schema version, unknown fields, and invariant violations all
// produce a DeserializationError; no partial result is ever returned.
func UnmarshalDeployment(data []byte) (drover.Deployment, error) {
	var env wireDeployment
	if err := decMode.Unmarshal(data, &env); err != nil {
		return drover.Deployment{}, &DeserializationError{What: "deployment", Err: err}
	}
	if env.Version != SchemaVersion {
		return drover.Deployment{}, &DeserializationError{
			What: "deployment",
			Err:  fmt.Errorf("unsupported schema version %d", env.Version),
		}
	}
	nodes := make([]drover.Node, 0, len(env.Nodes))
	for _, wn := range env.Nodes {
		node, err := nodeFromWire(wn)
		if err != nil {
			return drover.Deployment{}, &DeserializationError{What: "deployment", Err: err}
		}
		nodes = append(nodes, node)
	}
	d, err := drover.NewDeployment(nodes)
	if err != nil {
		return drover.Deployment{}, &DeserializationError{What: "deployment", Err: err}
	}
	return d, nil
}

// MarshalNode serializes a single node's state.
func MarshalNode(n drover.Node) ([]byte, error) {
	data, err := encMode.Marshal(wireNodeEnvelope{Version: SchemaVersion, Node: nodeToWire(n)})
	if err != nil {
		return nil, fmt.Errorf("serialize node: %w", err)
	}
	return data, nil
}

// UnmarshalNode deserializes a single node's state with the same failure
// contract as UnmarshalDeployment.
func UnmarshalNode(data []byte) (drover.Node, error) {
	var env wireNodeEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return drover.Node{}, &DeserializationError{What: "node", Err: err}
	}
	if env.Version != SchemaVersion {
		return drover.Node{}, &DeserializationError{
			What: "node",
			Err:  fmt.Errorf("unsupported schema version %d", env.Version),
		}
	}
	node, err := nodeFromWire(env.Node)
	if err != nil {
		return drover.Node{}, &DeserializationError{What: "node", Err: err}
	}
	return node, nil
}

func nodeToWire(n drover.Node) wireNode {
	wn := wireNode{Hostname: n.Hostname}
	for _, app := range n.Applications {
		wa := wireApplication{
			Name:        app.Name,
			Image:       app.Image.String(),
			Environment: app.Environment,
		}
		if app.Volume != nil {
			wa.Volume = &wireVolume{Name: app.Volume.Name, Mountpoint: app.Volume.Mountpoint}
		}
		for _, p := range app.Ports {
			wa.Ports = append(wa.Ports, wirePort{Internal: p.Internal, External: p.External})
		}
		for _, l := range app.Links {
			wa.Links = append(wa.Links, wireLink{LocalPort: l.LocalPort, RemotePort: l.RemotePort, Alias: l.Alias})
		}
		wn.Applications = append(wn.Applications, wa)
	}
	return wn
}

func nodeFromWire(wn wireNode) (drover.Node, error) {
	apps := make([]drover.Application, 0, len(wn.Applications))
	for _, wa := range wn.Applications {
		image, err := drover.ParseImage(wa.Image)
		if err != nil {
			return drover.Node{}, err
		}
		app := drover.Application{
			Name:        wa.Name,
			Image:       image,
			Environment: wa.Environment,
		}
		if wa.Volume != nil {
			app.Volume = &drover.Volume{Name: wa.Volume.Name, Mountpoint: wa.Volume.Mountpoint}
		}
		for _, p := range wa.Ports {
			app.Ports = append(app.Ports, drover.Port{Internal: p.Internal, External: p.External})
		}
		for _, l := range wa.Links {
			app.Links = append(app.Links, drover.Link{LocalPort: l.LocalPort, RemotePort: l.RemotePort, Alias: l.Alias})
		}
		validated, err := drover.NewApplication(app)
		if err != nil {
			return drover.Node{}, err
		}
		apps = append(apps, validated)
	}
	return drover.NewNode(wn.Hostname, apps)
}
