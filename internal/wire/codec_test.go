package wire

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"drover"
)

func mustImage(t *testing.T, s string) drover.Image {
	t.Helper()
	img, err := drover.ParseImage(s)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func sampleDeployment(t *testing.T) drover.Deployment {
	t.Helper()
	web, err := drover.NewApplication(drover.Application{
		Name:  "web",
		Image: mustImage(t, "nginx:latest"),
		Ports: []drover.Port{{Internal: 80, External: 8080}},
		Links: []drover.Link{{LocalPort: 5432, RemotePort: 5432, Alias: "db"}},
		Environment: map[string]string{
			"WEB_ROOT": "/srv/www",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	db, err := drover.NewApplication(drover.Application{
		Name:   "db",
		Image:  mustImage(t, "postgres:16"),
		Volume: &drover.Volume{Name: "db", Mountpoint: "/var/lib/postgresql/data"},
	})
	if err != nil {
		t.Fatal(err)
	}
	n1, err := drover.NewNode("host1", []drover.Application{web, db})
	if err != nil {
		t.Fatal(err)
	}
	n2, err := drover.NewNode("host2", nil)
	if err != nil {
		t.Fatal(err)
	}
	d, err := drover.NewDeployment([]drover.Node{n1, n2})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDeploymentRoundTrip(t *testing.T) {
	want := sampleDeployment(t)

	data, err := MarshalDeployment(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalDeployment(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("round-trip changed deployment:\n got %+v\nwant %+v", got, want)
	}
}

func TestDeploymentRoundTrip_Empty(t *testing.T) {
	data, err := MarshalDeployment(drover.Deployment{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalDeployment(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(drover.Deployment{}) {
		t.Errorf("empty deployment round-trip = %+v", got)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	want := sampleDeployment(t).Nodes[0]

	data, err := MarshalNode(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalNode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("round-trip changed node:\n got %+v\nwant %+v", got, want)
	}
}

func TestUnmarshalDeployment_Malformed(t *testing.T) {
	var deserErr *DeserializationError
	if _, err := UnmarshalDeployment([]byte("not cbor at all")); !errors.As(err, &deserErr) {
		t.Errorf("malformed bytes: got %v, want DeserializationError", err)
	}
}

func TestUnmarshalDeployment_UnknownField(t *testing.T) {
	payload, err := encMode.Marshal(map[string]any{
		"v":          SchemaVersion,
		"nodes":      []any{},
		"surprising": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	var deserErr *DeserializationError
	if _, err := UnmarshalDeployment(payload); !errors.As(err, &deserErr) {
		t.Errorf("unknown field: got %v, want DeserializationError", err)
	}
}

func TestUnmarshalDeployment_WrongSchemaVersion(t *testing.T) {
	payload, err := encMode.Marshal(wireDeployment{Version: SchemaVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	var deserErr *DeserializationError
	if _, err := UnmarshalDeployment(payload); !errors.As(err, &deserErr) {
		t.Errorf("wrong schema version: got %v, want DeserializationError", err)
	}
}

func TestUnmarshalNode_InvariantViolation(t *testing.T) {
	// Two applications with the same name violate the node invariant;
	// deserialization must fail rather than partially populate.
	wn := wireNodeEnvelope{
		Version: SchemaVersion,
		Node: wireNode{
			Hostname: "host1",
			Applications: []wireApplication{
				{Name: "web", Image: "nginx:latest"},
				{Name: "web", Image: "nginx:1.25"},
			},
		},
	}
	payload, err := encMode.Marshal(wn)
	if err != nil {
		t.Fatal(err)
	}
	var deserErr *DeserializationError
	if _, err := UnmarshalNode(payload); !errors.As(err, &deserErr) {
		t.Errorf("duplicate applications: got %v, want DeserializationError", err)
	}
}

func TestMarshalDeployment_Deterministic(t *testing.T) {
	d := sampleDeployment(t)
	a, err := MarshalDeployment(d)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalDeployment(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("same deployment should encode to identical bytes")
	}
}

func TestClusterStatusArgsRoundTrip(t *testing.T) {
	config := sampleDeployment(t)
	state := drover.Deployment{}

	args, err := NewClusterStatusArgs(config, state)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the wire: encode the args struct as box fields and back.
	raw, err := encodeFields(args)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ClusterStatusArgs
	if err := decodeFields(cbor.RawMessage(raw), &decoded); err != nil {
		t.Fatal(err)
	}

	gotConfig, gotState, err := decoded.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !gotConfig.Equal(config) {
		t.Error("configuration changed in transit")
	}
	if !gotState.Equal(state) {
		t.Error("state changed in transit")
	}
}

func TestNodeStateArgsRoundTrip(t *testing.T) {
	node := sampleDeployment(t).Nodes[0]

	args, err := NewNodeStateArgs("host1", node)
	if err != nil {
		t.Fatal(err)
	}
	if args.Hostname != "host1" {
		t.Errorf("hostname = %q", args.Hostname)
	}
	got, err := args.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(node) {
		t.Error("node state changed in transit")
	}
}
