package deployer

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"drover"
)

// --- fakes ---

type fakeRuntime struct {
	containers map[string]*Container
	pulled     []string
	failPull   map[string]error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*Container),
		failPull:   make(map[string]error),
	}
}

func (r *fakeRuntime) List(ctx context.Context) ([]Container, error) {
	names := make([]string, 0, len(r.containers))
	for name := range r.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Container, 0, len(names))
	for _, name := range names {
		out = append(out, *r.containers[name])
	}
	return out, nil
}

func (r *fakeRuntime) PullImage(ctx context.Context, image drover.Image) error {
	if err := r.failPull[image.Repository]; err != nil {
		return err
	}
	r.pulled = append(r.pulled, image.String())
	return nil
}

func (r *fakeRuntime) Create(ctx context.Context, app drover.Application) error {
	if _, exists := r.containers[app.Name]; exists {
		return fmt.Errorf("container %q already exists", app.Name)
	}
	r.containers[app.Name] = &Container{Application: app}
	return nil
}

func (r *fakeRuntime) Start(ctx context.Context, name string) error {
	c, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("no container %q", name)
	}
	c.Running = true
	return nil
}

func (r *fakeRuntime) Stop(ctx context.Context, name string) error {
	if c, ok := r.containers[name]; ok {
		c.Running = false
	}
	return nil
}

func (r *fakeRuntime) Remove(ctx context.Context, name string) error {
	delete(r.containers, name)
	return nil
}

type memoryRecords struct {
	apps map[string]drover.Application
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{apps: make(map[string]drover.Application)}
}

func (m *memoryRecords) SaveApplication(app drover.Application) error {
	m.apps[app.Name] = app
	return nil
}

func (m *memoryRecords) DeleteApplication(name string) error {
	delete(m.apps, name)
	return nil
}

func (m *memoryRecords) ListApplications() ([]drover.Application, error) {
	out := make([]drover.Application, 0, len(m.apps))
	for _, app := range m.apps {
		out = append(out, app)
	}
	return out, nil
}

func app(name, repository string) drover.Application {
	return drover.Application{
		Name:  name,
		Image: drover.Image{Repository: repository, Tag: "latest"},
	}
}

// --- tests ---

func TestConvergeCreatesMissingApplications(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	desired := []drover.Application{app("web", "nginx"), app("db", "postgres")}
	if err := d.Converge(context.Background(), desired); err != nil {
		t.Fatalf("Converge: %v", err)
	}

	for _, want := range desired {
		c, ok := runtime.containers[want.Name]
		if !ok {
			t.Fatalf("container %q not created", want.Name)
		}
		if !c.Running {
			t.Fatalf("container %q not started", want.Name)
		}
		if _, recorded := records.apps[want.Name]; !recorded {
			t.Fatalf("application %q not recorded", want.Name)
		}
	}
	if len(runtime.pulled) != 2 {
		t.Fatalf("pulled %v, want both images", runtime.pulled)
	}
}

func TestConvergeRemovesUnwantedApplications(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	if err := d.Converge(context.Background(), []drover.Application{app("web", "nginx")}); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if err := d.Converge(context.Background(), nil); err != nil {
		t.Fatalf("Converge to empty: %v", err)
	}

	if len(runtime.containers) != 0 {
		t.Fatalf("containers remain: %v", runtime.containers)
	}
	if len(records.apps) != 0 {
		t.Fatalf("records remain: %v", records.apps)
	}
}

func TestConvergeReplacesChangedApplication(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	if err := d.Converge(context.Background(), []drover.Application{app("web", "nginx")}); err != nil {
		t.Fatalf("Converge: %v", err)
	}

	changed := app("web", "nginx")
	changed.Ports = []drover.Port{{Internal: 80, External: 8080}}
	if err := d.Converge(context.Background(), []drover.Application{changed}); err != nil {
		t.Fatalf("Converge changed: %v", err)
	}

	c := runtime.containers["web"]
	if c == nil || !c.Running {
		t.Fatal("replacement container not running")
	}
	if len(c.Application.Ports) != 1 {
		t.Fatalf("replacement lost port mapping: %+v", c.Application)
	}
}

func TestConvergeIsIdempotent(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	desired := []drover.Application{app("web", "nginx")}
	if err := d.Converge(context.Background(), desired); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	pulls := len(runtime.pulled)

	if err := d.Converge(context.Background(), desired); err != nil {
		t.Fatalf("second Converge: %v", err)
	}
	if len(runtime.pulled) != pulls {
		t.Fatal("idempotent converge pulled again")
	}
}

func TestConvergeRestartsStoppedUnchangedContainer(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	desired := []drover.Application{app("web", "nginx")}
	if err := d.Converge(context.Background(), desired); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	runtime.containers["web"].Running = false
	pulls := len(runtime.pulled)

	if err := d.Converge(context.Background(), desired); err != nil {
		t.Fatalf("Converge after stop: %v", err)
	}
	if !runtime.containers["web"].Running {
		t.Fatal("stopped container not restarted")
	}
	if len(runtime.pulled) != pulls {
		t.Fatal("restart should not recreate the container")
	}
}

func TestConvergeContinuesPastFailures(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.failPull["nginx"] = fmt.Errorf("registry unreachable")
	records := newMemoryRecords()
	d := New(runtime, records)

	desired := []drover.Application{app("web", "nginx"), app("db", "postgres")}
	err := d.Converge(context.Background(), desired)
	if err == nil {
		t.Fatal("expected an error from the failed pull")
	}

	if c := runtime.containers["db"]; c == nil || !c.Running {
		t.Fatal("unaffected application should still have converged")
	}
	if _, exists := runtime.containers["web"]; exists {
		t.Fatal("failed application should not have a container")
	}
}

func TestDiscoverPrefersRecordedDefinition(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	full := app("web", "nginx")
	full.Links = []drover.Link{{LocalPort: 5432, RemotePort: 5432, Alias: "db"}}
	if err := d.Converge(context.Background(), []drover.Application{full}); err != nil {
		t.Fatalf("Converge: %v", err)
	}

	// The runtime forgets links; discovery recovers them from records.
	runtime.containers["web"].Application.Links = nil

	running, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(running) != 1 || len(running[0].Links) != 1 {
		t.Fatalf("discovered state lost links: %+v", running)
	}
}

func TestDiscoverSkipsStoppedContainers(t *testing.T) {
	runtime := newFakeRuntime()
	records := newMemoryRecords()
	d := New(runtime, records)

	if err := d.Converge(context.Background(), []drover.Application{app("web", "nginx")}); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	runtime.containers["web"].Running = false

	running, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("stopped container reported as running: %+v", running)
	}
}
