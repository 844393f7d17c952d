package sqlite

import (
	"path/filepath"
	"testing"

	"drover"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "applications.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveListDelete(t *testing.T) {
	store := openStore(t)

	web := drover.Application{
		Name:  "web",
		Image: drover.Image{Repository: "nginx", Tag: "1.27"},
		Ports: []drover.Port{{Internal: 80, External: 8080}},
		Links: []drover.Link{{LocalPort: 5432, RemotePort: 5432, Alias: "db"}},
		Volume: &drover.Volume{
			Name:       "web-data",
			Mountpoint: "/var/lib/web",
		},
		Environment: map[string]string{"MODE": "production"},
	}
	if err := store.SaveApplication(web); err != nil {
		t.Fatalf("SaveApplication: %v", err)
	}

	apps, err := store.ListApplications()
	if err != nil {
		t.Fatalf("ListApplications: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("got %d applications, want 1", len(apps))
	}
	if !apps[0].Equal(web) {
		t.Fatalf("round-trip mismatch: %+v", apps[0])
	}

	if err := store.DeleteApplication("web"); err != nil {
		t.Fatalf("DeleteApplication: %v", err)
	}
	apps, err = store.ListApplications()
	if err != nil {
		t.Fatalf("ListApplications: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("delete left %d applications", len(apps))
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	store := openStore(t)

	app := drover.Application{Name: "web", Image: drover.Image{Repository: "nginx", Tag: "1.26"}}
	if err := store.SaveApplication(app); err != nil {
		t.Fatalf("SaveApplication: %v", err)
	}
	app.Image.Tag = "1.27"
	if err := store.SaveApplication(app); err != nil {
		t.Fatalf("SaveApplication update: %v", err)
	}

	apps, err := store.ListApplications()
	if err != nil {
		t.Fatalf("ListApplications: %v", err)
	}
	if len(apps) != 1 || apps[0].Image.Tag != "1.27" {
		t.Fatalf("update not applied: %+v", apps)
	}
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	store := openStore(t)
	if err := store.DeleteApplication("ghost"); err != nil {
		t.Fatalf("DeleteApplication: %v", err)
	}
}
