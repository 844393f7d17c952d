package config

import (
	"errors"
	"strings"
	"testing"

	"drover"
)

func TestParseApplications_ComposeServices(t *testing.T) {
	doc := `
services:
  web:
    image: "nginx:latest"
    ports:
      - "8080:80"
    environment:
      WEB_ROOT: /srv/www
    links:
      - "db:database"
  db:
    image: postgres:16
    ports:
      - "5432:5432"
    volumes:
      - /var/lib/postgresql/data
`
	apps, err := ParseApplications([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	web := apps["web"]
	if web.Image.Repository != "nginx" || web.Image.Tag != "latest" {
		t.Errorf("web image = %+v", web.Image)
	}
	if len(web.Ports) != 1 || web.Ports[0] != (drover.Port{Internal: 80, External: 8080}) {
		t.Errorf("web ports = %+v", web.Ports)
	}
	if web.Environment["WEB_ROOT"] != "/srv/www" {
		t.Errorf("web environment = %+v", web.Environment)
	}
	if len(web.Links) != 1 {
		t.Fatalf("web links = %+v", web.Links)
	}
	link := web.Links[0]
	if link.Alias != "database" || link.LocalPort != 5432 || link.RemotePort != 5432 {
		t.Errorf("web link = %+v", link)
	}

	db := apps["db"]
	if db.Volume == nil || db.Volume.Mountpoint != "/var/lib/postgresql/data" {
		t.Errorf("db volume = %+v", db.Volume)
	}
}

func TestParseApplications_LegacyComposeLayout(t *testing.T) {
	// Service stanzas at the top level, no "services" wrapper.
	doc := `
web:
  image: nginx
  ports:
    - "8080:80"
`
	apps, err := ParseApplications([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := apps["web"]; !ok {
		t.Fatalf("apps = %v", apps)
	}
}

func TestParseApplications_ComposeBuildRejected(t *testing.T) {
	doc := `
services:
  web:
    build: .
`
	_, err := ParseApplications([]byte(doc))
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
	if !strings.Contains(configErr.Message, "'build' is not supported") {
		t.Errorf("error = %q", configErr.Message)
	}
}

func TestParseApplications_ComposeUnknownLinkTarget(t *testing.T) {
	doc := `
services:
  web:
    image: nginx
    ports:
      - "8080:80"
    links:
      - missing
`
	_, err := ParseApplications([]byte(doc))
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("got %v, want ConfigurationError", err)
	}
	if !strings.Contains(configErr.Message, "could not be mapped to any application") {
		t.Errorf("error = %q", configErr.Message)
	}
}

func TestIsComposeFormatDetection(t *testing.T) {
	native := []byte("version: 1\napplications:\n  web:\n    image: nginx\n")
	if _, err := ParseApplications(native); err != nil {
		t.Errorf("native format misdetected: %v", err)
	}
}
