package drover

import "testing"

func TestParseImage(t *testing.T) {
	tests := []struct {
		in         string
		repository string
		tag        string
	}{
		{"nginx", "nginx", "latest"},
		{"nginx:latest", "nginx", "latest"},
		{"nginx:1.25", "nginx", "1.25"},
		{"clusterhq/postgres:9.4", "clusterhq/postgres", "9.4"},
		{"registry.example.com:5000/web:v2", "registry.example.com:5000/web", "v2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			img, err := ParseImage(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if img.Repository != tt.repository {
				t.Errorf("repository = %q, want %q", img.Repository, tt.repository)
			}
			if img.Tag != tt.tag {
				t.Errorf("tag = %q, want %q", img.Tag, tt.tag)
			}
		})
	}
}

func TestParseImage_Invalid(t *testing.T) {
	for _, in := range []string{"", "UPPER CASE", "bad image name!"} {
		if _, err := ParseImage(in); err == nil {
			t.Errorf("ParseImage(%q) should fail", in)
		}
	}
}

func TestImageString(t *testing.T) {
	if got := (Image{Repository: "nginx", Tag: "1.25"}).String(); got != "nginx:1.25" {
		t.Errorf("String() = %q", got)
	}
	if got := (Image{Repository: "nginx"}).String(); got != "nginx" {
		t.Errorf("String() without tag = %q", got)
	}
}
