package drover

import (
	"fmt"

	"github.com/distribution/reference"
)

// Image is a parsed container image reference: repository plus tag.
type Image struct {
	Repository string
	Tag        string
}

// ParseImage parses an image reference such as "nginx" or
// "registry.example.com/web:1.2". A missing tag defaults to "latest".
// The repository keeps its familiar form ("nginx", not
// "docker.io/library/nginx").
func ParseImage(s string) (Image, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Image{}, fmt.Errorf("invalid image name %q: %w", s, err)
	}
	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	return Image{Repository: reference.FamiliarName(named), Tag: tag}, nil
}

// String renders the image in repository:tag form.
func (i Image) String() string {
	if i.Tag == "" {
		return i.Repository
	}
	return i.Repository + ":" + i.Tag
}
