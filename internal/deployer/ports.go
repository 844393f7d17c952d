package deployer

import (
	"context"

	"drover"
)

// Container is one managed container as the runtime sees it.
type Container struct {
	Application drover.Application
	Running     bool
}

// ContainerRuntime is the container engine surface the deployer needs.
// List returns only containers the deployer manages; containers started
// by other tools are invisible to convergence.
type ContainerRuntime interface {
	List(ctx context.Context) ([]Container, error)
	PullImage(ctx context.Context, image drover.Image) error
	Create(ctx context.Context, app drover.Application) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Records persists full application definitions keyed by name. The
// runtime cannot report links or volume assignments faithfully, so
// discovery merges its view with these records.
type Records interface {
	SaveApplication(app drover.Application) error
	DeleteApplication(name string) error
	ListApplications() ([]drover.Application, error)
}
