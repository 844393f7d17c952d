// Package docker implements the deployer's container runtime over the
// Docker Engine API. Managed containers carry a label so convergence
// never touches containers started by other tools.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"drover"

	"drover/internal/deployer"
)

// managedLabel marks containers owned by the agent.
const managedLabel = "io.drover.application"

var _ deployer.ContainerRuntime = (*Runtime)(nil)

// Runtime is the Docker Engine adapter.
type Runtime struct {
	cli *client.Client
}

// NewRuntime creates a Runtime with a Docker client from the
// environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli}
}

func (r *Runtime) List(ctx context.Context) ([]deployer.Container, error) {
	listed, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]deployer.Container, 0, len(listed))
	for _, c := range listed {
		name := c.Labels[managedLabel]
		if name == "" {
			continue
		}
		app, err := r.applicationFromContainer(ctx, name, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, deployer.Container{
			Application: app,
			Running:     c.State == "running",
		})
	}
	return out, nil
}

func (r *Runtime) applicationFromContainer(ctx context.Context, name, id string) (drover.Application, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return drover.Application{}, fmt.Errorf("inspect container %q: %w", name, err)
	}

	img, err := drover.ParseImage(info.Config.Image)
	if err != nil {
		return drover.Application{}, fmt.Errorf("container %q image: %w", name, err)
	}
	app := drover.Application{Name: name, Image: img}

	for portSpec, bindings := range info.HostConfig.PortBindings {
		if len(bindings) == 0 {
			continue
		}
		external, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			continue
		}
		app.Ports = append(app.Ports, drover.Port{
			Internal: portSpec.Int(),
			External: external,
		})
	}

	for _, env := range info.Config.Env {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if app.Environment == nil {
			app.Environment = make(map[string]string)
		}
		app.Environment[key] = value
	}

	for _, m := range info.Mounts {
		if m.Type != mount.TypeVolume {
			continue
		}
		app.Volume = &drover.Volume{Name: m.Name, Mountpoint: m.Destination}
		break
	}
	return app, nil
}

func (r *Runtime) PullImage(ctx context.Context, img drover.Image) error {
	pull, err := r.cli.ImagePull(ctx, img.String(), image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, pull)
	_ = pull.Close()
	return nil
}

func (r *Runtime) Create(ctx context.Context, app drover.Application) error {
	cc := &container.Config{
		Image:  app.Image.String(),
		Labels: map[string]string{managedLabel: app.Name},
	}
	for key, value := range app.Environment {
		cc.Env = append(cc.Env, key+"="+value)
	}
	for _, link := range app.Links {
		// Links surface as environment, the docker-links convention:
		// ALIAS_PORT_<local>_TCP_{ADDR,PORT} pointing at the local
		// proxy port.
		prefix := strings.ToUpper(link.Alias) + "_PORT_" + strconv.Itoa(link.LocalPort) + "_TCP"
		cc.Env = append(cc.Env,
			prefix+"_ADDR=127.0.0.1",
			prefix+"_PORT="+strconv.Itoa(link.LocalPort),
		)
	}

	hc := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}
	if len(app.Ports) > 0 {
		cc.ExposedPorts = make(nat.PortSet, len(app.Ports))
		hc.PortBindings = make(nat.PortMap, len(app.Ports))
		for _, p := range app.Ports {
			port, err := nat.NewPort("tcp", strconv.Itoa(p.Internal))
			if err != nil {
				return fmt.Errorf("port %d for %q: %w", p.Internal, app.Name, err)
			}
			cc.ExposedPorts[port] = struct{}{}
			hc.PortBindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p.External)}}
		}
	}
	if app.Volume != nil {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: app.Volume.Name,
			Target: app.Volume.Mountpoint,
		})
	}

	_, err := r.cli.ContainerCreate(ctx, cc, hc, nil, nil, containerName(app.Name))
	if err != nil {
		return fmt.Errorf("create container %q: %w", app.Name, err)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, name string) error {
	if err := r.cli.ContainerStart(ctx, containerName(name), container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, name string) error {
	err := r.cli.ContainerStop(ctx, containerName(name), container.StopOptions{})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, containerName(name), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

// containerName namespaces managed containers.
func containerName(application string) string {
	return "drover-" + application
}
