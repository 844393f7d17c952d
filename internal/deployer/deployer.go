package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"drover"

	"drover/internal/logging"
)

// Deployer converges a node's containers toward a desired application
// set. Changed applications are replaced, not patched: container
// configuration is immutable once created.
type Deployer struct {
	runtime ContainerRuntime
	records Records
	log     *slog.Logger
}

// New creates a deployer over a runtime and a record store.
func New(runtime ContainerRuntime, records Records) *Deployer {
	return &Deployer{
		runtime: runtime,
		records: records,
		log:     logging.Component("deployer"),
	}
}

// Discover returns the applications currently running on this node.
func (d *Deployer) Discover(ctx context.Context) ([]drover.Application, error) {
	containers, err := d.currentContainers(ctx)
	if err != nil {
		return nil, err
	}
	var running []drover.Application
	for _, c := range containers {
		if c.Running {
			running = append(running, c.Application)
		}
	}
	return running, nil
}

// currentContainers lists the managed containers with recorded
// definitions substituted for the runtime's view. The record carries
// the links and volume details the runtime cannot report, so both
// discovery and planning work from it.
func (d *Deployer) currentContainers(ctx context.Context) ([]Container, error) {
	containers, err := d.runtime.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	recorded, err := d.records.ListApplications()
	if err != nil {
		return nil, fmt.Errorf("list application records: %w", err)
	}
	byName := make(map[string]drover.Application, len(recorded))
	for _, app := range recorded {
		byName[app.Name] = app
	}
	for i, c := range containers {
		if record, ok := byName[c.Application.Name]; ok && record.Image == c.Application.Image {
			containers[i].Application = record
		}
	}
	return containers, nil
}

// Converge plans and executes the changes that take the node from its
// current containers to the desired set. Execution continues past
// per-application failures so one broken image cannot block the rest;
// the joined error reports everything that went wrong.
func (d *Deployer) Converge(ctx context.Context, desired []drover.Application) error {
	containers, err := d.currentContainers(ctx)
	if err != nil {
		return err
	}

	plan := planChanges(containers, desired)
	if len(plan.remove) == 0 && len(plan.create) == 0 && len(plan.start) == 0 {
		return nil
	}
	d.log.Info("converging",
		"remove", len(plan.remove), "create", len(plan.create), "start", len(plan.start))

	var errs []error
	for _, name := range plan.remove {
		if err := d.removeApplication(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, app := range plan.create {
		if err := d.createApplication(ctx, app); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range plan.start {
		if err := d.runtime.Start(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("start %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the record store.
func (d *Deployer) Close() error {
	type closer interface{ Close() error }
	if c, ok := d.records.(closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Deployer) removeApplication(ctx context.Context, name string) error {
	if err := d.runtime.Stop(ctx, name); err != nil {
		return fmt.Errorf("stop %q: %w", name, err)
	}
	if err := d.runtime.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	if err := d.records.DeleteApplication(name); err != nil {
		return fmt.Errorf("delete record %q: %w", name, err)
	}
	return nil
}

func (d *Deployer) createApplication(ctx context.Context, app drover.Application) error {
	if err := d.runtime.PullImage(ctx, app.Image); err != nil {
		return fmt.Errorf("pull image for %q: %w", app.Name, err)
	}
	if err := d.runtime.Create(ctx, app); err != nil {
		return fmt.Errorf("create %q: %w", app.Name, err)
	}
	if err := d.records.SaveApplication(app); err != nil {
		return fmt.Errorf("save record %q: %w", app.Name, err)
	}
	if err := d.runtime.Start(ctx, app.Name); err != nil {
		return fmt.Errorf("start %q: %w", app.Name, err)
	}
	return nil
}

type changePlan struct {
	remove []string
	create []drover.Application
	start  []string
}

// planChanges diffs current containers against the desired set. An
// application whose definition changed lands in both remove and create.
// A stopped container with an unchanged definition just gets started.
func planChanges(current []Container, desired []drover.Application) changePlan {
	currentByName := make(map[string]Container, len(current))
	for _, c := range current {
		currentByName[c.Application.Name] = c
	}
	desiredByName := make(map[string]drover.Application, len(desired))
	for _, app := range desired {
		desiredByName[app.Name] = app
	}

	var plan changePlan
	for _, c := range current {
		want, keep := desiredByName[c.Application.Name]
		if keep && want.Equal(c.Application) {
			if !c.Running {
				plan.start = append(plan.start, c.Application.Name)
			}
			continue
		}
		plan.remove = append(plan.remove, c.Application.Name)
	}
	for _, app := range desired {
		existing, present := currentByName[app.Name]
		if present && app.Equal(existing.Application) {
			continue
		}
		plan.create = append(plan.create, app)
	}
	return plan
}
