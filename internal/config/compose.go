package config

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"drover"
)

// isComposeFormat detects compose-style application documents: either a
// top-level "services" mapping, or the legacy layout where every
// top-level entry is a service stanza carrying an image or build key.
func isComposeFormat(probe map[string]yaml.Node) bool {
	if len(probe) == 0 {
		return false
	}
	if _, native := probe["applications"]; native {
		return false
	}
	if _, ok := probe["services"]; ok {
		return true
	}
	found := false
	for name, node := range probe {
		if name == "version" {
			continue
		}
		if node.Kind != yaml.MappingNode {
			return false
		}
		var stanza map[string]yaml.Node
		if err := node.Decode(&stanza); err != nil {
			return false
		}
		_, hasImage := stanza["image"]
		_, hasBuild := stanza["build"]
		if !hasImage && !hasBuild {
			return false
		}
		found = true
	}
	return found
}

// parseComposeApplications translates a compose-style document into the
// application model, using the compose-go loader for the heavy lifting.
func parseComposeApplications(data []byte) (map[string]drover.Application, error) {
	normalized, err := normalizeComposeDocument(data)
	if err != nil {
		return nil, err
	}

	project, err := loader.LoadWithContext(context.Background(), compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{{Filename: "applications.yml", Content: normalized}},
	})
	if err != nil {
		return nil, configErrorf("Application configuration has an error. %v.", err)
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	applications := make(map[string]drover.Application, len(names))
	links := make(map[string][]string, len(names))
	for _, name := range names {
		svc := project.Services[name]
		app, serviceLinks, err := applicationFromService(name, svc)
		if err != nil {
			return nil, err
		}
		applications[name] = app
		links[name] = serviceLinks
	}

	return resolveComposeLinks(applications, links)
}

// normalizeComposeDocument wraps a legacy top-level service mapping in a
// modern "services" document so one loader handles both layouts.
func normalizeComposeDocument(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErrorf("Application configuration has an error. %v.", err)
	}
	if _, ok := doc["services"]; ok {
		return data, nil
	}
	delete(doc, "version")
	normalized, err := yaml.Marshal(map[string]any{"services": doc})
	if err != nil {
		return nil, configErrorf("Application configuration has an error. %v.", err)
	}
	return normalized, nil
}

func applicationFromService(name string, svc compose.ServiceConfig) (drover.Application, []string, error) {
	if svc.Build != nil {
		return drover.Application{}, nil, configErrorf("Application '%s' has a config error. 'build' is not supported yet; please specify 'image'.", name)
	}
	if svc.Image == "" {
		return drover.Application{}, nil, configErrorf("Application '%s' has a config error. Application configuration must contain an 'image' key.", name)
	}
	image, err := drover.ParseImage(svc.Image)
	if err != nil {
		return drover.Application{}, nil, configErrorf("Application '%s' has a config error. Invalid Docker image name. %v.", name, err)
	}

	var ports []drover.Port
	for _, p := range svc.Ports {
		external, err := strconv.Atoi(strings.TrimSpace(p.Published))
		if err != nil {
			return drover.Application{}, nil, configErrorf("Application '%s' has a config error. 'ports' must be a list of 'host_port:container_port' values.", name)
		}
		ports = append(ports, drover.Port{Internal: int(p.Target), External: external})
	}

	var volume *drover.Volume
	if len(svc.Volumes) > 1 {
		return drover.Application{}, nil, configErrorf("Application '%s' has a config error. Only one volume per application is supported at this time.", name)
	}
	if len(svc.Volumes) == 1 {
		volume = &drover.Volume{Name: name, Mountpoint: svc.Volumes[0].Target}
	}

	environment := make(map[string]string, len(svc.Environment))
	for key, value := range svc.Environment {
		if value != nil {
			environment[key] = *value
		} else {
			environment[key] = ""
		}
	}
	if len(environment) == 0 {
		environment = nil
	}

	app, err := drover.NewApplication(drover.Application{
		Name:        name,
		Image:       image,
		Volume:      volume,
		Ports:       ports,
		Environment: environment,
	})
	if err != nil {
		return drover.Application{}, nil, configErrorf("Application '%s' has a config error. %v.", name, err)
	}
	return app, svc.Links, nil
}

// resolveComposeLinks turns "target[:alias]" link declarations into port
// links against the target application's first port mapping.
func resolveComposeLinks(applications map[string]drover.Application, declared map[string][]string) (map[string]drover.Application, error) {
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var links []drover.Link
		for _, raw := range declared[name] {
			target, alias, found := strings.Cut(raw, ":")
			if !found {
				alias = target
			}
			targetApp, defined := applications[target]
			if !defined {
				return nil, configErrorf("Application '%s' has a config error. 'links' value '%s' could not be mapped to any application; application '%s' does not exist.", name, raw, target)
			}
			if len(targetApp.Ports) == 0 {
				return nil, configErrorf("Application '%s' has a config error. Linked application '%s' exposes no ports.", name, target)
			}
			links = append(links, drover.Link{
				LocalPort:  targetApp.Ports[0].Internal,
				RemotePort: targetApp.Ports[0].External,
				Alias:      alias,
			})
		}
		if links == nil {
			continue
		}
		app := applications[name]
		app.Links = links
		validated, err := drover.NewApplication(app)
		if err != nil {
			return nil, configErrorf("Application '%s' has a config error. %v.", name, err)
		}
		applications[name] = validated
	}
	return applications, nil
}
