package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"drover"
)

// supportedVersion is the only accepted configuration document version.
const supportedVersion = 1

// ConfigurationError reports invalid input configuration. The message
// names the offending document, application, or node.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

type applicationsDocument struct {
	Version      *int                 `yaml:"version"`
	Applications map[string]yaml.Node `yaml:"applications"`
}

type applicationConfig struct {
	Image       string            `yaml:"image"`
	Ports       []portConfig      `yaml:"ports"`
	Links       []linkConfig      `yaml:"links"`
	Volume      *volumeConfig     `yaml:"volume"`
	Environment map[string]string `yaml:"environment"`
}

type portConfig struct {
	Internal *int `yaml:"internal"`
	External *int `yaml:"external"`
}

type linkConfig struct {
	LocalPort  *int    `yaml:"local_port"`
	RemotePort *int    `yaml:"remote_port"`
	Alias      *string `yaml:"alias"`
}

type volumeConfig struct {
	Mountpoint *string `yaml:"mountpoint"`
}

type deploymentDocument struct {
	Version *int                `yaml:"version"`
	Nodes   map[string][]string `yaml:"nodes"`
}

// ParseApplications parses an application definition document into named
// applications. Compose-style documents are detected and translated.
func ParseApplications(data []byte) (map[string]drover.Application, error) {
	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, configErrorf("Application configuration has an error. Not a mapping: %v.", err)
	}
	if isComposeFormat(probe) {
		return parseComposeApplications(data)
	}

	var doc applicationsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, configErrorf("Application configuration has an error. %v.", err)
	}
	if doc.Applications == nil {
		return nil, configErrorf("Application configuration has an error. Missing 'applications' key.")
	}
	if doc.Version == nil {
		return nil, configErrorf("Application configuration has an error. Missing 'version' key.")
	}
	if *doc.Version != supportedVersion {
		return nil, configErrorf("Application configuration has an error. Incorrect version specified.")
	}

	applications := make(map[string]drover.Application, len(doc.Applications))
	for name, node := range doc.Applications {
		app, err := parseApplication(name, node)
		if err != nil {
			return nil, err
		}
		applications[name] = app
	}
	return applications, nil
}

func parseApplication(name string, node yaml.Node) (drover.Application, error) {
	var cfg applicationConfig
	if err := strictDecode(node, &cfg); err != nil {
		return drover.Application{}, configErrorf("Application '%s' has a config error. %v.", name, err)
	}
	if cfg.Image == "" {
		return drover.Application{}, configErrorf("Application '%s' has a config error. Missing value for 'image'.", name)
	}

	image, err := drover.ParseImage(cfg.Image)
	if err != nil {
		return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid Docker image name. %v.", name, err)
	}

	var ports []drover.Port
	for _, p := range cfg.Ports {
		if p.Internal == nil {
			return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid ports specification. Missing internal port.", name)
		}
		if p.External == nil {
			return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid ports specification. Missing external port.", name)
		}
		ports = append(ports, drover.Port{Internal: *p.Internal, External: *p.External})
	}

	var links []drover.Link
	for _, l := range cfg.Links {
		if l.LocalPort == nil {
			return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid links specification. Missing local port.", name)
		}
		if l.RemotePort == nil {
			return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid links specification. Missing remote port.", name)
		}
		if l.Alias == nil {
			return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid links specification. Missing alias.", name)
		}
		links = append(links, drover.Link{LocalPort: *l.LocalPort, RemotePort: *l.RemotePort, Alias: *l.Alias})
	}

	var volume *drover.Volume
	if cfg.Volume != nil {
		if cfg.Volume.Mountpoint == nil {
			return drover.Application{}, configErrorf("Application '%s' has a config error. Invalid volume specification. Missing mountpoint.", name)
		}
		volume = &drover.Volume{Name: name, Mountpoint: *cfg.Volume.Mountpoint}
	}

	app, err := drover.NewApplication(drover.Application{
		Name:        name,
		Image:       image,
		Volume:      volume,
		Ports:       ports,
		Links:       links,
		Environment: cfg.Environment,
	})
	if err != nil {
		return drover.Application{}, configErrorf("Application '%s' has a config error. %v.", name, err)
	}
	return app, nil
}

// ParseDeployment parses a deployment document against a set of defined
// applications, producing the desired cluster configuration.
func ParseDeployment(data []byte, applications map[string]drover.Application) (drover.Deployment, error) {
	var doc deploymentDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return drover.Deployment{}, configErrorf("Deployment configuration has an error. %v.", err)
	}
	if doc.Nodes == nil {
		return drover.Deployment{}, configErrorf("Deployment configuration has an error. Missing 'nodes' key.")
	}
	if doc.Version == nil {
		return drover.Deployment{}, configErrorf("Deployment configuration has an error. Missing 'version' key.")
	}
	if *doc.Version != supportedVersion {
		return drover.Deployment{}, configErrorf("Deployment configuration has an error. Incorrect version specified.")
	}

	// Deterministic traversal keeps error messages stable across runs.
	hostnames := make([]string, 0, len(doc.Nodes))
	for hostname := range doc.Nodes {
		hostnames = append(hostnames, hostname)
	}
	sort.Strings(hostnames)

	nodes := make([]drover.Node, 0, len(hostnames))
	for _, hostname := range hostnames {
		var apps []drover.Application
		for _, appName := range doc.Nodes[hostname] {
			app, defined := applications[appName]
			if !defined {
				return drover.Deployment{}, configErrorf("Node %s has a config error. Unrecognised application name: %s.", hostname, appName)
			}
			apps = append(apps, app)
		}
		node, err := drover.NewNode(hostname, apps)
		if err != nil {
			return drover.Deployment{}, configErrorf("Node %s has a config error. %v.", hostname, err)
		}
		nodes = append(nodes, node)
	}

	deployment, err := drover.NewDeployment(nodes)
	if err != nil {
		return drover.Deployment{}, configErrorf("Deployment configuration has an error. %v.", err)
	}
	return deployment, nil
}

// ModelFromConfiguration combines the two documents into the desired
// deployment.
func ModelFromConfiguration(applicationData, deploymentData []byte) (drover.Deployment, error) {
	applications, err := ParseApplications(applicationData)
	if err != nil {
		return drover.Deployment{}, err
	}
	return ParseDeployment(deploymentData, applications)
}

// strictDecode decodes a YAML node rejecting unknown keys, so a typo in
// an application stanza fails loudly instead of being dropped.
func strictDecode(node yaml.Node, out any) error {
	raw, err := yaml.Marshal(&node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	return dec.Decode(out)
}
