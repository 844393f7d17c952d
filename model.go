// Package drover defines the cluster deployment model shared by the
// control service, the convergence agents, and the configuration loader.
package drover

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
)

// Port maps a port inside an application's container to a port exposed on
// the node that runs it.
type Port struct {
	Internal int
	External int
}

// Link routes traffic from a local port to another application's exposed
// port, visible to the application under the given alias.
type Link struct {
	LocalPort  int
	RemotePort int
	Alias      string
}

// Volume is storage attached to an application: a volume name and the
// mountpoint inside the container.
type Volume struct {
	Name       string
	Mountpoint string
}

// Application is one deployable unit: a named container image plus its
// ports, links, optional volume, and environment.
type Application struct {
	Name        string
	Image       Image
	Volume      *Volume
	Ports       []Port
	Links       []Link
	Environment map[string]string
}

// Node is a host in the cluster and the set of applications on it.
// Depending on context the set is either desired (configuration) or
// observed (state).
type Node struct {
	Hostname     string
	Applications []Application
}

// Deployment is a complete snapshot of the cluster: every node and its
// applications. It is a value; compare with Equal.
type Deployment struct {
	Nodes []Node
}

// NewApplication validates and canonicalizes an application. Ports and
// links must carry positive port numbers, a volume mountpoint must be an
// absolute path, and environment keys must be non-empty.
func NewApplication(app Application) (Application, error) {
	if app.Name == "" {
		return Application{}, fmt.Errorf("application has no name")
	}
	if app.Image.Repository == "" {
		return Application{}, fmt.Errorf("application %q has no image", app.Name)
	}
	for _, p := range app.Ports {
		if p.Internal <= 0 || p.External <= 0 {
			return Application{}, fmt.Errorf("application %q has invalid port mapping %d:%d", app.Name, p.External, p.Internal)
		}
	}
	for _, l := range app.Links {
		if l.LocalPort <= 0 || l.RemotePort <= 0 {
			return Application{}, fmt.Errorf("application %q has invalid link ports %d:%d", app.Name, l.LocalPort, l.RemotePort)
		}
		if l.Alias == "" {
			return Application{}, fmt.Errorf("application %q has a link without an alias", app.Name)
		}
	}
	if app.Volume != nil {
		if !filepath.IsAbs(app.Volume.Mountpoint) {
			return Application{}, fmt.Errorf("application %q volume mountpoint %q is not an absolute path", app.Name, app.Volume.Mountpoint)
		}
	}
	for key := range app.Environment {
		if key == "" {
			return Application{}, fmt.Errorf("application %q has an empty environment variable name", app.Name)
		}
	}
	return canonicalApplication(app), nil
}

// NewNode builds a node, rejecting duplicate application names and an
// empty hostname.
func NewNode(hostname string, applications []Application) (Node, error) {
	if hostname == "" {
		return Node{}, fmt.Errorf("node has no hostname")
	}
	seen := make(map[string]struct{}, len(applications))
	for _, app := range applications {
		if _, dup := seen[app.Name]; dup {
			return Node{}, fmt.Errorf("node %q has duplicate application %q", hostname, app.Name)
		}
		seen[app.Name] = struct{}{}
	}
	return canonicalNode(Node{Hostname: hostname, Applications: applications}), nil
}

// NewDeployment builds a deployment, rejecting duplicate hostnames.
func NewDeployment(nodes []Node) (Deployment, error) {
	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if _, dup := seen[node.Hostname]; dup {
			return Deployment{}, fmt.Errorf("deployment has duplicate node %q", node.Hostname)
		}
		seen[node.Hostname] = struct{}{}
	}
	return canonicalDeployment(Deployment{Nodes: nodes}), nil
}

// Node returns the node with the given hostname, if present.
func (d Deployment) Node(hostname string) (Node, bool) {
	for _, node := range d.Nodes {
		if node.Hostname == hostname {
			return node, true
		}
	}
	return Node{}, false
}

// Equal reports whether two deployments describe the same cluster,
// ignoring ordering of nodes, applications, ports, and links.
func (d Deployment) Equal(other Deployment) bool {
	return reflect.DeepEqual(canonicalDeployment(d), canonicalDeployment(other))
}

// Equal reports whether two nodes carry the same hostname and
// applications, ignoring ordering.
func (n Node) Equal(other Node) bool {
	return reflect.DeepEqual(canonicalNode(n), canonicalNode(other))
}

// Equal reports whether two applications are functionally identical,
// ignoring ordering of ports and links.
func (a Application) Equal(other Application) bool {
	return reflect.DeepEqual(canonicalApplication(a), canonicalApplication(other))
}

func canonicalDeployment(d Deployment) Deployment {
	if len(d.Nodes) == 0 {
		return Deployment{}
	}
	nodes := make([]Node, len(d.Nodes))
	for i, node := range d.Nodes {
		nodes[i] = canonicalNode(node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hostname < nodes[j].Hostname })
	return Deployment{Nodes: nodes}
}

func canonicalNode(n Node) Node {
	out := Node{Hostname: n.Hostname}
	if len(n.Applications) == 0 {
		return out
	}
	out.Applications = make([]Application, len(n.Applications))
	for i, app := range n.Applications {
		out.Applications[i] = canonicalApplication(app)
	}
	sort.Slice(out.Applications, func(i, j int) bool {
		return out.Applications[i].Name < out.Applications[j].Name
	})
	return out
}

func canonicalApplication(a Application) Application {
	out := Application{Name: a.Name, Image: a.Image}
	if a.Volume != nil {
		volume := *a.Volume
		out.Volume = &volume
	}
	if len(a.Ports) > 0 {
		out.Ports = append([]Port(nil), a.Ports...)
		sort.Slice(out.Ports, func(i, j int) bool {
			if out.Ports[i].Internal != out.Ports[j].Internal {
				return out.Ports[i].Internal < out.Ports[j].Internal
			}
			return out.Ports[i].External < out.Ports[j].External
		})
	}
	if len(a.Links) > 0 {
		out.Links = append([]Link(nil), a.Links...)
		sort.Slice(out.Links, func(i, j int) bool {
			if out.Links[i].Alias != out.Links[j].Alias {
				return out.Links[i].Alias < out.Links[j].Alias
			}
			return out.Links[i].LocalPort < out.Links[j].LocalPort
		})
	}
	if len(a.Environment) > 0 {
		out.Environment = make(map[string]string, len(a.Environment))
		for k, v := range a.Environment {
			out.Environment[k] = v
		}
	}
	return out
}
