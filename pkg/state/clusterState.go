package state

import (
	"github.com/vsk8s/proxystate/pkg/command"
)

// Ingress contains the routing rules contributed by one Kubernetes ingress
type Ingress struct {
	Name   string
	Fronts []command.HTTPFront
}

// Backend is one ingress controller pod
type Backend struct {
	Name     string
	Instance command.Instance
}

// ClusterState is the routing a cluster contributes to a listener: every front
// points at the cluster's ingress controllers, listed as instances
type ClusterState struct {
	// Cluster name, also used as app id
	Name string
	// Listener the routing is folded into
	Listener string
	Fronts    []command.HTTPFront
	Instances []command.Instance
}

// IngressChange represents an ingress change event
type IngressChange struct {
	Ingress Ingress
	Created bool
}

// BackendChange contains a backend change event
type BackendChange struct {
	Backend Backend
	Created bool
}

// Commands returns the commands adding the cluster's routing to a listener,
// as TLS fronts when the listener terminates TLS with fingerprint
func (c *ClusterState) Commands(kind Kind, fingerprint command.CertFingerprint) []command.Command {
	var cmds []command.Command
	for _, f := range c.Fronts {
		switch kind {
		case KindHTTP:
			cmds = append(cmds, command.AddHTTPFront{Front: f})
		case KindTLS:
			cmds = append(cmds, command.AddTLSFront{Front: command.TLSFront{
				AppID:       f.AppID,
				Hostname:    f.Hostname,
				PathPrefix:  f.PathPrefix,
				Fingerprint: fingerprint,
			}})
		}
	}
	for _, i := range c.Instances {
		cmds = append(cmds, command.AddInstance{Instance: i})
	}
	return cmds
}
