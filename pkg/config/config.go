package config

import (
	"io/ioutil"
	"net"
	"sort"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/state"
	"gopkg.in/yaml.v2"
)

// A statically configured front
type Front struct {
	// Application the front routes to
	App string `yaml:"app"`
	// Host header or SNI name to match
	Hostname string `yaml:"hostname"`
	// Path prefix to match, defaults to '/'
	Path string `yaml:"path"`
	// Name of the certificate to terminate with (tls listeners only)
	Certificate string `yaml:"certificate"`
}

// A statically configured backend instance
type Instance struct {
	// Application this instance serves
	App string `yaml:"app"`
	// Address of the instance
	IP string `yaml:"ip"`
	// Port of the instance
	Port uint16 `yaml:"port"`
}

// Everything you ever wanted to know about a certificate
type Certificate struct {
	// How the certificate is referenced by fronts and clusters
	Name string `yaml:"name"`
	// Path to the PEM certificate
	Cert string `yaml:"cert"`
	// Path to the PEM intermediate chain, optional
	Chain string `yaml:"chain"`
	// Path to the PEM private key
	Key string `yaml:"key"`
}

// Describe a listener and its static routing
type ListenerInternal struct {
	// Name of the listener, also the key in snapshots
	Name string `yaml:"name"`
	// One of http, tls or tcp
	Kind state.Kind `yaml:"kind"`
	// Address to bind, defaults to 0.0.0.0
	IP string `yaml:"ip"`
	// Port to bind, defaults to 80 for http and 443 for tls
	Port uint16 `yaml:"port"`
	// Fronts which are always present
	Fronts []Front `yaml:"fronts"`
	// Instances which are always present
	Instances []Instance `yaml:"instances"`
	// TLS certificates available to fronts on this listener
	Certificates []Certificate `yaml:"certificates"`
}

// Describe all information we need to know about a cluster
type ClusterInternal struct {
	// Name of the cluster (used for logging and as app id)
	Name string `yaml:"name"`
	// Path to kubeconfig used to connect to the cluster
	Kubeconfig string `yaml:"kubeconfig"`
	// Listener the cluster's ingresses are published on
	Listener string `yaml:"listener"`
	// Certificate used for the cluster's fronts when the listener is tls
	Certificate string `yaml:"certificate"`
	// Namespace where the Ingress is located
	IngressNamespace string `yaml:"ingressNamespace"`
	// Name of the ingress deployment (the pod label "app.kubernetes.io/name" will be checked)
	IngressAppName string `yaml:"ingressAppName"`
	// Port the ingress pods use
	IngressPort uint16 `yaml:"ingressPort"`
}

// This struct only exists for parser trickery
type Listener struct {
	*ListenerInternal
}

// This struct only exists for parser trickery
type Cluster struct {
	*ClusterInternal
}

// HAProxy describes the data-plane output
type HAProxy struct {
	// Path to the config template to use, the built-in one is used if empty
	TemplatePath string `yaml:"templatePath"`
	// Path to HAProxy config dropin to create for this service
	DropinPath string `yaml:"dropinPath"`
	// Directory certificate bundles are written to
	CertDir string `yaml:"certDir"`
	// Command run after the dropin changed, nothing is run if empty
	ReloadCommand []string `yaml:"reloadCommand"`
}

// The main proxystate config. This is deserialized from YAML using the annotations
type Config struct {
	// Where the listener state is persisted across restarts
	SnapshotPath string `yaml:"snapshotPath"`
	// Data-plane settings
	HAProxy HAProxy `yaml:"haproxy"`
	// List of listeners to manage
	Listeners []Listener `yaml:"listeners"`
	// List of clusters to route to
	Clusters []Cluster `yaml:"clusters"`
}

// LoadedCertificate is a certificate read from disk
type LoadedCertificate struct {
	Fingerprint command.CertFingerprint
	Material    command.CertificateAndKey
}

var defaults = Config{
	SnapshotPath: "/var/lib/proxystate/state.json",
	HAProxy: HAProxy{
		DropinPath: "/etc/haproxy/conf.d/proxystate.cfg",
		CertDir:    "/etc/haproxy/certs",
	},
}

// Custom deserializer for 'Listener' in order to transparently provide default values where applicable
func (l *Listener) UnmarshalYAML(unmarshal func(interface{}) error) error {
	obj := ListenerInternal{}
	err := unmarshal(&obj)

	if err != nil {
		return err
	}
	l.ListenerInternal = &obj

	if l.Name == "" {
		return errors.New("Listener: name missing")
	}
	if _, err := state.ParseKind(string(l.Kind)); err != nil {
		return errors.Wrapf(err, "Listener %s", l.Name)
	}
	if l.IP == "" {
		l.IP = "0.0.0.0"
	}
	if net.ParseIP(l.IP) == nil {
		return errors.Errorf("Listener %s: invalid ip %q", l.Name, l.IP)
	}
	if l.Port == 0 {
		switch l.Kind {
		case state.KindHTTP:
			l.Port = 80
		case state.KindTLS:
			l.Port = 443
		}
	}
	if l.Kind != state.KindTLS && len(l.Certificates) > 0 {
		return errors.Errorf("Listener %s: certificates need a tls listener", l.Name)
	}

	for idx := range l.Fronts {
		front := &l.Fronts[idx]
		if front.App == "" || front.Hostname == "" {
			return errors.Errorf("Listener %s: front needs app and hostname", l.Name)
		}
		if front.Path == "" {
			front.Path = "/"
		}
	}
	for _, instance := range l.Instances {
		if instance.App == "" {
			return errors.Errorf("Listener %s: instance app missing", l.Name)
		}
		if net.ParseIP(instance.IP) == nil {
			return errors.Errorf("Listener %s: invalid instance ip %q", l.Name, instance.IP)
		}
		if instance.Port == 0 {
			return errors.Errorf("Listener %s: instance port missing", l.Name)
		}
	}
	for _, cert := range l.Certificates {
		if cert.Name == "" {
			return errors.Errorf("Listener %s: certificate name missing", l.Name)
		}
		if cert.Cert == "" || cert.Key == "" {
			return errors.Errorf("Listener %s: certificate %s needs cert and key", l.Name, cert.Name)
		}
	}

	return nil
}

// Custom deserializer for 'Cluster' in order to transparently provide default values where applicable
func (c *Cluster) UnmarshalYAML(unmarshal func(interface{}) error) error {
	obj := ClusterInternal{}
	err := unmarshal(&obj)

	if err != nil {
		return err
	}
	c.ClusterInternal = &obj

	if c.IngressAppName == "" {
		c.IngressAppName = "ingress-nginx"
	}
	if c.IngressNamespace == "" {
		c.IngressNamespace = "ingress-nginx"
	}
	if c.Kubeconfig == "" {
		return errors.New("Cluster: kubeconfig missing")
	}
	if c.Name == "" {
		return errors.New("Cluster: name missing")
	}
	if c.Listener == "" {
		return errors.Errorf("Cluster %s: listener missing", c.Name)
	}
	if c.IngressPort == 0 {
		c.IngressPort = 80
	}

	return nil
}

// Create a config object by parsing it from file
func FromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		err = errors.Wrap(err, "file read failed")
		return nil, err
	}
	return Parse(data)
}

// Parse a config document and check its references
func Parse(data []byte) (*Config, error) {
	obj := Config{}
	err := yaml.UnmarshalStrict(data, &obj)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&obj, defaults); err != nil {
		return nil, errors.Wrap(err, "couldn't apply defaults")
	}
	if obj.Listeners == nil {
		return nil, errors.New("Listener list missing")
	}

	listeners := map[string]*Listener{}
	for idx := range obj.Listeners {
		listener := &obj.Listeners[idx]
		if _, ok := listeners[listener.Name]; ok {
			return nil, errors.Errorf("Listener %s: duplicate name", listener.Name)
		}
		listeners[listener.Name] = listener

		certs := map[string]bool{}
		for _, cert := range listener.Certificates {
			if certs[cert.Name] {
				return nil, errors.Errorf("Listener %s: duplicate certificate %s", listener.Name, cert.Name)
			}
			certs[cert.Name] = true
		}
		for _, front := range listener.Fronts {
			if err := checkCertificateRef(listener, certs, front.Certificate); err != nil {
				return nil, errors.Wrapf(err, "front %s", front.Hostname)
			}
		}
	}

	clusters := map[string]bool{}
	for _, cluster := range obj.Clusters {
		if clusters[cluster.Name] {
			return nil, errors.Errorf("Cluster %s: duplicate name", cluster.Name)
		}
		clusters[cluster.Name] = true
		listener, ok := listeners[cluster.Listener]
		if !ok {
			return nil, errors.Errorf("Cluster %s: unknown listener %s", cluster.Name, cluster.Listener)
		}
		if listener.Kind == state.KindTCP {
			return nil, errors.Errorf("Cluster %s: listener %s carries no routing", cluster.Name, cluster.Listener)
		}
		certs := map[string]bool{}
		for _, cert := range listener.Certificates {
			certs[cert.Name] = true
		}
		if err := checkCertificateRef(listener, certs, cluster.Certificate); err != nil {
			return nil, errors.Wrapf(err, "Cluster %s", cluster.Name)
		}
	}
	return &obj, nil
}

func checkCertificateRef(listener *Listener, certs map[string]bool, name string) error {
	if listener.Kind != state.KindTLS {
		if name != "" {
			return errors.Errorf("listener %s is not tls, certificate %s can't be used", listener.Name, name)
		}
		return nil
	}
	if name == "" {
		return errors.Errorf("listener %s is tls, certificate missing", listener.Name)
	}
	if !certs[name] {
		return errors.Errorf("unknown certificate %s on listener %s", name, listener.Name)
	}
	return nil
}

// Listener returns the listener with the given name
func (c *Config) Listener(name string) (*Listener, bool) {
	for idx := range c.Listeners {
		if c.Listeners[idx].Name == name {
			return &c.Listeners[idx], true
		}
	}
	return nil, false
}

// LoadCertificates reads every certificate of the listener from disk
func (l *Listener) LoadCertificates(fingerprint state.Fingerprinter) (map[string]LoadedCertificate, error) {
	out := map[string]LoadedCertificate{}
	for _, cert := range l.Certificates {
		material := command.CertificateAndKey{}
		var err error
		if material.Certificate, err = readPEM(cert.Cert); err != nil {
			return nil, errors.Wrapf(err, "certificate %s", cert.Name)
		}
		if material.Key, err = readPEM(cert.Key); err != nil {
			return nil, errors.Wrapf(err, "certificate %s", cert.Name)
		}
		if cert.Chain != "" {
			if material.CertificateChain, err = readPEM(cert.Chain); err != nil {
				return nil, errors.Wrapf(err, "certificate %s", cert.Name)
			}
		}
		fp, err := fingerprint([]byte(material.Certificate))
		if err != nil {
			return nil, errors.Wrapf(err, "certificate %s", cert.Name)
		}
		out[cert.Name] = LoadedCertificate{Fingerprint: fp, Material: material}
	}
	return out, nil
}

func readPEM(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "file read failed")
	}
	return string(data), nil
}

// Commands returns the static routing of the listener: certificates, then
// fronts, then instances
func (l *Listener) Commands(fingerprint state.Fingerprinter) ([]command.Command, error) {
	certs, err := l.LoadCertificates(fingerprint)
	if err != nil {
		return nil, errors.Wrapf(err, "listener %s", l.Name)
	}
	return l.commands(certs), nil
}

func (l *Listener) commands(certs map[string]LoadedCertificate) []command.Command {
	var cmds []command.Command
	names := make([]string, 0, len(certs))
	for name := range certs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmds = append(cmds, command.AddCertificate{Certificate: certs[name].Material})
	}
	for _, front := range l.Fronts {
		if l.Kind == state.KindTLS {
			cmds = append(cmds, command.AddTLSFront{Front: command.TLSFront{
				AppID:       front.App,
				Hostname:    front.Hostname,
				PathPrefix:  front.Path,
				Fingerprint: certs[front.Certificate].Fingerprint,
			}})
			continue
		}
		cmds = append(cmds, command.AddHTTPFront{Front: command.HTTPFront{
			AppID:      front.App,
			Hostname:   front.Hostname,
			PathPrefix: front.Path,
		}})
	}
	for _, instance := range l.Instances {
		cmds = append(cmds, command.AddInstance{Instance: command.Instance{
			AppID:     instance.App,
			IPAddress: instance.IP,
			Port:      instance.Port,
		}})
	}
	return cmds
}

// Desired builds the state every listener should be in: its static routing
// plus the routing published by the clusters pointing at it. Clusters without
// published state contribute nothing.
func (c *Config) Desired(clusters map[string]state.ClusterState, fingerprint state.Fingerprinter) (map[string]state.ConfigState, error) {
	out := map[string]state.ConfigState{}
	for idx := range c.Listeners {
		listener := &c.Listeners[idx]
		s, err := state.New(listener.Kind, listener.IP, listener.Port)
		if err != nil {
			return nil, errors.Wrapf(err, "listener %s", listener.Name)
		}
		certs, err := listener.LoadCertificates(fingerprint)
		if err != nil {
			return nil, errors.Wrapf(err, "listener %s", listener.Name)
		}
		if err := state.ApplyAllWith(s, listener.commands(certs), fingerprint); err != nil {
			return nil, errors.Wrapf(err, "listener %s", listener.Name)
		}

		for _, cluster := range c.Clusters {
			if cluster.Listener != listener.Name {
				continue
			}
			cs, ok := clusters[cluster.Name]
			if !ok {
				continue
			}
			cmds := cs.Commands(listener.Kind, certs[cluster.Certificate].Fingerprint)
			if err := state.ApplyAllWith(s, cmds, fingerprint); err != nil {
				return nil, errors.Wrapf(err, "cluster %s", cluster.Name)
			}
		}
		out[listener.Name] = s
	}
	return out, nil
}
