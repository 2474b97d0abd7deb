package haproxy

// Server is one backend instance
type Server struct {
	// Unique name inside the backend
	Name string
	IP   string
	Port uint16
}

// Backend groups the instances of one application on one listener
type Backend struct {
	// HAProxy backend name, unique across the config
	Name string
	// Application the backend serves
	App     string
	Servers []Server
}

// Front routes a host and path prefix to a backend
type Front struct {
	Hostname   string
	PathPrefix string
	// Name of the backend to use
	Backend string
}

// ListenerInfo is everything the template needs for one listener
type ListenerInfo struct {
	Name string
	// One of http, tls or tcp
	Kind string
	IP   string
	Port uint16
	// Paths of the certificate bundles, tls only
	Certificates []string
	// Ordered so the most specific prefix per host comes first
	Fronts   []Front
	Backends []Backend
}

// TemplateInfo is passed to the config template
type TemplateInfo struct {
	// Listeners sorted by name
	Listeners []ListenerInfo
}
