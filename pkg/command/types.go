/*
Package command defines the mutation vocabulary shared by the control plane and
the data-plane workers: the routing entities (fronts, instances, certificates)
and the eight commands that add or remove them. Commands travel as JSON
envelopes through Marshal and MarshalList; proxystate --dump prints snapshots
in that form.
*/
package command

// AppID names an application. It is opaque and case-sensitive.
type AppID = string

// CertFingerprint identifies a certificate by the lowercase hex SHA-256 digest
// of its DER encoded leaf.
type CertFingerprint string

// HTTPFront routes requests for Hostname whose path starts with PathPrefix to
// an application
type HTTPFront struct {
	// Application the front routes to
	AppID AppID `json:"app_id" yaml:"app"`
	// Host header to match, port included if it is part of the header
	Hostname string `json:"hostname" yaml:"hostname"`
	// Path prefix to match
	PathPrefix string `json:"path_prefix" yaml:"path"`
}

// TLSFront is an HTTPFront terminated with the certificate named by Fingerprint
type TLSFront struct {
	// Application the front routes to
	AppID AppID `json:"app_id" yaml:"app"`
	// SNI / Host header to match
	Hostname string `json:"hostname" yaml:"hostname"`
	// Path prefix to match
	PathPrefix string `json:"path_prefix" yaml:"path"`
	// Certificate used to terminate TLS. Need not be installed yet.
	Fingerprint CertFingerprint `json:"fingerprint" yaml:"fingerprint"`
}

// Instance is a backend endpoint of an application
type Instance struct {
	// Application served by this endpoint
	AppID AppID `json:"app_id" yaml:"app"`
	// IP address, kept verbatim
	IPAddress string `json:"ip_address" yaml:"ip"`
	// TCP port
	Port uint16 `json:"port" yaml:"port"`
}

// CertificateAndKey is the PEM material of one TLS identity
type CertificateAndKey struct {
	// Leaf certificate
	Certificate string `json:"certificate"`
	// Intermediate certificates, concatenated
	CertificateChain string `json:"certificate_chain"`
	// Private key of the leaf
	Key string `json:"key"`
}

// LessHTTPFront orders fronts by app, hostname and path prefix
func LessHTTPFront(a, b HTTPFront) bool {
	if a.AppID != b.AppID {
		return a.AppID < b.AppID
	}
	if a.Hostname != b.Hostname {
		return a.Hostname < b.Hostname
	}
	return a.PathPrefix < b.PathPrefix
}

// LessTLSFront orders fronts by app, hostname, path prefix and fingerprint
func LessTLSFront(a, b TLSFront) bool {
	if a.AppID != b.AppID {
		return a.AppID < b.AppID
	}
	if a.Hostname != b.Hostname {
		return a.Hostname < b.Hostname
	}
	if a.PathPrefix != b.PathPrefix {
		return a.PathPrefix < b.PathPrefix
	}
	return a.Fingerprint < b.Fingerprint
}

// LessInstance orders instances by app, address and port
func LessInstance(a, b Instance) bool {
	if a.AppID != b.AppID {
		return a.AppID < b.AppID
	}
	if a.IPAddress != b.IPAddress {
		return a.IPAddress < b.IPAddress
	}
	return a.Port < b.Port
}

// LessCertificate orders certificate material field by field
func LessCertificate(a, b CertificateAndKey) bool {
	if a.Certificate != b.Certificate {
		return a.Certificate < b.Certificate
	}
	if a.CertificateChain != b.CertificateChain {
		return a.CertificateChain < b.CertificateChain
	}
	return a.Key < b.Key
}
