package command

// Type is the wire name of a command
type Type string

const (
	TypeAddHTTPFront      Type = "ADD_HTTP_FRONT"
	TypeRemoveHTTPFront   Type = "REMOVE_HTTP_FRONT"
	TypeAddTLSFront       Type = "ADD_TLS_FRONT"
	TypeRemoveTLSFront    Type = "REMOVE_TLS_FRONT"
	TypeAddInstance       Type = "ADD_INSTANCE"
	TypeRemoveInstance    Type = "REMOVE_INSTANCE"
	TypeAddCertificate    Type = "ADD_CERTIFICATE"
	TypeRemoveCertificate Type = "REMOVE_CERTIFICATE"
)

// Command is one mutation of a listener's routing state. The set of
// implementations is closed.
type Command interface {
	// Type returns the wire name of the command
	Type() Type
	isCommand()
}

// AddHTTPFront declares a plain HTTP routing rule
type AddHTTPFront struct {
	Front HTTPFront
}

// RemoveHTTPFront removes the rules of Front.AppID matching hostname and path prefix
type RemoveHTTPFront struct {
	Front HTTPFront
}

// AddTLSFront declares a TLS terminated routing rule
type AddTLSFront struct {
	Front TLSFront
}

// RemoveTLSFront removes the TLS rule of Front.AppID equal to Front, fingerprint
// included
type RemoveTLSFront struct {
	Front TLSFront
}

// AddInstance declares a backend endpoint
type AddInstance struct {
	Instance Instance
}

// RemoveInstance removes the endpoints of Instance.AppID matching address and port
type RemoveInstance struct {
	Instance Instance
}

// AddCertificate installs certificate material. It is keyed by the fingerprint
// of its leaf certificate.
type AddCertificate struct {
	Certificate CertificateAndKey
}

// RemoveCertificate uninstalls the certificate with the given fingerprint
type RemoveCertificate struct {
	Fingerprint CertFingerprint
}

func (AddHTTPFront) Type() Type      { return TypeAddHTTPFront }
func (RemoveHTTPFront) Type() Type   { return TypeRemoveHTTPFront }
func (AddTLSFront) Type() Type       { return TypeAddTLSFront }
func (RemoveTLSFront) Type() Type    { return TypeRemoveTLSFront }
func (AddInstance) Type() Type       { return TypeAddInstance }
func (RemoveInstance) Type() Type    { return TypeRemoveInstance }
func (AddCertificate) Type() Type    { return TypeAddCertificate }
func (RemoveCertificate) Type() Type { return TypeRemoveCertificate }

func (AddHTTPFront) isCommand()      {}
func (RemoveHTTPFront) isCommand()   {}
func (AddTLSFront) isCommand()       {}
func (RemoveTLSFront) isCommand()    {}
func (AddInstance) isCommand()       {}
func (RemoveInstance) isCommand()    {}
func (AddCertificate) isCommand()    {}
func (RemoveCertificate) isCommand() {}
