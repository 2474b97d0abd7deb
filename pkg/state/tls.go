package state

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/pkg/command"
)

// TLSProxyState is the routing state of a TLS terminating listener
type TLSProxyState struct {
	// Address the listener binds to
	IPAddress string `json:"ip_address"`
	// Port the listener binds to
	Port uint16 `json:"port"`
	// Installed certificates by fingerprint. Material for a fingerprint is
	// immutable: the first one added wins.
	Certificates map[command.CertFingerprint]command.CertificateAndKey `json:"certificates"`
	// Routing rules per application
	Fronts map[command.AppID][]command.TLSFront `json:"fronts"`
	// Backends per application
	Instances map[command.AppID][]command.Instance `json:"instances"`
}

// NewTLSProxyState creates an empty TLS state for the given listener address
func NewTLSProxyState(ip string, port uint16) *TLSProxyState {
	return &TLSProxyState{
		IPAddress:    ip,
		Port:         port,
		Certificates: map[command.CertFingerprint]command.CertificateAndKey{},
		Fronts:       map[command.AppID][]command.TLSFront{},
		Instances:    map[command.AppID][]command.Instance{},
	}
}

func (s *TLSProxyState) Kind() Kind { return KindTLS }

func (s *TLSProxyState) isConfigState() {}

// Apply handles certificate, front and instance commands, fingerprinting new
// certificates with SHA256Fingerprint
func (s *TLSProxyState) Apply(cmd command.Command) error {
	return s.ApplyWith(cmd, SHA256Fingerprint)
}

// ApplyWith is Apply with an explicit fingerprint function. A certificate that
// cannot be fingerprinted is dropped and the error returned; the state is left
// untouched.
func (s *TLSProxyState) ApplyWith(cmd command.Command, fingerprint Fingerprinter) error {
	if s.Certificates == nil {
		s.Certificates = map[command.CertFingerprint]command.CertificateAndKey{}
	}
	if s.Fronts == nil {
		s.Fronts = map[command.AppID][]command.TLSFront{}
	}
	if s.Instances == nil {
		s.Instances = map[command.AppID][]command.Instance{}
	}

	switch c := cmd.(type) {
	case command.AddCertificate:
		fp, err := fingerprint([]byte(c.Certificate.Certificate))
		if err != nil {
			log.WithError(err).Error("Cannot obtain the certificate's fingerprint")
			return errors.Wrap(err, "add certificate")
		}
		if _, ok := s.Certificates[fp]; !ok {
			s.Certificates[fp] = c.Certificate
		}
	case command.RemoveCertificate:
		delete(s.Certificates, c.Fingerprint)
	case command.AddTLSFront:
		insertUnique(s.Fronts, c.Front.AppID, c.Front)
	case command.RemoveTLSFront:
		removeMatching(s.Fronts, c.Front.AppID, func(f command.TLSFront) bool {
			return f == c.Front
		})
	default:
		applyInstance(s.Instances, cmd)
	}
	return nil
}

// GenerateCommands lists every certificate, then every front, then every instance
func (s *TLSProxyState) GenerateCommands() []command.Command {
	var cmds []command.Command
	for _, fp := range sortedKeys(s.Certificates) {
		cmds = append(cmds, command.AddCertificate{Certificate: s.Certificates[fp]})
	}
	for _, f := range flatten(s.Fronts) {
		cmds = append(cmds, command.AddTLSFront{Front: f})
	}
	return appendInstances(cmds, s.Instances)
}

// Diff computes the commands turning s into other. Certificates are added
// first and removed last so that no front ever points at a missing one.
func (s *TLSProxyState) Diff(other ConfigState) []command.Command {
	o, ok := other.(*TLSProxyState)
	if !ok || o == nil {
		return nil
	}
	removedCerts, addedCerts := diffBuckets(singletons(s.Certificates), singletons(o.Certificates), command.LessCertificate)
	removedFronts, addedFronts := diffBuckets(s.Fronts, o.Fronts, command.LessTLSFront)
	removedInstances, addedInstances := diffBuckets(s.Instances, o.Instances, command.LessInstance)

	// Material changed under an unchanged fingerprint. The old entry has to go
	// right before the new one is added, or the add would be a no-op.
	replaced := map[command.CertFingerprint]bool{}
	for _, e := range removedCerts {
		replaced[e.Key] = false
	}
	for _, e := range addedCerts {
		if _, ok := replaced[e.Key]; ok {
			replaced[e.Key] = true
		}
	}

	var cmds []command.Command
	for _, e := range addedCerts {
		if replaced[e.Key] {
			cmds = append(cmds, command.RemoveCertificate{Fingerprint: e.Key})
		}
		cmds = append(cmds, command.AddCertificate{Certificate: e.Value})
	}
	for _, e := range removedFronts {
		cmds = append(cmds, command.RemoveTLSFront{Front: e.Value})
	}
	cmds = appendInstanceChanges(cmds, removedInstances, addedInstances)
	for _, e := range addedFronts {
		cmds = append(cmds, command.AddTLSFront{Front: e.Value})
	}
	for _, e := range removedCerts {
		if !replaced[e.Key] {
			cmds = append(cmds, command.RemoveCertificate{Fingerprint: e.Key})
		}
	}
	return cmds
}

// Clone returns a deep copy
func (s *TLSProxyState) Clone() ConfigState {
	certs := make(map[command.CertFingerprint]command.CertificateAndKey, len(s.Certificates))
	for fp, c := range s.Certificates {
		certs[fp] = c
	}
	return &TLSProxyState{
		IPAddress:    s.IPAddress,
		Port:         s.Port,
		Certificates: certs,
		Fronts:       cloneBuckets(s.Fronts),
		Instances:    cloneBuckets(s.Instances),
	}
}

func (s *TLSProxyState) normalize() {
	if s.Certificates == nil {
		s.Certificates = map[command.CertFingerprint]command.CertificateAndKey{}
	}
	fronts := map[command.AppID][]command.TLSFront{}
	for _, f := range flatten(s.Fronts) {
		insertUnique(fronts, f.AppID, f)
	}
	s.Fronts = fronts
	s.Instances = normalizeInstances(s.Instances)
}
