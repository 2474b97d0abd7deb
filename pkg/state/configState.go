/*
Package state holds the authoritative routing state of the proxy listeners:
fronts, backend instances and TLS certificates. A ConfigState is mutated only
by applying commands; it can be exported back into the command sequence that
rebuilds it, and diffed against a desired state to obtain the ordered commands
that transform one into the other.

Nothing in this package locks. A ConfigState must have a single owner that
serializes every call.
*/
package state

import (
	"github.com/pkg/errors"
	"github.com/vsk8s/proxystate/pkg/command"
)

// Kind selects the proxy flavour of a listener
type Kind string

const (
	KindHTTP Kind = "http"
	KindTLS  Kind = "tls"
	KindTCP  Kind = "tcp"
)

// ErrUnknownKind is returned for proxy kinds other than http, tls and tcp
var ErrUnknownKind = errors.New("unknown proxy kind")

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHTTP, KindTLS, KindTCP:
		return k, nil
	}
	return "", errors.Wrapf(ErrUnknownKind, "%q", s)
}

// ConfigState is the routing state of one listener. Implementations are
// *HTTPProxyState, *TLSProxyState and TCPState.
type ConfigState interface {
	// Kind of proxy this state belongs to
	Kind() Kind
	// Apply mutates the state. Commands meant for other kinds are ignored.
	Apply(cmd command.Command) error
	// GenerateCommands exports the state as the commands rebuilding it from scratch
	GenerateCommands() []command.Command
	// Diff returns the commands transforming the receiver into other. It is
	// empty when the kinds differ.
	Diff(other ConfigState) []command.Command
	// Clone returns a deep copy
	Clone() ConfigState
	isConfigState()
}

// TCPState is the state of a TCP passthrough listener. It carries no routing
// information: every command is ignored and it never exports or diffs to
// anything.
type TCPState struct{}

func (TCPState) Kind() Kind                          { return KindTCP }
func (TCPState) Apply(command.Command) error         { return nil }
func (TCPState) GenerateCommands() []command.Command { return nil }
func (TCPState) Diff(ConfigState) []command.Command  { return nil }
func (TCPState) Clone() ConfigState                  { return TCPState{} }
func (TCPState) isConfigState()                      {}

// New creates an empty state of the given kind for a listener
func New(kind Kind, ip string, port uint16) (ConfigState, error) {
	switch kind {
	case KindHTTP:
		return NewHTTPProxyState(ip, port), nil
	case KindTLS:
		return NewTLSProxyState(ip, port), nil
	case KindTCP:
		return TCPState{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownKind, "%q", kind)
}

// EmptyLike returns an empty state with the kind and listener address of s
func EmptyLike(s ConfigState) ConfigState {
	ip, port := ListenerAddress(s)
	empty, err := New(s.Kind(), ip, port)
	if err != nil {
		return TCPState{}
	}
	return empty
}

// Diff is a nil tolerant version of a.Diff(b)
func Diff(a, b ConfigState) []command.Command {
	if a == nil || b == nil {
		return nil
	}
	return a.Diff(b)
}

// ApplyAll applies cmds in order and returns the first error. Application
// continues past failed commands.
func ApplyAll(s ConfigState, cmds []command.Command) error {
	return ApplyAllWith(s, cmds, SHA256Fingerprint)
}

// ApplyAllWith is ApplyAll with certificates of a TLS state fingerprinted by
// fingerprint
func ApplyAllWith(s ConfigState, cmds []command.Command, fingerprint Fingerprinter) error {
	apply := s.Apply
	if tls, ok := s.(*TLSProxyState); ok {
		apply = func(cmd command.Command) error {
			return tls.ApplyWith(cmd, fingerprint)
		}
	}
	var first error
	for _, cmd := range cmds {
		if err := apply(cmd); err != nil && first == nil {
			first = err
		}
	}
	return first
}
