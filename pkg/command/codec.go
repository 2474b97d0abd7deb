package command

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownType is returned when decoding a command with an unsupported type tag
var ErrUnknownType = errors.New("unknown command type")

// Wire representation of a command
type envelope struct {
	Type Type                `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

// payload returns the value carried in the envelope's data field
func payload(cmd Command) (interface{}, error) {
	switch c := cmd.(type) {
	case AddHTTPFront:
		return c.Front, nil
	case RemoveHTTPFront:
		return c.Front, nil
	case AddTLSFront:
		return c.Front, nil
	case RemoveTLSFront:
		return c.Front, nil
	case AddInstance:
		return c.Instance, nil
	case RemoveInstance:
		return c.Instance, nil
	case AddCertificate:
		return c.Certificate, nil
	case RemoveCertificate:
		return c.Fingerprint, nil
	}
	return nil, errors.Wrapf(ErrUnknownType, "%T", cmd)
}

func toEnvelope(cmd Command) (envelope, error) {
	p, err := payload(cmd)
	if err != nil {
		return envelope{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return envelope{}, errors.Wrapf(err, "encoding %s", cmd.Type())
	}
	return envelope{Type: cmd.Type(), Data: data}, nil
}

func fromEnvelope(env envelope) (Command, error) {
	var err error
	switch env.Type {
	case TypeAddHTTPFront, TypeRemoveHTTPFront:
		var f HTTPFront
		if err = json.Unmarshal(env.Data, &f); err == nil {
			if env.Type == TypeAddHTTPFront {
				return AddHTTPFront{Front: f}, nil
			}
			return RemoveHTTPFront{Front: f}, nil
		}
	case TypeAddTLSFront, TypeRemoveTLSFront:
		var f TLSFront
		if err = json.Unmarshal(env.Data, &f); err == nil {
			if env.Type == TypeAddTLSFront {
				return AddTLSFront{Front: f}, nil
			}
			return RemoveTLSFront{Front: f}, nil
		}
	case TypeAddInstance, TypeRemoveInstance:
		var i Instance
		if err = json.Unmarshal(env.Data, &i); err == nil {
			if env.Type == TypeAddInstance {
				return AddInstance{Instance: i}, nil
			}
			return RemoveInstance{Instance: i}, nil
		}
	case TypeAddCertificate:
		var c CertificateAndKey
		if err = json.Unmarshal(env.Data, &c); err == nil {
			return AddCertificate{Certificate: c}, nil
		}
	case TypeRemoveCertificate:
		var fp CertFingerprint
		if err = json.Unmarshal(env.Data, &fp); err == nil {
			return RemoveCertificate{Fingerprint: fp}, nil
		}
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", env.Type)
	}
	return nil, errors.Wrapf(err, "decoding %s", env.Type)
}

// Marshal encodes a single command as a JSON envelope
func Marshal(cmd Command) ([]byte, error) {
	env, err := toEnvelope(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes a single JSON envelope
func Unmarshal(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding command envelope")
	}
	return fromEnvelope(env)
}

// MarshalList encodes an ordered command sequence as a JSON array of envelopes
func MarshalList(cmds []Command) ([]byte, error) {
	envs := make([]envelope, 0, len(cmds))
	for _, cmd := range cmds {
		env, err := toEnvelope(cmd)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// UnmarshalList decodes a JSON array of envelopes, keeping order
func UnmarshalList(data []byte) ([]Command, error) {
	var envs []envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, errors.Wrap(err, "decoding command list")
	}
	cmds := make([]Command, 0, len(envs))
	for idx, env := range envs {
		cmd, err := fromEnvelope(env)
		if err != nil {
			return nil, errors.Wrapf(err, "command %d", idx)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}
