package state

import (
	"io/ioutil"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Persisted form of one listener
type snapshotEntry struct {
	Kind Kind            `json:"kind"`
	HTTP *HTTPProxyState `json:"http,omitempty"`
	TLS  *TLSProxyState  `json:"tls,omitempty"`
}

// EncodeSnapshot serializes the state of every listener, keyed by listener name
func EncodeSnapshot(states map[string]ConfigState) ([]byte, error) {
	entries := make(map[string]snapshotEntry, len(states))
	for name, s := range states {
		e := snapshotEntry{Kind: s.Kind()}
		switch v := s.(type) {
		case *HTTPProxyState:
			e.HTTP = v
		case *TLSProxyState:
			e.TLS = v
		}
		entries[name] = e
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding snapshot")
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Buckets are normalized on
// the way in: duplicates and empty buckets are dropped.
func DecodeSnapshot(data []byte) (map[string]ConfigState, error) {
	var entries map[string]snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}
	states := make(map[string]ConfigState, len(entries))
	for name, e := range entries {
		switch e.Kind {
		case KindHTTP:
			if e.HTTP == nil {
				return nil, errors.Errorf("listener %q: http state missing", name)
			}
			e.HTTP.normalize()
			states[name] = e.HTTP
		case KindTLS:
			if e.TLS == nil {
				return nil, errors.Errorf("listener %q: tls state missing", name)
			}
			e.TLS.normalize()
			states[name] = e.TLS
		case KindTCP:
			states[name] = TCPState{}
		default:
			return nil, errors.Wrapf(ErrUnknownKind, "listener %q: %q", name, e.Kind)
		}
	}
	return states, nil
}

// WriteSnapshotFile atomically replaces path with the encoded snapshot
func WriteSnapshotFile(path string, states map[string]ConfigState) error {
	data, err := EncodeSnapshot(states)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "snapshot write failed")
	}
	return errors.Wrap(os.Rename(tmp, path), "snapshot rename failed")
}

// ReadSnapshotFile loads a snapshot written by WriteSnapshotFile. A missing
// file yields an empty snapshot.
func ReadSnapshotFile(path string) (map[string]ConfigState, error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]ConfigState{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "snapshot read failed")
	}
	return DecodeSnapshot(data)
}
