package state

import (
	"github.com/vsk8s/proxystate/pkg/command"
)

// HTTPProxyState is the routing state of a plain HTTP listener
type HTTPProxyState struct {
	// Address the listener binds to
	IPAddress string `json:"ip_address"`
	// Port the listener binds to
	Port uint16 `json:"port"`
	// Routing rules per application
	Fronts map[command.AppID][]command.HTTPFront `json:"fronts"`
	// Backends per application
	Instances map[command.AppID][]command.Instance `json:"instances"`
}

// NewHTTPProxyState creates an empty HTTP state for the given listener address
func NewHTTPProxyState(ip string, port uint16) *HTTPProxyState {
	return &HTTPProxyState{
		IPAddress: ip,
		Port:      port,
		Fronts:    map[command.AppID][]command.HTTPFront{},
		Instances: map[command.AppID][]command.Instance{},
	}
}

func (s *HTTPProxyState) Kind() Kind { return KindHTTP }

func (s *HTTPProxyState) isConfigState() {}

// Apply handles front and instance commands and ignores everything else
func (s *HTTPProxyState) Apply(cmd command.Command) error {
	if s.Fronts == nil {
		s.Fronts = map[command.AppID][]command.HTTPFront{}
	}
	if s.Instances == nil {
		s.Instances = map[command.AppID][]command.Instance{}
	}
	switch c := cmd.(type) {
	case command.AddHTTPFront:
		insertUnique(s.Fronts, c.Front.AppID, c.Front)
	case command.RemoveHTTPFront:
		removeMatching(s.Fronts, c.Front.AppID, func(f command.HTTPFront) bool {
			return f.Hostname == c.Front.Hostname && f.PathPrefix == c.Front.PathPrefix
		})
	default:
		applyInstance(s.Instances, cmd)
	}
	return nil
}

// GenerateCommands lists every front, then every instance
func (s *HTTPProxyState) GenerateCommands() []command.Command {
	var cmds []command.Command
	for _, f := range flatten(s.Fronts) {
		cmds = append(cmds, command.AddHTTPFront{Front: f})
	}
	return appendInstances(cmds, s.Instances)
}

// Diff computes the commands turning s into other: removed fronts, added
// instances, removed instances, added fronts.
func (s *HTTPProxyState) Diff(other ConfigState) []command.Command {
	o, ok := other.(*HTTPProxyState)
	if !ok || o == nil {
		return nil
	}
	removedFronts, addedFronts := diffBuckets(s.Fronts, o.Fronts, command.LessHTTPFront)
	removedInstances, addedInstances := diffBuckets(s.Instances, o.Instances, command.LessInstance)

	cmds := make([]command.Command, 0,
		len(removedFronts)+len(addedFronts)+len(removedInstances)+len(addedInstances))
	for _, e := range removedFronts {
		cmds = append(cmds, command.RemoveHTTPFront{Front: e.Value})
	}
	cmds = appendInstanceChanges(cmds, removedInstances, addedInstances)
	for _, e := range addedFronts {
		cmds = append(cmds, command.AddHTTPFront{Front: e.Value})
	}
	return cmds
}

// Clone returns a deep copy
func (s *HTTPProxyState) Clone() ConfigState {
	return &HTTPProxyState{
		IPAddress: s.IPAddress,
		Port:      s.Port,
		Fronts:    cloneBuckets(s.Fronts),
		Instances: cloneBuckets(s.Instances),
	}
}

// normalize rebuilds the buckets so that keys match entity app ids, entries
// are unique and no bucket is empty
func (s *HTTPProxyState) normalize() {
	fronts := map[command.AppID][]command.HTTPFront{}
	for _, f := range flatten(s.Fronts) {
		insertUnique(fronts, f.AppID, f)
	}
	s.Fronts = fronts
	s.Instances = normalizeInstances(s.Instances)
}
