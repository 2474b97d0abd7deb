package state

import (
	"github.com/vsk8s/proxystate/pkg/command"
)

// Instance handling is identical for the HTTP and TLS stores

func applyInstance(m map[command.AppID][]command.Instance, cmd command.Command) {
	switch c := cmd.(type) {
	case command.AddInstance:
		insertUnique(m, c.Instance.AppID, c.Instance)
	case command.RemoveInstance:
		removeMatching(m, c.Instance.AppID, func(i command.Instance) bool {
			return i.IPAddress == c.Instance.IPAddress && i.Port == c.Instance.Port
		})
	}
}

func appendInstances(cmds []command.Command, m map[command.AppID][]command.Instance) []command.Command {
	for _, i := range flatten(m) {
		cmds = append(cmds, command.AddInstance{Instance: i})
	}
	return cmds
}

// appendInstanceChanges emits additions before removals so that an application
// never runs out of backends in between
func appendInstanceChanges(cmds []command.Command, removed, added []entry[command.AppID, command.Instance]) []command.Command {
	for _, e := range added {
		cmds = append(cmds, command.AddInstance{Instance: e.Value})
	}
	for _, e := range removed {
		cmds = append(cmds, command.RemoveInstance{Instance: e.Value})
	}
	return cmds
}

func normalizeInstances(m map[command.AppID][]command.Instance) map[command.AppID][]command.Instance {
	out := map[command.AppID][]command.Instance{}
	for _, i := range flatten(m) {
		insertUnique(out, i.AppID, i)
	}
	return out
}
