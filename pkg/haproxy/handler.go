// Package haproxy keeps an HAProxy config drop-in in sync with the routing
// state of every listener.
package haproxy

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/config"
	"github.com/vsk8s/proxystate/pkg/state"
)

// Bundles written by the handler, anything else in the cert dir is left alone
var bundleName = regexp.MustCompile(`^[0-9a-f]{64}\.pem$`)

// Handler is a router sink rendering every listener into one HAProxy drop-in
type Handler struct {
	// Output settings
	config config.HAProxy
	// Parsed config template
	template *template.Template
	mu       sync.Mutex
	// Replica of every listener, fed from the commands received
	listeners map[string]state.ConfigState
	// Runs the reload command, replaced in tests
	runCommand func(args []string) error
}

// NewHandler parses the configured template, falling back to the built-in one
func NewHandler(cfg config.HAProxy) (*Handler, error) {
	tmpl := template.New("haproxy").Funcs(template.FuncMap{"StringJoin": strings.Join})
	var err error
	if cfg.TemplatePath == "" {
		tmpl, err = tmpl.Parse(defaultTemplate)
	} else {
		var data []byte
		data, err = ioutil.ReadFile(cfg.TemplatePath)
		if err != nil {
			return nil, errors.Wrap(err, "file read failed")
		}
		tmpl, err = tmpl.Parse(string(data))
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse haproxy template")
	}
	return &Handler{
		config:     cfg,
		template:   tmpl,
		listeners:  map[string]state.ConfigState{},
		runCommand: runCommand,
	}, nil
}

func runCommand(args []string) error {
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

// Reset replaces the replica of a listener
func (h *Handler) Reset(listener string, empty state.ConfigState, cmds []command.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	replica := empty.Clone()
	if err := state.ApplyAll(replica, cmds); err != nil {
		log.WithField("listener", listener).WithError(err).Warn("Replica rejected a command")
	}
	h.listeners[listener] = replica
	return h.update()
}

// Send applies incremental commands to the replica of a listener
func (h *Handler) Send(listener string, cmds []command.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	replica, ok := h.listeners[listener]
	if !ok {
		return errors.Errorf("no replica for listener %q", listener)
	}
	if err := state.ApplyAll(replica, cmds); err != nil {
		log.WithField("listener", listener).WithError(err).Warn("Replica rejected a command")
	}
	return h.update()
}

// Drop removes a listener from the config
func (h *Handler) Drop(listener string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, listener)
	return h.update()
}

// Render writes the config for the current replicas to w
func (h *Handler) Render(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.render(w)
}

func (h *Handler) render(w io.Writer) error {
	if err := h.template.Execute(w, h.templateInfo()); err != nil {
		return errors.Wrap(err, "couldn't template haproxy config")
	}
	return nil
}

// Write certificate bundles and the drop-in, then reload if anything changed
func (h *Handler) update() error {
	certsChanged, err := h.writeCertificates()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := h.render(&buf); err != nil {
		return err
	}
	current, err := ioutil.ReadFile(h.config.DropinPath)
	if err == nil && bytes.Equal(current, buf.Bytes()) && !certsChanged {
		log.Debug("HAProxy config unchanged")
		return nil
	}

	log.WithField("path", h.config.DropinPath).Debug("Writing config")
	if err := writeAtomic(h.config.DropinPath, buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "couldn't write haproxy config")
	}
	if len(h.config.ReloadCommand) == 0 {
		return nil
	}
	if err := h.runCommand(h.config.ReloadCommand); err != nil {
		return errors.Wrap(err, "couldn't reload haproxy")
	}
	log.Info("Reloaded haproxy")
	return nil
}

func (h *Handler) bundlePath(fp command.CertFingerprint) string {
	return filepath.Join(h.config.CertDir, string(fp)+".pem")
}

// Make the cert dir hold exactly the bundles of the current replicas.
// Reports whether a file was written or removed.
func (h *Handler) writeCertificates() (bool, error) {
	wanted := map[string]command.CertificateAndKey{}
	for _, replica := range h.listeners {
		tls, ok := replica.(*state.TLSProxyState)
		if !ok {
			continue
		}
		for fp, cert := range tls.Certificates {
			wanted[h.bundlePath(fp)] = cert
		}
	}
	if len(wanted) == 0 {
		if _, err := os.Stat(h.config.CertDir); h.config.CertDir == "" || os.IsNotExist(err) {
			return false, nil
		}
	}
	if err := os.MkdirAll(h.config.CertDir, 0700); err != nil {
		return false, errors.Wrap(err, "couldn't create certificate directory")
	}

	changed := false
	for path, cert := range wanted {
		data := []byte(bundle(cert))
		current, err := ioutil.ReadFile(path)
		if err == nil && bytes.Equal(current, data) {
			continue
		}
		if err := writeAtomic(path, data, 0600); err != nil {
			return changed, errors.Wrap(err, "couldn't write certificate bundle")
		}
		changed = true
	}

	entries, err := ioutil.ReadDir(h.config.CertDir)
	if err != nil {
		return changed, errors.Wrap(err, "couldn't list certificate directory")
	}
	for _, entry := range entries {
		path := filepath.Join(h.config.CertDir, entry.Name())
		if !bundleName.MatchString(entry.Name()) {
			continue
		}
		if _, ok := wanted[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			return changed, errors.Wrap(err, "couldn't remove stale certificate bundle")
		}
		log.WithField("path", path).Debug("Removed stale certificate bundle")
		changed = true
	}
	return changed, nil
}

// Certificate, chain and key concatenated the way HAProxy expects them
func bundle(cert command.CertificateAndKey) string {
	var b strings.Builder
	for _, part := range []string{cert.Certificate, cert.CertificateChain, cert.Key} {
		if part == "" {
			continue
		}
		b.WriteString(part)
		if !strings.HasSuffix(part, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := ioutil.TempFile(filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (h *Handler) templateInfo() TemplateInfo {
	names := make([]string, 0, len(h.listeners))
	for name := range h.listeners {
		names = append(names, name)
	}
	sort.Strings(names)

	info := TemplateInfo{}
	for _, name := range names {
		replica := h.listeners[name]
		ip, port := state.ListenerAddress(replica)
		listener := ListenerInfo{
			Name: name,
			Kind: string(replica.Kind()),
			IP:   ip,
			Port: port,
		}
		switch s := replica.(type) {
		case *state.HTTPProxyState:
			for _, fronts := range s.Fronts {
				for _, f := range fronts {
					listener.Fronts = append(listener.Fronts, Front{
						Hostname:   f.Hostname,
						PathPrefix: f.PathPrefix,
						Backend:    backendName(name, f.AppID),
					})
				}
			}
			listener.Backends = backends(name, s.Fronts, s.Instances)
		case *state.TLSProxyState:
			for fp := range s.Certificates {
				listener.Certificates = append(listener.Certificates, h.bundlePath(fp))
			}
			sort.Strings(listener.Certificates)
			for _, fronts := range s.Fronts {
				for _, f := range fronts {
					listener.Fronts = append(listener.Fronts, Front{
						Hostname:   f.Hostname,
						PathPrefix: f.PathPrefix,
						Backend:    backendName(name, f.AppID),
					})
				}
			}
			listener.Backends = backends(name, s.Fronts, s.Instances)
		}
		sort.Slice(listener.Fronts, func(i, j int) bool {
			a, b := listener.Fronts[i], listener.Fronts[j]
			if a.Hostname != b.Hostname {
				return a.Hostname < b.Hostname
			}
			if len(a.PathPrefix) != len(b.PathPrefix) {
				return len(a.PathPrefix) > len(b.PathPrefix)
			}
			if a.PathPrefix != b.PathPrefix {
				return a.PathPrefix < b.PathPrefix
			}
			return a.Backend < b.Backend
		})
		info.Listeners = append(info.Listeners, listener)
	}
	return info
}

func backendName(listener string, app command.AppID) string {
	return listener + "_" + app
}

// One backend for every app with fronts or instances, sorted by name
func backends[F any](listener string, fronts map[command.AppID][]F, instances map[command.AppID][]command.Instance) []Backend {
	apps := map[command.AppID]bool{}
	for app := range fronts {
		apps[app] = true
	}
	for app := range instances {
		apps[app] = true
	}
	var out []Backend
	for app := range apps {
		backend := Backend{Name: backendName(listener, app), App: app}
		sorted := append([]command.Instance(nil), instances[app]...)
		sort.Slice(sorted, func(i, j int) bool { return command.LessInstance(sorted[i], sorted[j]) })
		for idx, instance := range sorted {
			backend.Servers = append(backend.Servers, Server{
				Name: fmt.Sprintf("s%d", idx),
				IP:   instance.IPAddress,
				Port: instance.Port,
			})
		}
		out = append(out, backend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
