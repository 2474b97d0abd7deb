package cmd

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/state"
)

func TestSetupArgs(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	p := Proxystate{}
	proceed, err := p.setupArgs([]string{"--config", "/tmp/x.yml", "-v"})
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(proceed).To(gomega.BeTrue())
	g.Expect(p.opts.ConfigFile).To(gomega.Equal("/tmp/x.yml"))
	g.Expect(p.opts.Verbose).To(gomega.BeTrue())

	p = Proxystate{}
	proceed, err = p.setupArgs(nil)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(proceed).To(gomega.BeTrue())
	g.Expect(p.opts.ConfigFile).To(gomega.Equal("/etc/proxystate/config.yml"))

	p = Proxystate{}
	proceed, err = p.setupArgs([]string{"--version"})
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(proceed).To(gomega.BeFalse())

	p = Proxystate{}
	_, err = p.setupArgs([]string{"--no-such-flag"})
	g.Expect(err).To(gomega.HaveOccurred())
}

func TestRunMissingConfig(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	p := Proxystate{}
	err := p.Run([]string{"--config", filepath.Join(t.TempDir(), "missing.yml")})
	g.Expect(err).To(gomega.HaveOccurred())
	g.Expect(err.Error()).To(gomega.ContainSubstring("couldn't load config file"))
}

// Full start and shutdown without clusters: the drop-in is rendered and the
// snapshot written on exit
func TestRunLifecycle(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yml")
	doc := strings.Replace(`
snapshotPath: DIR/state.json
haproxy:
  dropinPath: DIR/proxystate.cfg
  certDir: DIR/certs
listeners:
  - name: public
    kind: http
    port: 8080
    fronts:
      - app: web
        hostname: example.org
    instances:
      - app: web
        ip: 10.0.0.1
        port: 80
`, "DIR", dir, -1)
	g.Expect(ioutil.WriteFile(configPath, []byte(doc), 0644)).To(gomega.Succeed())

	p := Proxystate{opts: Options{ConfigFile: configPath}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.run(ctx)
	}()

	dropin := filepath.Join(dir, "proxystate.cfg")
	g.Eventually(func() string {
		data, _ := ioutil.ReadFile(dropin)
		return string(data)
	}, 5*time.Second).Should(gomega.ContainSubstring("server s0 10.0.0.1:80 check"))

	cancel()
	g.Eventually(done, 5*time.Second).Should(gomega.Receive(gomega.BeNil()))

	states, err := state.ReadSnapshotFile(filepath.Join(dir, "state.json"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(states).To(gomega.HaveKey("public"))
	ip, port := state.ListenerAddress(states["public"])
	g.Expect(ip).To(gomega.Equal("0.0.0.0"))
	g.Expect(port).To(gomega.BeEquivalentTo(8080))
}

func TestDump(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yml")
	snapshotPath := filepath.Join(dir, "state.json")
	g.Expect(ioutil.WriteFile(configPath, []byte("snapshotPath: "+snapshotPath+"\nlisteners:\n  - name: ssh\n    kind: tcp\n    port: 22\n"), 0644)).To(gomega.Succeed())

	public := state.NewHTTPProxyState("0.0.0.0", 80)
	g.Expect(state.ApplyAll(public, []command.Command{
		command.AddHTTPFront{Front: command.HTTPFront{AppID: "web", Hostname: "example.org", PathPrefix: "/"}},
		command.AddInstance{Instance: command.Instance{AppID: "web", IPAddress: "10.0.0.1", Port: 80}},
	})).To(gomega.Succeed())
	g.Expect(state.WriteSnapshotFile(snapshotPath, map[string]state.ConfigState{
		"public": public,
		"ssh":    state.TCPState{},
	})).To(gomega.Succeed())

	p := Proxystate{opts: Options{ConfigFile: configPath}}
	var out bytes.Buffer
	g.Expect(p.dump(&out)).To(gomega.Succeed())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	g.Expect(lines).To(gomega.HaveLen(2))
	g.Expect(lines[0]).To(gomega.HavePrefix("public "))
	cmds, err := command.UnmarshalList([]byte(strings.TrimPrefix(lines[0], "public ")))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(cmds).To(gomega.Equal(public.GenerateCommands()))
	g.Expect(lines[1]).To(gomega.HavePrefix("ssh "))
}
