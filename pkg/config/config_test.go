package config

import (
	"io/ioutil"
	"path"
	"strings"
	"testing"

	"github.com/onsi/gomega"
	"github.com/vsk8s/proxystate/internal/certtest"
	"github.com/vsk8s/proxystate/pkg/command"
	"github.com/vsk8s/proxystate/pkg/state"
)

func writeFile(t *testing.T, dir string, name string, content string) string {
	file := path.Join(dir, name)
	err := ioutil.WriteFile(file, []byte(content), 0644)
	if err != nil {
		t.Fatal(err)
	}
	return file
}

func TestInvalidConfigParse(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	cases := map[string]string{
		"Cluster: kubeconfig missing": `
listeners:
  - name: public
    kind: http
clusters:
  - name: testcluster
    listener: public
`,
		"Listener list missing": `
snapshotPath: /tmp/state.json
`,
		"unknown proxy kind": `
listeners:
  - name: public
    kind: udp
`,
		"duplicate name": `
listeners:
  - name: public
    kind: http
  - name: public
    kind: tcp
    port: 22
`,
		"unknown listener": `
listeners:
  - name: public
    kind: http
clusters:
  - name: testcluster
    kubeconfig: /etc/kubernetes/kubeconfig.yml
    listener: private
`,
		"unknown certificate": `
listeners:
  - name: secure
    kind: tls
    fronts:
      - app: web
        hostname: example.org
        certificate: nope
`,
		"certificates need a tls listener": `
listeners:
  - name: public
    kind: http
    certificates:
      - name: web
        cert: /a.pem
        key: /b.pem
`,
		"certificate missing": `
listeners:
  - name: secure
    kind: tls
clusters:
  - name: testcluster
    kubeconfig: /etc/kubernetes/kubeconfig.yml
    listener: secure
`,
		"invalid instance ip": `
listeners:
  - name: public
    kind: http
    instances:
      - app: web
        ip: not-an-ip
        port: 80
`,
		"field unknown not found": `
listeners:
  - name: public
    kind: http
    unknown: true
`,
	}
	for expected, doc := range cases {
		_, err := Parse([]byte(doc))
		g.Expect(err).To(gomega.HaveOccurred(), expected)
		g.Expect(err.Error()).To(gomega.ContainSubstring(expected))
	}
}

func TestDefaultConfigParse(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	configStr := `
listeners:
  - name: public
    kind: http
    fronts:
      - app: web
        hostname: example.org
  - name: secure
    kind: tls
  - name: ssh
    kind: tcp
    port: 22
clusters:
  - name: testcluster
    kubeconfig: /etc/kubernetes/kubeconfig.yml
    listener: public
`
	file := writeFile(t, t.TempDir(), "config.yml", configStr)

	uut, err := FromFile(file)
	if err != nil {
		t.Error(err)
		return
	}

	g.Expect(uut.SnapshotPath).To(gomega.Equal("/var/lib/proxystate/state.json"))
	g.Expect(uut.HAProxy.DropinPath).To(gomega.Equal("/etc/haproxy/conf.d/proxystate.cfg"))
	g.Expect(uut.HAProxy.CertDir).To(gomega.Equal("/etc/haproxy/certs"))
	g.Expect(uut.HAProxy.ReloadCommand).To(gomega.BeEmpty())

	g.Expect(len(uut.Listeners)).To(gomega.BeIdenticalTo(3), "There should be 3 listeners.")
	g.Expect(uut.Listeners[0].IP).To(gomega.Equal("0.0.0.0"))
	g.Expect(uut.Listeners[0].Port).To(gomega.BeEquivalentTo(80))
	g.Expect(uut.Listeners[0].Fronts[0].Path).To(gomega.Equal("/"))
	g.Expect(uut.Listeners[1].Port).To(gomega.BeEquivalentTo(443))
	g.Expect(uut.Listeners[2].Port).To(gomega.BeEquivalentTo(22))

	g.Expect(len(uut.Clusters)).To(gomega.BeIdenticalTo(1), "There should be 1 cluster.")
	g.Expect(uut.Clusters[0].IngressNamespace).To(gomega.BeIdenticalTo("ingress-nginx"))
	g.Expect(uut.Clusters[0].IngressAppName).To(gomega.BeIdenticalTo("ingress-nginx"))
	g.Expect(uut.Clusters[0].IngressPort).To(gomega.BeEquivalentTo(80))

	listener, ok := uut.Listener("ssh")
	g.Expect(ok).To(gomega.BeTrue())
	g.Expect(listener.Kind).To(gomega.Equal(state.KindTCP))
	_, ok = uut.Listener("nope")
	g.Expect(ok).To(gomega.BeFalse())
}

func TestExplicitValuesWinOverDefaults(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	uut, err := Parse([]byte(`
snapshotPath: /srv/state.json
haproxy:
  certDir: /srv/certs
  reloadCommand: [systemctl, reload, haproxy]
listeners:
  - name: public
    kind: http
    ip: 10.0.0.1
    port: 8080
`))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(uut.SnapshotPath).To(gomega.Equal("/srv/state.json"))
	g.Expect(uut.HAProxy.CertDir).To(gomega.Equal("/srv/certs"))
	g.Expect(uut.HAProxy.DropinPath).To(gomega.Equal("/etc/haproxy/conf.d/proxystate.cfg"))
	g.Expect(uut.HAProxy.ReloadCommand).To(gomega.Equal([]string{"systemctl", "reload", "haproxy"}))
	g.Expect(uut.Listeners[0].IP).To(gomega.Equal("10.0.0.1"))
	g.Expect(uut.Listeners[0].Port).To(gomega.BeEquivalentTo(8080))
}

func TestMissingFile(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	_, err := FromFile(path.Join(t.TempDir(), "missing.yml"))
	g.Expect(err).To(gomega.HaveOccurred())
	g.Expect(err.Error()).To(gomega.HavePrefix("file read failed"))
}

// Write a tls config with one certificate on disk
func tlsConfig(t *testing.T) (*Config, command.CertificateAndKey) {
	dir := t.TempDir()
	cert := certtest.SelfSigned(t, "example.org")
	certFile := writeFile(t, dir, "cert.pem", cert.Certificate)
	chainFile := writeFile(t, dir, "chain.pem", cert.CertificateChain)
	keyFile := writeFile(t, dir, "key.pem", cert.Key)

	doc := strings.NewReplacer("CERT", certFile, "CHAIN", chainFile, "KEY", keyFile).Replace(`
listeners:
  - name: secure
    kind: tls
    certificates:
      - name: web
        cert: CERT
        chain: CHAIN
        key: KEY
    fronts:
      - app: static
        hostname: static.example.org
        path: /assets
        certificate: web
    instances:
      - app: static
        ip: 10.0.0.10
        port: 8443
clusters:
  - name: prod
    kubeconfig: /etc/kubernetes/prod.yml
    listener: secure
    certificate: web
    ingressPort: 443
`)
	uut, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	return uut, cert
}

func TestListenerCommands(t *testing.T) {
	g := gomega.NewGomegaWithT(t)
	uut, cert := tlsConfig(t)
	fp, err := state.SHA256Fingerprint([]byte(cert.Certificate))
	g.Expect(err).NotTo(gomega.HaveOccurred())

	cmds, err := uut.Listeners[0].Commands(state.SHA256Fingerprint)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(cmds).To(gomega.Equal([]command.Command{
		command.AddCertificate{Certificate: cert},
		command.AddTLSFront{Front: command.TLSFront{
			AppID: "static", Hostname: "static.example.org", PathPrefix: "/assets", Fingerprint: fp,
		}},
		command.AddInstance{Instance: command.Instance{AppID: "static", IPAddress: "10.0.0.10", Port: 8443}},
	}))
}

func TestListenerCommandsUnreadableCertificate(t *testing.T) {
	g := gomega.NewGomegaWithT(t)
	uut, _ := tlsConfig(t)
	uut.Listeners[0].Certificates[0].Key = path.Join(t.TempDir(), "gone.pem")

	_, err := uut.Listeners[0].Commands(state.SHA256Fingerprint)
	g.Expect(err).To(gomega.HaveOccurred())
	g.Expect(err.Error()).To(gomega.ContainSubstring("certificate web"))
}

func TestDesired(t *testing.T) {
	g := gomega.NewGomegaWithT(t)
	uut, cert := tlsConfig(t)
	fp, _ := state.SHA256Fingerprint([]byte(cert.Certificate))

	clusters := map[string]state.ClusterState{
		"prod": {
			Name:     "prod",
			Listener: "secure",
			Fronts: []command.HTTPFront{
				{AppID: "prod", Hostname: "shop.example.org", PathPrefix: "/"},
			},
			Instances: []command.Instance{
				{AppID: "prod", IPAddress: "192.168.1.5", Port: 443},
			},
		},
		// Not configured, ignored
		"stale": {Name: "stale", Listener: "secure"},
	}
	desired, err := uut.Desired(clusters, state.SHA256Fingerprint)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(desired).To(gomega.HaveLen(1))

	s, ok := desired["secure"].(*state.TLSProxyState)
	g.Expect(ok).To(gomega.BeTrue())
	g.Expect(s.IPAddress).To(gomega.Equal("0.0.0.0"))
	g.Expect(s.Port).To(gomega.BeEquivalentTo(443))
	g.Expect(s.Certificates).To(gomega.HaveKeyWithValue(fp, cert))
	g.Expect(s.Fronts["prod"]).To(gomega.Equal([]command.TLSFront{
		{AppID: "prod", Hostname: "shop.example.org", PathPrefix: "/", Fingerprint: fp},
	}))
	g.Expect(s.Instances["prod"]).To(gomega.HaveLen(1))
	g.Expect(s.Instances["static"]).To(gomega.HaveLen(1))

	// Without cluster state only the static routing is left
	desired, err = uut.Desired(nil, state.SHA256Fingerprint)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	s = desired["secure"].(*state.TLSProxyState)
	g.Expect(s.Fronts).NotTo(gomega.HaveKey("prod"))
	g.Expect(s.Fronts).To(gomega.HaveKey("static"))
}

func TestDesiredWithCustomFingerprint(t *testing.T) {
	g := gomega.NewGomegaWithT(t)
	uut, cert := tlsConfig(t)
	custom := func([]byte) (command.CertFingerprint, error) { return "custom", nil }

	clusters := map[string]state.ClusterState{
		"prod": {
			Name:     "prod",
			Listener: "secure",
			Fronts: []command.HTTPFront{
				{AppID: "prod", Hostname: "shop.example.org", PathPrefix: "/"},
			},
		},
	}
	desired, err := uut.Desired(clusters, custom)
	g.Expect(err).NotTo(gomega.HaveOccurred())

	s := desired["secure"].(*state.TLSProxyState)
	g.Expect(s.Certificates).To(gomega.Equal(map[command.CertFingerprint]command.CertificateAndKey{"custom": cert}))
	for _, f := range append(s.Fronts["prod"], s.Fronts["static"]...) {
		g.Expect(f.Fingerprint).To(gomega.BeEquivalentTo("custom"))
	}
	g.Expect(s.Fronts["prod"]).To(gomega.HaveLen(1))
}
