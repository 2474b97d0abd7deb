package state

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/onsi/gomega"
	"github.com/vsk8s/proxystate/pkg/command"
)

// The certificate text doubles as its fingerprint, which keeps generated
// states cheap while still going through the fingerprint path
func textFingerprint(pemBytes []byte) (command.CertFingerprint, error) {
	return command.CertFingerprint(pemBytes), nil
}

func applyText(t *testing.T, s ConfigState, cmds []command.Command) {
	for _, cmd := range cmds {
		var err error
		if tls, ok := s.(*TLSProxyState); ok {
			err = tls.ApplyWith(cmd, textFingerprint)
		} else {
			err = s.Apply(cmd)
		}
		if err != nil {
			t.Fatalf("apply %#v: %v", cmd, err)
		}
	}
}

// Small pools so that generated states overlap a lot
func randomCommands(r *rand.Rand, kind Kind) []command.Command {
	apps := []string{"app_1", "app_2", "app_3"}
	hosts := []string{"a.example.org", "b.example.org", "lolcatho.st:8080"}
	paths := []string{"/", "/abc", "/api"}
	certs := []string{"cert-a", "cert-b", "cert-c"}
	// Fronts may also reference no certificate at all
	frontCerts := append([]string{""}, certs...)

	var cmds []command.Command
	for n := r.Intn(12); n > 0; n-- {
		app := apps[r.Intn(len(apps))]
		switch r.Intn(3) {
		case 0:
			host, path := hosts[r.Intn(len(hosts))], paths[r.Intn(len(paths))]
			if kind == KindTLS {
				fp := frontCerts[r.Intn(len(frontCerts))]
				cmds = append(cmds, command.AddTLSFront{Front: tlsFront(app, host, path, command.CertFingerprint(fp))})
			} else {
				cmds = append(cmds, command.AddHTTPFront{Front: httpFront(app, host, path)})
			}
		case 1:
			ip := fmt.Sprintf("10.0.0.%d", r.Intn(3))
			cmds = append(cmds, command.AddInstance{Instance: instance(app, ip, uint16(8080+r.Intn(2)))})
		case 2:
			c := certs[r.Intn(len(certs))]
			cmds = append(cmds, command.AddCertificate{Certificate: command.CertificateAndKey{
				Certificate: c,
				Key:         "key-" + c,
			}})
		}
	}
	return cmds
}

func randomState(t *testing.T, r *rand.Rand, kind Kind) ConfigState {
	s, err := New(kind, "0.0.0.0", 443)
	if err != nil {
		t.Fatal(err)
	}
	applyText(t, s, randomCommands(r, kind))
	return s
}

type categoryChanges struct {
	added   []interface{}
	removed []interface{}
}

// split sorts the entities of a diff into added and removed ones. Certificates
// are tracked by fingerprint on both sides.
func split(cmds []command.Command) categoryChanges {
	var c categoryChanges
	for _, cmd := range cmds {
		switch v := cmd.(type) {
		case command.AddHTTPFront:
			c.added = append(c.added, v.Front)
		case command.RemoveHTTPFront:
			c.removed = append(c.removed, v.Front)
		case command.AddTLSFront:
			c.added = append(c.added, v.Front)
		case command.RemoveTLSFront:
			c.removed = append(c.removed, v.Front)
		case command.AddInstance:
			c.added = append(c.added, v.Instance)
		case command.RemoveInstance:
			c.removed = append(c.removed, v.Instance)
		case command.AddCertificate:
			c.added = append(c.added, command.CertFingerprint(v.Certificate.Certificate))
		case command.RemoveCertificate:
			c.removed = append(c.removed, v.Fingerprint)
		}
	}
	return c
}

func TestDiffTransformsState(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, kind := range []Kind{KindHTTP, KindTLS} {
		for i := 0; i < 300; i++ {
			a, b := randomState(t, r, kind), randomState(t, r, kind)
			d := a.Diff(b)

			patched := a.Clone()
			applyText(t, patched, d)
			if !Equivalent(patched, b) {
				t.Fatalf("%s #%d: diff did not converge\ncommands: %#v\n%s", kind, i, d, cmp.Diff(b, patched))
			}
			if again := patched.Diff(b); len(again) != 0 {
				t.Fatalf("%s #%d: converged state still differs: %#v", kind, i, again)
			}
		}
	}
}

func TestDiffIsSymmetric(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	r := rand.New(rand.NewSource(7))
	for _, kind := range []Kind{KindHTTP, KindTLS} {
		for i := 0; i < 200; i++ {
			a, b := randomState(t, r, kind), randomState(t, r, kind)
			forward, backward := split(a.Diff(b)), split(b.Diff(a))
			g.Expect(forward.added).To(gomega.ConsistOf(backward.removed...))
			g.Expect(forward.removed).To(gomega.ConsistOf(backward.added...))
		}
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		a, b := randomState(t, r, KindTLS), randomState(t, r, KindTLS)
		first := a.Diff(b)
		for j := 0; j < 5; j++ {
			g.Expect(a.Diff(b)).To(gomega.Equal(first))
		}
	}
}

func TestDiffBucketsSplitsChangedEntities(t *testing.T) {
	g := gomega.NewGomegaWithT(t)

	mine := map[string][]command.Instance{"app": {instance("app", "10.0.0.1", 80)}}
	theirs := map[string][]command.Instance{"app": {instance("app", "10.0.0.1", 81)}}
	removed, added := diffBuckets(mine, theirs, command.LessInstance)
	g.Expect(removed).To(gomega.Equal([]entry[string, command.Instance]{{Key: "app", Value: instance("app", "10.0.0.1", 80)}}))
	g.Expect(added).To(gomega.Equal([]entry[string, command.Instance]{{Key: "app", Value: instance("app", "10.0.0.1", 81)}}))
}
