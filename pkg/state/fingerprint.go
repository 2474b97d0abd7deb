package state

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"

	"github.com/pkg/errors"
	"github.com/vsk8s/proxystate/pkg/command"
)

// ErrInvalidCertificate is the cause of every fingerprint failure
var ErrInvalidCertificate = errors.New("invalid certificate")

// Fingerprinter derives the storage key of a certificate from its PEM text
type Fingerprinter func(pemBytes []byte) (command.CertFingerprint, error)

// SHA256Fingerprint hashes the DER bytes of the first CERTIFICATE block
func SHA256Fingerprint(pemBytes []byte) (command.CertFingerprint, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return "", errors.Wrap(ErrInvalidCertificate, "no CERTIFICATE block found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return "", errors.Wrap(ErrInvalidCertificate, err.Error())
		}
		sum := sha256.Sum256(cert.Raw)
		return command.CertFingerprint(hex.EncodeToString(sum[:])), nil
	}
}
