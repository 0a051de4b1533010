package dtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Certificate bundles the self-signed ECDSA certificate this client
// presents during the handshake with its private key and the DTLS
// fingerprint string SDP negotiation exchanges out of band.
type Certificate struct {
	Leaf        *x509.Certificate
	DER         []byte
	PrivateKey  *ecdsa.PrivateKey
	Fingerprint string
}

// GenerateSelfSigned creates a fresh ECDSA P-256 self-signed certificate,
// valid for 30 days, suitable for a single DTLS session. WebRTC does not
// use a certificate authority; the peer instead verifies the certificate's
// fingerprint against the one carried in the SDP offer/answer.
func GenerateSelfSigned() (*Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "WebRTC"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(30 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		Leaf:        leaf,
		DER:         der,
		PrivateKey:  priv,
		Fingerprint: fingerprint(der, HashAlgorithmSHA256),
	}, nil
}

// fingerprint renders the certificate fingerprint the way SDP's a=fingerprint
// attribute expects it: colon-separated uppercase hex octets, prefixed with
// the hash algorithm name [RFC8122].
func fingerprint(der []byte, alg HashAlgorithm) string {
	var sum []byte
	switch alg {
	case HashAlgorithmSHA256:
		h := sha256.Sum256(der)
		sum = h[:]
	default:
		h := sha256.Sum256(der)
		sum = h[:]
	}

	hexPairs := make([]string, len(sum))
	for i, b := range sum {
		hexPairs[i] = fmt.Sprintf("%02X", b)
	}
	return "sha-256 " + strings.Join(hexPairs, ":")
}

// Fingerprint recomputes the fingerprint string of a DER-encoded certificate,
// used to verify a remote Certificate handshake message against the value
// carried in the remote SDP description.
func Fingerprint(der []byte, alg HashAlgorithm) string {
	return fingerprint(der, alg)
}
