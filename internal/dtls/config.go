package dtls

import "github.com/lanikai/alohartc/internal/logging"

var log = logging.DefaultLogger.WithTag("dtls")

// Config carries the parameters needed to drive a handshake in either role.
type Config struct {
	// Certificate is the local certificate. Both Client and Server require
	// it, but only the server side sends it to the peer: the client never
	// sends a Certificate message and the server never requests one, so the
	// server side has no client certificate to check against
	// RemoteFingerprint.
	Certificate *Certificate

	// RemoteFingerprint, when set, is checked against the peer's
	// certificate once it arrives; a mismatch aborts the handshake. SDP's
	// a=fingerprint attribute is the usual source for this value.
	RemoteFingerprint string

	// SRTPProtectionProfiles restricts the use_srtp extension offer/answer.
	// A nil slice falls back to defaultProtectionProfiles.
	SRTPProtectionProfiles []protectionProfile
}
