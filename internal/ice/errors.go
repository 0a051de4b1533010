package ice

import "golang.org/x/xerrors"

// Typed errors
var (
	errReadTimeout        = xerrors.New("ice: read timeout")
	errSTUNInvalidMessage = xerrors.New("ice: STUN message is malformed")
	errNoCandidates       = xerrors.New("ice: no local candidates could be gathered")
	errConnectTimeout     = xerrors.New("ice: timed out waiting for a connected candidate pair")
	errNotConfigured      = xerrors.New("ice: agent not configured")
)
