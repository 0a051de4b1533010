package signaling

import "golang.org/x/xerrors"

// Typed errors returned by the signaling state machine (§7).
var (
	ErrInvalidReadyState   = xerrors.New("signaling: operation invalid in current state")
	ErrGetTokenCallFailed  = xerrors.New("signaling: get-credentials call failed")
	ErrDescribeCallFailed  = xerrors.New("signaling: describe call failed")
	ErrCreateCallFailed    = xerrors.New("signaling: create call failed")
	ErrGetEndpointFailed   = xerrors.New("signaling: get-endpoint call failed")
	ErrGetIceConfigFailed  = xerrors.New("signaling: get-ice-config call failed")
	ErrConnectCallFailed   = xerrors.New("signaling: connect call failed")
	ErrDeleteCallFailed    = xerrors.New("signaling: delete call failed")
	ErrOperationTimedOut   = xerrors.New("signaling: operation timed out")
)
