package dtls

import "golang.org/x/xerrors"

var (
	errBufferTooSmall       = xerrors.New("dtls: buffer too small")
	errInvalidCipherSuite   = xerrors.New("dtls: no mutually supported cipher suite")
	errUnexpectedMessage    = xerrors.New("dtls: unexpected handshake message")
	errFingerprintMismatch  = xerrors.New("dtls: peer certificate fingerprint does not match SDP")
	errVerifyDataMismatch   = xerrors.New("dtls: Finished verify_data mismatch")
	errNoCertificate        = xerrors.New("dtls: no certificate configured")
	errClosed               = xerrors.New("dtls: connection closed")
	errKeyingMaterialLength = xerrors.New("dtls: invalid keying material length")
)
