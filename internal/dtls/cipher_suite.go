package dtls

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// The AES-GCM nonce used by TLS is a 4-byte implicit write IV
// (aeadImplicitIVLength) concatenated with an 8-byte explicit per-record
// nonce (gcmNonceExplicitLength) [RFC5288 §3].
const (
	gcmNonceExplicitLength = 8
	gcmTagLength           = 16
	aeadKeyLength          = 16 // AES-128
	aeadImplicitIVLength   = 4
)

// gcmContext wraps a cipher.AEAD configured for the single cipher suite this
// package negotiates, TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256.
type gcmContext struct {
	aead       cipher.AEAD
	implicitIV [aeadImplicitIVLength]byte
}

func newGCMContext(key, iv []byte) (*gcmContext, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	g := &gcmContext{aead: aead}
	copy(g.implicitIV[:], iv)
	return g, nil
}

// seal encrypts plaintext, returning the 8-byte explicit nonce followed by
// ciphertext||tag, using the DTLS 16-bit epoch and 48-bit sequence number as the
// explicit half of the AEAD nonce so successive records never repeat one.
func (g *gcmContext) seal(epoch uint16, seq uint64, plaintext, additionalData []byte) []byte {
	explicitNonce := make([]byte, gcmNonceExplicitLength)
	binary.BigEndian.PutUint16(explicitNonce[0:2], epoch)
	putUint48(explicitNonce[2:8], seq)

	nonce := append(append([]byte(nil), g.implicitIV[:]...), explicitNonce...)
	sealed := g.aead.Seal(nil, nonce, plaintext, additionalData)
	return append(explicitNonce, sealed...)
}

func (g *gcmContext) open(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceExplicitLength {
		return nil, errBufferTooSmall
	}
	explicitNonce := ciphertext[:gcmNonceExplicitLength]
	nonce := append(append([]byte(nil), g.implicitIV[:]...), explicitNonce...)
	return g.aead.Open(nil, nonce, ciphertext[gcmNonceExplicitLength:], additionalData)
}
