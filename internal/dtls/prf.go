package dtls

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

const masterSecretLength = 48

// pHash implements the P_hash function from RFC5246 §5, seeded with
// HMAC-SHA256 (the only PRF hash this cipher suite uses).
func pHash(secret, seed []byte, length int) []byte {
	h := func() hash.Hash { return hmac.New(sha256.New, secret) }

	var result []byte
	a := seed
	for len(result) < length {
		mac := h()
		mac.Write(a)
		a = mac.Sum(nil)

		mac = h()
		mac.Write(a)
		mac.Write(seed)
		result = append(result, mac.Sum(nil)...)
	}
	return result[:length]
}

// prf12 is the label-prefixed TLS 1.2 PRF [RFC5246 §5].
func prf12(secret []byte, label string, seed []byte, length int) []byte {
	return pHash(secret, append([]byte(label), seed...), length)
}

// extendedMasterSecret computes the master secret bound to the full
// handshake transcript hash rather than just the client/server randoms,
// closing the triple-handshake vulnerability the plain master secret has
// [RFC7627 §4].
func extendedMasterSecret(preMasterSecret, sessionHash []byte) []byte {
	return prf12(preMasterSecret, "extended master secret", sessionHash, masterSecretLength)
}

func masterSecretFromRandoms(preMasterSecret []byte, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte(nil), clientRandom...), serverRandom...)
	return prf12(preMasterSecret, "master secret", seed, masterSecretLength)
}

// keyBlock is the key_block of RFC5246 §6.3, split into the four values a
// GenericAEADCipher suite needs (MAC keys are omitted; AEAD carries its own
// authentication).
type keyBlock struct {
	clientWriteKey []byte
	serverWriteKey []byte
	clientWriteIV  []byte
	serverWriteIV  []byte
}

func deriveKeyBlock(masterSecret, clientRandom, serverRandom []byte) keyBlock {
	seed := append(append([]byte(nil), serverRandom...), clientRandom...)
	material := prf12(masterSecret, "key expansion", seed, 2*(aeadKeyLength+aeadImplicitIVLength))

	var kb keyBlock
	offset := 0
	kb.clientWriteKey = material[offset : offset+aeadKeyLength]
	offset += aeadKeyLength
	kb.serverWriteKey = material[offset : offset+aeadKeyLength]
	offset += aeadKeyLength
	kb.clientWriteIV = material[offset : offset+aeadImplicitIVLength]
	offset += aeadImplicitIVLength
	kb.serverWriteIV = material[offset : offset+aeadImplicitIVLength]
	return kb
}

// exportKeyingMaterial implements the RFC5705 exporter using the PRF,
// seeded with the label plus both handshake randoms (and an optional
// caller-provided context). This is how SRTP keying material is pulled out
// of a completed DTLS handshake [RFC5764 §4.2].
func exportKeyingMaterial(masterSecret []byte, label string, context, clientRandom, serverRandom []byte, length int) []byte {
	seed := append(append([]byte(nil), clientRandom...), serverRandom...)
	seed = append(seed, context...)
	return prf12(masterSecret, label, seed, length)
}
