package dtls

import (
	"crypto/aes"
	"crypto/cipher"
)

// protectionProfile identifies an SRTP protection profile negotiated via
// the use_srtp extension [RFC5764 §4.1.2].
type protectionProfile uint16

const (
	protectionProfileAES128CMHMACSHA1_80 protectionProfile = 0x0001
	protectionProfileAES128CMHMACSHA1_32 protectionProfile = 0x0002
)

// defaultProtectionProfiles is the list this client offers, in preference
// order.
var defaultProtectionProfiles = []protectionProfile{protectionProfileAES128CMHMACSHA1_80}

// kdf derives SRTP/SRTCP session keys from an SRTP master key and salt
// using the AES-CM key derivation function of RFC3711 §4.3, the same
// derivation SRTP itself uses for its own key rotation. index and kdr are
// the packet index and key-derivation-rate parameters of that section;
// this client always calls with index 0 and kdr 0, since DTLS-SRTP keying
// material is used directly without a key-derivation-rate rollover.
func kdf(masterKey, masterSalt []byte, index uint, kdr uint, keyLen, saltLen int) (srtpKey, srtpSalt, srtcpKey, srtcpSalt []byte, err error) {
	var r uint64
	if kdr != 0 {
		r = uint64(index) / (1 << kdr)
	}

	if srtpKey, err = deriveSRTPKey(masterKey, masterSalt, r, 0x00, keyLen); err != nil {
		return
	}
	if srtpSalt, err = deriveSRTPKey(masterKey, masterSalt, r, 0x02, saltLen); err != nil {
		return
	}
	if srtcpKey, err = deriveSRTPKey(masterKey, masterSalt, r, 0x03, keyLen); err != nil {
		return
	}
	if srtcpSalt, err = deriveSRTPKey(masterKey, masterSalt, r, 0x05, saltLen); err != nil {
		return
	}
	return
}

// deriveSRTPKey implements the single-label derivation of RFC3711 §4.3.1:
// x = (master_salt XOR (label << 16 || r)) * 2^16, then n bytes of
// AES-CM(master_key) keystream starting at that counter value.
func deriveSRTPKey(masterKey, masterSalt []byte, r uint64, label byte, n int) ([]byte, error) {
	x := append([]byte(nil), masterSalt...)
	for len(x) < 16 {
		x = append(x, 0)
	}

	// XOR in r over the last 8 bytes of the salt, big-endian.
	if r != 0 {
		var rb [8]byte
		for i := 0; i < 8; i++ {
			rb[7-i] = byte(r >> (8 * uint(i)))
		}
		for i := 0; i < 8; i++ {
			x[6+i] ^= rb[i]
		}
	}
	// XOR in the one-byte label just above the r field.
	x[7] ^= label

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	var iv [16]byte
	copy(iv[:], x)
	stream := cipher.NewCTR(block, iv[:])

	key := make([]byte, n)
	stream.XORKeyStream(key, key)
	return key, nil
}
