// Package dtls implements just enough of DTLS 1.2 [RFC6347] to secure a
// single WebRTC peer connection: ECDHE key exchange over a self-signed
// ECDSA certificate, AES-128-GCM record protection, and the use_srtp
// extension [RFC5764] that exports SRTP keying material once the handshake
// completes. It speaks one cipher suite and one curve; there is no cipher
// suite negotiation beyond offering and accepting that single choice, and
// no session resumption.
package dtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"io"
	"math/big"
	"net"
	"sync"
	"time"
)

// Conn is a DTLS-secured connection layered over a net.Conn (typically an
// ICE/mux endpoint that already demultiplexes DTLS from STUN and SRTP on
// the same 5-tuple).
type Conn struct {
	conn   net.Conn
	config *Config
	client bool // true if this side sent the ClientHello

	state handshakeState

	readEpoch, writeEpoch     uint16
	readSequence, writeSeq    uint64
	readCipher, writeCipher   *gcmContext

	remoteCertificate []byte

	masterSecret               []byte
	clientRandom, serverRandom []byte

	mu     sync.Mutex
	closed bool
}

type handshakeState struct {
	messageSeq uint16
	transcript []byte // concatenation of all handshake message bytes (header + body), for the Finished PRF and extended master secret

	localECDHPrivateKey []byte
	localECDHPublicKey  []byte

	negotiatedSRTPProfile protectionProfile
}

// Client performs the client side of a DTLS handshake over conn and returns
// the secured connection once it completes.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	c := newConn(conn, config, true)
	if err := c.handshakeClient(); err != nil {
		return nil, err
	}
	return c, nil
}

// Server performs the server side of a DTLS handshake over conn and returns
// the secured connection once it completes.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	c := newConn(conn, config, false)
	if err := c.handshakeServer(); err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(conn net.Conn, config *Config, client bool) *Conn {
	return &Conn{
		conn:   conn,
		config: config,
		client: client,
	}
}

// --- record I/O -------------------------------------------------------

func (c *Conn) readRecord() (contentType, []byte, error) {
	header := make([]byte, recordLayerHeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	var h recordLayerHeader
	if err := h.Unmarshal(header); err != nil {
		return 0, nil, err
	}
	body := make([]byte, h.contentLen)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return 0, nil, err
	}

	protected := c.readCipher != nil && h.epoch > 0 &&
		(h.contentType == contentTypeApplicationData || h.contentType == contentTypeHandshake)
	if protected {
		// additionalData mirrors TLS1.2's AEAD AAD [RFC5246 §6.2.3.3]: the
		// header fields with the plaintext length rather than the
		// on-the-wire ciphertext length, since that's what was
		// authenticated at seal time.
		plain, err := c.readCipher.open(body, aadHeader(h, uint16(len(body)-gcmNonceExplicitLength-gcmTagLength)))
		if err != nil {
			return 0, nil, err
		}
		return h.contentType, plain, nil
	}
	return h.contentType, body, nil
}

func aadHeader(h recordLayerHeader, plaintextLen uint16) []byte {
	aad := h
	aad.contentLen = plaintextLen
	return aad.Marshal()
}

func (c *Conn) writeRecord(ct contentType, payload []byte) error {
	h := recordLayerHeader{
		contentType: ct,
		version:     protocolVersion1_2,
		epoch:       c.writeEpoch,
	}
	h.sequenceNumber = c.writeSeq
	c.writeSeq++

	var body []byte
	if c.writeCipher != nil && c.writeEpoch > 0 {
		aad := aadHeader(h, uint16(len(payload)))
		sealed := c.writeCipher.seal(h.epoch, h.sequenceNumber, payload, aad)
		h.contentLen = uint16(len(sealed))
		body = sealed
	} else {
		h.contentLen = uint16(len(payload))
		body = payload
	}

	out := append(h.Marshal(), body...)
	_, err := c.conn.Write(out)
	return err
}

func (c *Conn) sendHandshake(m handshakeMessage) ([]byte, error) {
	seq := c.state.messageSeq
	c.state.messageSeq++
	raw, err := marshalHandshake(m, seq)
	if err != nil {
		return nil, err
	}
	c.state.transcript = append(c.state.transcript, raw...)
	return raw, c.writeRecord(contentTypeHandshake, raw)
}

func (c *Conn) recvHandshake() (handshakeMessage, error) {
	ct, body, err := c.readRecord()
	if err != nil {
		return nil, err
	}
	if ct != contentTypeHandshake {
		return nil, errUnexpectedMessage
	}
	_, m, err := unmarshalHandshake(body)
	if err != nil {
		return nil, err
	}
	c.state.transcript = append(c.state.transcript, body...)
	return m, nil
}

// --- ECDHE --------------------------------------------------------------

func (c *Conn) generateECDHKeyPair() error {
	priv, x, y, err := elliptic.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	c.state.localECDHPrivateKey = priv
	c.state.localECDHPublicKey = elliptic.Marshal(elliptic.P256(), x, y)
	return nil
}

func (c *Conn) ecdhSharedSecret(peerPublicKey []byte) ([]byte, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, peerPublicKey)
	if x == nil {
		return nil, errUnexpectedMessage
	}
	sx, _ := curve.ScalarMult(x, y, c.state.localECDHPrivateKey)
	return sx.Bytes(), nil
}

// --- ECDSA sign/verify over the ServerKeyExchange params ----------------

func (c *Conn) signServerParams(params []byte) ([]byte, error) {
	h := sha256.Sum256(params)
	return ecdsaSign(c.config.Certificate.PrivateKey, h[:])
}

func ecdsaSign(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	type ecdsaSignature struct{ R, S *big.Int }
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(ecdsaSignature{r, s})
}

func ecdsaVerify(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	type ecdsaSignature struct{ R, S *big.Int }
	var s ecdsaSignature
	if _, err := asn1.Unmarshal(sig, &s); err != nil {
		return false
	}
	return ecdsa.Verify(pub, digest, s.R, s.S)
}

func serverParams(clientRandom, serverRandom []byte, curve uint16, publicKey []byte) []byte {
	b := append([]byte(nil), clientRandom...)
	b = append(b, serverRandom...)
	b = append(b, 3, byte(curve>>8), byte(curve))
	b = append(b, byte(len(publicKey)))
	b = append(b, publicKey...)
	return b
}

// --- handshake flights ----------------------------------------------------

func (c *Conn) clientHelloExtensions() []extension {
	profiles := c.config.SRTPProtectionProfiles
	if profiles == nil {
		profiles = defaultProtectionProfiles
	}
	return []extension{
		&extensionUseSRTP{protectionProfiles: profiles},
		&extensionSupportedEllipticCurves{curves: []uint16{namedCurveP256}},
		&extensionSupportedPointFormats{formats: []byte{ecPointFormatUncompressed}},
		&extensionSupportedSignatureAlgorithms{signatureHashAlgorithms: []signatureHashAlgorithm{
			{hash: HashAlgorithmSHA256, signature: signatureAlgorithmECDSA},
		}},
		&extensionExtendedMasterSecret{},
	}
}

func (c *Conn) handshakeClient() error {
	if c.config.Certificate == nil {
		return errNoCertificate
	}

	clientRandom := newRandom()
	c.clientRandom = clientRandom.Marshal()

	hello := &handshakeMessageClientHello{
		version:            protocolVersion1_2,
		random:             clientRandom,
		cipherSuites:       []cipherSuiteID{cipherSuiteTLSECDHEECDSAWithAES128GCMSHA256},
		compressionMethods: []byte{compressionMethodNull},
		extensions:         c.clientHelloExtensions(),
	}
	if _, err := c.sendHandshake(hello); err != nil {
		return err
	}

	sh, err := c.recvHandshake()
	if err != nil {
		return err
	}
	serverHello, ok := sh.(*handshakeMessageServerHello)
	if !ok {
		return errUnexpectedMessage
	}
	if serverHello.cipherSuite != cipherSuiteTLSECDHEECDSAWithAES128GCMSHA256 {
		return errInvalidCipherSuite
	}
	c.serverRandom = serverHello.random.Marshal()
	if useSRTP, ok := findExtension(serverHello.extensions, extensionTypeUseSRTP); ok {
		if e, ok := useSRTP.(*extensionUseSRTP); ok && len(e.protectionProfiles) > 0 {
			c.state.negotiatedSRTPProfile = e.protectionProfiles[0]
		}
	}

	certMsg, err := c.recvHandshake()
	if err != nil {
		return err
	}
	cert, ok := certMsg.(*handshakeMessageCertificate)
	if !ok || len(cert.certificate) == 0 {
		return errUnexpectedMessage
	}
	c.remoteCertificate = cert.certificate[0]
	if err := c.verifyRemoteCertificate(); err != nil {
		return err
	}
	remoteLeaf, err := x509.ParseCertificate(c.remoteCertificate)
	if err != nil {
		return err
	}
	remotePub, ok := remoteLeaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errUnexpectedMessage
	}

	skeMsg, err := c.recvHandshake()
	if err != nil {
		return err
	}
	ske, ok := skeMsg.(*handshakeMessageServerKeyExchange)
	if !ok {
		return errUnexpectedMessage
	}
	params := serverParams(c.clientRandom, c.serverRandom, ske.curve, ske.publicKey)
	digest := sha256.Sum256(params)
	if !ecdsaVerify(remotePub, digest[:], ske.signatureBytes) {
		return errUnexpectedMessage
	}

	if _, err := c.recvHandshake(); err != nil { // ServerHelloDone
		return err
	}

	if err := c.generateECDHKeyPair(); err != nil {
		return err
	}
	cke := &handshakeMessageClientKeyExchange{publicKey: c.state.localECDHPublicKey}
	if _, err := c.sendHandshake(cke); err != nil {
		return err
	}

	preMasterSecret, err := c.ecdhSharedSecret(ske.publicKey)
	if err != nil {
		return err
	}
	if err := c.deriveMasterSecret(preMasterSecret); err != nil {
		return err
	}

	if err := c.writeRecord(contentTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	c.writeEpoch++
	c.writeSeq = 0
	if err := c.installCipher(); err != nil {
		return err
	}

	finished := &handshakeMessageFinished{verifyData: c.verifyData("client finished")}
	if _, err := c.sendHandshake(finished); err != nil {
		return err
	}

	if err := c.expectChangeCipherSpec(); err != nil {
		return err
	}
	serverFinished, err := c.recvHandshake()
	if err != nil {
		return err
	}
	sf, ok := serverFinished.(*handshakeMessageFinished)
	if !ok {
		return errUnexpectedMessage
	}
	expected := c.verifyData("server finished")
	if !constantTimeEqual(sf.verifyData, expected) {
		return errVerifyDataMismatch
	}
	return nil
}

func (c *Conn) handshakeServer() error {
	if c.config.Certificate == nil {
		return errNoCertificate
	}

	chMsg, err := c.recvHandshake()
	if err != nil {
		return err
	}
	ch, ok := chMsg.(*handshakeMessageClientHello)
	if !ok {
		return errUnexpectedMessage
	}
	c.clientRandom = ch.random.Marshal()
	if sa, ok := findExtension(ch.extensions, extensionTypeUseSRTP); ok {
		if e, ok := sa.(*extensionUseSRTP); ok && len(e.protectionProfiles) > 0 {
			c.state.negotiatedSRTPProfile = e.protectionProfiles[0]
		}
	}
	if c.state.negotiatedSRTPProfile == 0 {
		c.state.negotiatedSRTPProfile = defaultProtectionProfiles[0]
	}

	serverRandom := newRandom()
	c.serverRandom = serverRandom.Marshal()
	sh := &handshakeMessageServerHello{
		version:           protocolVersion1_2,
		random:            serverRandom,
		cipherSuite:       cipherSuiteTLSECDHEECDSAWithAES128GCMSHA256,
		compressionMethod: compressionMethodNull,
		extensions: []extension{
			&extensionUseSRTP{protectionProfiles: []protectionProfile{c.state.negotiatedSRTPProfile}},
			&extensionExtendedMasterSecret{},
		},
	}
	if _, err := c.sendHandshake(sh); err != nil {
		return err
	}

	certMsg := &handshakeMessageCertificate{certificate: [][]byte{c.config.Certificate.DER}}
	if _, err := c.sendHandshake(certMsg); err != nil {
		return err
	}

	if err := c.generateECDHKeyPair(); err != nil {
		return err
	}
	params := serverParams(c.clientRandom, c.serverRandom, namedCurveP256, c.state.localECDHPublicKey)
	sig, err := c.signServerParams(params)
	if err != nil {
		return err
	}
	ske := &handshakeMessageServerKeyExchange{
		curve:          namedCurveP256,
		publicKey:      c.state.localECDHPublicKey,
		hashAlgorithm:  HashAlgorithmSHA256,
		signature:      signatureAlgorithmECDSA,
		signatureBytes: sig,
	}
	if _, err := c.sendHandshake(ske); err != nil {
		return err
	}

	if _, err := c.sendHandshake(&handshakeMessageServerHelloDone{}); err != nil {
		return err
	}

	ckeMsg, err := c.recvHandshake()
	if err != nil {
		return err
	}
	cke, ok := ckeMsg.(*handshakeMessageClientKeyExchange)
	if !ok {
		return errUnexpectedMessage
	}

	preMasterSecret, err := c.ecdhSharedSecret(cke.publicKey)
	if err != nil {
		return err
	}
	if err := c.deriveMasterSecret(preMasterSecret); err != nil {
		return err
	}

	if err := c.expectChangeCipherSpec(); err != nil {
		return err
	}
	c.readEpoch++
	c.readSequence = 0
	if err := c.installCipher(); err != nil {
		return err
	}

	clientFinished, err := c.recvHandshake()
	if err != nil {
		return err
	}
	cf, ok := clientFinished.(*handshakeMessageFinished)
	if !ok {
		return errUnexpectedMessage
	}
	if !constantTimeEqual(cf.verifyData, c.verifyData("client finished")) {
		return errVerifyDataMismatch
	}

	if _, err := c.recvClientCertificateOrSkip(); err != nil {
		return err
	}

	if err := c.writeRecord(contentTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	c.writeEpoch++
	c.writeSeq = 0

	finished := &handshakeMessageFinished{verifyData: c.verifyData("server finished")}
	if _, err := c.sendHandshake(finished); err != nil {
		return err
	}
	return nil
}

// recvClientCertificateOrSkip is a no-op placeholder: this client never
// requests client certificates (WebRTC authenticates peers via the SDP
// fingerprint, not a CertificateRequest/CertificateVerify exchange), so the
// server flight never sends one and there is nothing to read here.
func (c *Conn) recvClientCertificateOrSkip() (handshakeMessage, error) {
	return nil, nil
}

func (c *Conn) expectChangeCipherSpec() error {
	ct, _, err := c.readRecord()
	if err != nil {
		return err
	}
	if ct != contentTypeChangeCipherSpec {
		return errUnexpectedMessage
	}
	return nil
}

func (c *Conn) verifyRemoteCertificate() error {
	if c.config.RemoteFingerprint == "" {
		return nil
	}
	got := Fingerprint(c.remoteCertificate, HashAlgorithmSHA256)
	if got != c.config.RemoteFingerprint {
		return errFingerprintMismatch
	}
	return nil
}

func (c *Conn) deriveMasterSecret(preMasterSecret []byte) error {
	sessionHash := sha256.Sum256(c.state.transcript)
	c.masterSecret = extendedMasterSecret(preMasterSecret, sessionHash[:])
	return nil
}

func (c *Conn) verifyData(label string) []byte {
	h := sha256.Sum256(c.state.transcript)
	return prf12(c.masterSecret, label, h[:], 12)
}

func (c *Conn) installCipher() error {
	kb := deriveKeyBlock(c.masterSecret, c.clientRandom, c.serverRandom)
	var rerr, werr error
	if c.client {
		readCipher, err := newGCMContext(kb.serverWriteKey, kb.serverWriteIV)
		rerr = err
		c.readCipher = readCipher
		writeCipher, err := newGCMContext(kb.clientWriteKey, kb.clientWriteIV)
		werr = err
		c.writeCipher = writeCipher
	} else {
		readCipher, err := newGCMContext(kb.clientWriteKey, kb.clientWriteIV)
		rerr = err
		c.readCipher = readCipher
		writeCipher, err := newGCMContext(kb.serverWriteKey, kb.serverWriteIV)
		werr = err
		c.writeCipher = writeCipher
	}
	if rerr != nil {
		return rerr
	}
	return werr
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func findExtension(exts []extension, t extensionType) (extension, bool) {
	for _, e := range exts {
		if e.extensionType() == t {
			return e, true
		}
	}
	return nil, false
}

// --- post-handshake I/O ---------------------------------------------------

// Read returns decrypted application data.
func (c *Conn) Read(b []byte) (int, error) {
	ct, plain, err := c.readRecord()
	if err != nil {
		return 0, err
	}
	if ct != contentTypeApplicationData {
		return 0, errUnexpectedMessage
	}
	return copy(b, plain), nil
}

// Write encrypts and sends application data.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.writeRecord(contentTypeApplicationData, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// RemoteCertificate returns the DER-encoded certificate the peer presented,
// for callers that want to double check its fingerprint themselves.
func (c *Conn) RemoteCertificate() []byte {
	return c.remoteCertificate
}

// ExportKeyingMaterial derives length bytes of keying material from the
// completed handshake, per RFC5705. WebRTC uses this with label
// "EXTRACTOR-dtls_srtp" to derive the SRTP master keys and salts
// [RFC5764 §4.2].
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if c.masterSecret == nil {
		return nil, errClosed
	}
	return exportKeyingMaterial(c.masterSecret, label, context, c.clientRandom, c.serverRandom, length), nil
}

// NegotiatedSRTPProtectionProfile returns the use_srtp profile this
// handshake settled on.
func (c *Conn) NegotiatedSRTPProtectionProfile() protectionProfile {
	return c.state.negotiatedSRTPProfile
}
