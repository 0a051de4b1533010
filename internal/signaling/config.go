package signaling

import (
	"encoding/json"
	"io/ioutil"
)

type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// Config holds the on-disk identity of an IoT-certificate-backed device:
// the pieces an external CredentialProvider (§9: "Polymorphic credential
// providers" — this module only consumes the CredentialProvider interface,
// not a concrete IoT implementation) would exchange for short-lived
// Credentials.
type Config struct {
	// The ARN of the certificate.
	CertificateArn string `json:"certificateArn"`

	// The ID of the certificate. AWS IoT issues a default subject name for the
	// certificate (e.g., AWS IoT Certificate).
	CertificateID string `json:"certificateID"`

	// Service endpoint issued by IOT
	ServiceEndpoint string `json:"serviceEndpoint"`

	// DeviceId (like SN)
	DeviceId string `json:"deviceId"`

	// The owner of this device
	Owner string `json:"owner"`

	// Account + stage ID combined
	AccountStageId string `json:"accountStageId"`

	// The certificate data, in PEM format.
	CertificatePem string `json:"certificatePem"`

	// The stage that the Signaling Service is using
	Stage string `json:"stage"`

	// The generated key pair.
	KeyPair *KeyPair `json:"keyPair"`

	// Debug flag
	Debug bool `json:"debug"`
}

// LoadConfig loads the device's IoT identity from a file.
func LoadConfig(filePath string) (*Config, error) {
	tc := &Config{}

	d, err := ioutil.ReadFile(filePath)
	if err != nil {
		return tc, err
	}

	return tc, json.Unmarshal(d, &tc)
}
