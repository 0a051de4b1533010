package signaling

import "github.com/google/uuid"

// NewClientID generates a globally unique client id for this device's
// control-channel connection, used as the "clientId" query parameter in
// DialControlChannel and the correlation id for requests to the control
// plane.
func NewClientID() string {
	return uuid.New().String()
}
