package signaling

import (
	"time"

	"github.com/tidwall/gjson"
)

// Response field extraction for the external control-plane calls (§6). The
// control plane's wire format is owned by the service, not this module, so
// fields are tokenized with gjson rather than bound to a fixed struct: a
// ControlPlane implementation calls these helpers to fill in a ChannelInfo
// from whatever JSON body its HTTP transport returned.

// ApplyDescribeResponse copies the channel ARN, endpoints (if already
// resolved) and update version out of a describe-channel response body.
func ApplyDescribeResponse(body []byte, info *ChannelInfo) {
	root := gjson.ParseBytes(body)
	if v := root.Get("channelInfo.channelARN"); v.Exists() {
		info.ARN = v.String()
	}
	if v := root.Get("channelInfo.version"); v.Exists() {
		info.UpdateVersion = v.String()
	}
}

// ApplyEndpointResponse copies the per-protocol endpoints out of a
// get-signaling-channel-endpoint response body.
func ApplyEndpointResponse(body []byte, info *ChannelInfo) {
	root := gjson.ParseBytes(body)
	for _, ep := range root.Get("resourceEndpointList").Array() {
		switch ep.Get("protocol").String() {
		case "HTTPS":
			info.HTTPSEndpoint = ep.Get("resourceEndpoint").String()
		case "WSS":
			info.WSSEndpoint = ep.Get("resourceEndpoint").String()
		}
	}
}

// ParseIceServerList extracts the STUN/TURN server list out of a
// get-ice-server-config response body.
func ParseIceServerList(body []byte) []IceServer {
	root := gjson.ParseBytes(body)
	var servers []IceServer
	for _, s := range root.Get("iceServerList").Array() {
		var uris []string
		for _, u := range s.Get("uris").Array() {
			uris = append(uris, u.String())
		}
		ttl := time.Duration(s.Get("ttl").Int()) * time.Second
		servers = append(servers, IceServer{
			URIs:       uris,
			Username:   s.Get("username").String(),
			Credential: s.Get("password").String(),
			TTL:        ttl,
		})
	}
	return servers
}
