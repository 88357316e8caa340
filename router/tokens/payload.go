package tokens

import (
	"strings"
	"time"

	"github.com/opentuwa/mediagate/system"
)

// ResourceType is the namespace a tunneled file lives in.
type ResourceType string

const (
	ResourceAudio ResourceType = "audio"
	ResourceImage ResourceType = "image"
	ResourceData  ResourceType = "data"
)

// ResourceTypes lists every type a token may be issued for.
var ResourceTypes = []ResourceType{ResourceAudio, ResourceImage, ResourceData}

// ParseResourceType normalizes the case of the given value and returns the
// matching resource type. The second return value is false for unknown types.
func ParseResourceType(v string) (ResourceType, bool) {
	t := ResourceType(strings.ToLower(v))
	for _, rt := range ResourceTypes {
		if rt == t {
			return t, true
		}
	}
	return "", false
}

// UAHashLength is the number of hex characters of the SHA-256 user agent digest
// that are bound into a token.
const UAHashLength = 8

// Requester identifies the client a token is issued to, and the client that
// is presenting it when it is verified.
type Requester struct {
	IP     string
	UAHash string
}

// NewRequester builds a Requester for the given address and raw user agent.
func NewRequester(ip, userAgent string) Requester {
	return Requester{IP: ip, UAHash: HashUserAgent(userAgent)}
}

// HashUserAgent returns the truncated fingerprint of a user agent. This is a
// deterrent against casually sharing links, not an identity check.
func HashUserAgent(ua string) string {
	return system.ShortHash(ua, UAHashLength)
}

// Payload is the signed body of a capability token. Field order is the wire
// order of the encoded JSON object.
type Payload struct {
	Type     ResourceType `json:"type"`
	Filename string       `json:"filename"`
	// Expiry as milliseconds since the unix epoch.
	Expires int64  `json:"exp"`
	Nonce   string `json:"nonce"`
	IP      string `json:"ip"`
	UAHash  string `json:"ua_hash"`
}

// ExpiresAt returns the expiry of the payload as a time value.
func (p *Payload) ExpiresAt() time.Time {
	return time.UnixMilli(p.Expires)
}

// Requester returns the requester the payload is bound to.
func (p *Payload) Requester() Requester {
	return Requester{IP: p.IP, UAHash: p.UAHash}
}

// complete reports whether every field required for verification is present.
func (p *Payload) complete() bool {
	return p.Type != "" && p.Filename != "" && p.Expires > 0 && p.Nonce != "" && p.UAHash != ""
}
