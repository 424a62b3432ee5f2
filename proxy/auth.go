package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"
)

// Proto is the wire protocol version negotiated through X-Aifo-Proto.
type Proto int

const (
	ProtoUnknown  Proto = 0
	ProtoBuffered Proto = 1
	ProtoStream   Proto = 2
)

// ParseProto reads the X-Aifo-Proto header.
func ParseProto(h http.Header) Proto {
	switch strings.TrimSpace(h.Get(HeaderProto)) {
	case "1":
		return ProtoBuffered
	case "2":
		return ProtoStream
	}
	return ProtoUnknown
}

// BearerToken extracts the credential from an Authorization header value.
// The scheme is matched case-insensitively and any run of whitespace may
// separate it from the credential. The credential is returned verbatim.
func BearerToken(value string) (string, bool) {
	v := strings.TrimSpace(value)
	idx := strings.IndexFunc(v, unicode.IsSpace)
	if idx < 0 {
		return "", false
	}
	if !strings.EqualFold(v[:idx], "bearer") {
		return "", false
	}
	cred := strings.TrimSpace(v[idx:])
	if cred == "" {
		return "", false
	}
	return cred, true
}

// authorized reports whether any Authorization header carries exactly token.
func authorized(h http.Header, token string) bool {
	if token == "" {
		return false
	}
	for _, v := range h.Values("Authorization") {
		cred, ok := BearerToken(v)
		if ok && subtle.ConstantTimeCompare([]byte(cred), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
