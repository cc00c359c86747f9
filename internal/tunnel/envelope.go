package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"sentry-tunnel/internal/allowlist"
)

// Classified failures. Every error returned in a Result matches exactly one
// of these with errors.Is.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrInvalidHost       = allowlist.ErrInvalidHost
	ErrInvalidProject    = allowlist.ErrInvalidProject
	ErrUpstream          = errors.New("upstream request failed")
)

const (
	EnvelopeContentType = "application/x-sentry-envelope"

	HeaderCFConnectingIP = "Cf-Connecting-Ip"
	HeaderForwardedFor   = "X-Forwarded-For"
)

type envelopeHeader struct {
	DSN *string `json:"dsn"`
}

// HeaderDSN parses the DSN out of the envelope's first line. Nothing past the
// first newline is inspected.
func HeaderDSN(envelope []byte) (allowlist.DSN, error) {
	line, _, found := bytes.Cut(envelope, []byte{'\n'})
	if !found {
		return allowlist.DSN{}, fmt.Errorf("%w: no header line", ErrMalformedEnvelope)
	}
	if !utf8.Valid(line) {
		return allowlist.DSN{}, fmt.Errorf("%w: header is not utf-8", ErrMalformedEnvelope)
	}
	var header envelopeHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return allowlist.DSN{}, fmt.Errorf("%w: header json: %v", ErrMalformedEnvelope, err)
	}
	if header.DSN == nil {
		return allowlist.DSN{}, fmt.Errorf("%w: header has no dsn", ErrMalformedEnvelope)
	}
	dsn, err := allowlist.ParseDSN(*header.DSN)
	if err != nil {
		return allowlist.DSN{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return dsn, nil
}

// UpstreamURL is the envelope endpoint for dsn. The scheme is always https and
// any port in the DSN is dropped.
func UpstreamURL(dsn allowlist.DSN) string {
	return "https://" + dsn.URLHost() + "/api/" + dsn.ProjectID + "/envelope/"
}

// ClientIP picks the address passed upstream: the CDN client header, then
// X-Forwarded-For, then the peer address. Values are not validated.
func ClientIP(h http.Header, remoteAddr string) string {
	for _, name := range []string{HeaderCFConnectingIP, HeaderForwardedFor} {
		if v := h.Values(name); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			return strings.TrimSpace(v[0])
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
