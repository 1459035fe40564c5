package proto

import "github.com/indigo-web/utils/uf"

type Protocol uint8

const (
	Unknown Protocol = 0
	HTTP10  Protocol = 1 << iota
	HTTP11

	HTTP1 = HTTP10 | HTTP11
)

func (p Protocol) String() string {
	switch p {
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	default:
		return ""
	}
}

// FromBytes recognizes the HTTP-version token. Any HTTP/1.x with x above 1 is served
// as HTTP/1.1 (RFC 9110, 2.5).
func FromBytes(raw []byte) Protocol {
	const (
		protoTokenLength   = len("HTTP/x.x")
		majorVersionOffset = len("HTTP/x") - 1
		minorVersionOffset = len("HTTP/x.x") - 1
		httpScheme         = "HTTP/"
	)

	if len(raw) != protoTokenLength || uf.B2S(raw[:majorVersionOffset]) != httpScheme ||
		raw[majorVersionOffset+1] != '.' {
		return Unknown
	}

	return Parse(raw[majorVersionOffset]-'0', raw[minorVersionOffset]-'0')
}

func Parse(major, minor uint8) Protocol {
	if major != 1 || minor > 9 {
		return Unknown
	}

	if minor == 0 {
		return HTTP10
	}

	return HTTP11
}

// IsHTTPLike reports whether the token looks like an HTTP version at all, so that an
// unsupported version can be told apart from garbage.
func IsHTTPLike(raw []byte) bool {
	return len(raw) >= len("HTTP/") && uf.B2S(raw[:len("HTTP/")]) == "HTTP/"
}
