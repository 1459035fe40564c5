package status

import (
	"strconv"

	"github.com/indigo-web/mhd/code"
)

type Code uint16

// HTTP status codes as registered with IANA.
// See: https://www.iana.org/assignments/http-status-codes/http-status-codes.xhtml
const (
	Continue           Code = 100 // RFC 9110, 15.2.1
	SwitchingProtocols Code = 101 // RFC 9110, 15.2.2
	Processing         Code = 102 // RFC 2518, 10.1
	EarlyHints         Code = 103 // RFC 8297

	OK                   Code = 200 // RFC 9110, 15.3.1
	Created              Code = 201 // RFC 9110, 15.3.2
	Accepted             Code = 202 // RFC 9110, 15.3.3
	NonAuthoritativeInfo Code = 203 // RFC 9110, 15.3.4
	NoContent            Code = 204 // RFC 9110, 15.3.5
	ResetContent         Code = 205 // RFC 9110, 15.3.6
	PartialContent       Code = 206 // RFC 9110, 15.3.7
	MultiStatus          Code = 207 // RFC 4918, 11.1
	AlreadyReported      Code = 208 // RFC 5842, 7.1
	IMUsed               Code = 226 // RFC 3229, 10.4.1

	MultipleChoices   Code = 300 // RFC 9110, 15.4.1
	MovedPermanently  Code = 301 // RFC 9110, 15.4.2
	Found             Code = 302 // RFC 9110, 15.4.3
	SeeOther          Code = 303 // RFC 9110, 15.4.4
	NotModified       Code = 304 // RFC 9110, 15.4.5
	UseProxy          Code = 305 // RFC 9110, 15.4.6
	_                 Code = 306 // RFC 9110, 15.4.7 (Unused)
	TemporaryRedirect Code = 307 // RFC 9110, 15.4.8
	PermanentRedirect Code = 308 // RFC 9110, 15.4.9

	BadRequest                   Code = 400 // RFC 9110, 15.5.1
	Unauthorized                 Code = 401 // RFC 9110, 15.5.2
	PaymentRequired              Code = 402 // RFC 9110, 15.5.3
	Forbidden                    Code = 403 // RFC 9110, 15.5.4
	NotFound                     Code = 404 // RFC 9110, 15.5.5
	MethodNotAllowed             Code = 405 // RFC 9110, 15.5.6
	NotAcceptable                Code = 406 // RFC 9110, 15.5.7
	ProxyAuthRequired            Code = 407 // RFC 9110, 15.5.8
	RequestTimeout               Code = 408 // RFC 9110, 15.5.9
	Conflict                     Code = 409 // RFC 9110, 15.5.10
	Gone                         Code = 410 // RFC 9110, 15.5.11
	LengthRequired               Code = 411 // RFC 9110, 15.5.12
	PreconditionFailed           Code = 412 // RFC 9110, 15.5.13
	RequestEntityTooLarge        Code = 413 // RFC 9110, 15.5.14
	RequestURITooLong            Code = 414 // RFC 9110, 15.5.15
	UnsupportedMediaType         Code = 415 // RFC 9110, 15.5.16
	RequestedRangeNotSatisfiable Code = 416 // RFC 9110, 15.5.17
	ExpectationFailed            Code = 417 // RFC 9110, 15.5.18
	Teapot                       Code = 418 // RFC 9110, 15.5.19 (Unused)
	MisdirectedRequest           Code = 421 // RFC 9110, 15.5.20
	UnprocessableEntity          Code = 422 // RFC 9110, 15.5.21
	Locked                       Code = 423 // RFC 4918, 11.3
	FailedDependency             Code = 424 // RFC 4918, 11.4
	TooEarly                     Code = 425 // RFC 8470, 5.2.
	UpgradeRequired              Code = 426 // RFC 9110, 15.5.22
	PreconditionRequired         Code = 428 // RFC 6585, 3
	TooManyRequests              Code = 429 // RFC 6585, 4
	RequestHeaderFieldsTooLarge  Code = 431 // RFC 6585, 5
	UnavailableForLegalReasons   Code = 451 // RFC 7725, 3

	InternalServerError           Code = 500 // RFC 9110, 15.6.1
	NotImplemented                Code = 501 // RFC 9110, 15.6.2
	BadGateway                    Code = 502 // RFC 9110, 15.6.3
	ServiceUnavailable            Code = 503 // RFC 9110, 15.6.4
	GatewayTimeout                Code = 504 // RFC 9110, 15.6.5
	HTTPVersionNotSupported       Code = 505 // RFC 9110, 15.6.6
	VariantAlsoNegotiates         Code = 506 // RFC 2295, 8.1
	InsufficientStorage           Code = 507 // RFC 4918, 11.5
	LoopDetected                  Code = 508 // RFC 5842, 7.2
	NotExtended                   Code = 510 // RFC 2774, 7
	NetworkAuthenticationRequired Code = 511 // RFC 6585, 6
)

var reasons = map[Code]string{
	Continue:                      "Continue",
	SwitchingProtocols:            "Switching Protocols",
	Processing:                    "Processing",
	EarlyHints:                    "Early Hints",
	OK:                            "OK",
	Created:                       "Created",
	Accepted:                      "Accepted",
	NonAuthoritativeInfo:          "Non-Authoritative Information",
	NoContent:                     "No Content",
	ResetContent:                  "Reset Content",
	PartialContent:                "Partial Content",
	MultiStatus:                   "Multi-Status",
	AlreadyReported:               "Already Reported",
	IMUsed:                        "IM Used",
	MultipleChoices:               "Multiple Choices",
	MovedPermanently:              "Moved Permanently",
	Found:                         "Found",
	SeeOther:                      "See Other",
	NotModified:                   "Not Modified",
	UseProxy:                      "Use Proxy",
	TemporaryRedirect:             "Temporary Redirect",
	PermanentRedirect:             "Permanent Redirect",
	BadRequest:                    "Bad Request",
	Unauthorized:                  "Unauthorized",
	PaymentRequired:               "Payment Required",
	Forbidden:                     "Forbidden",
	NotFound:                      "Not Found",
	MethodNotAllowed:              "Method Not Allowed",
	NotAcceptable:                 "Not Acceptable",
	ProxyAuthRequired:             "Proxy Authentication Required",
	RequestTimeout:                "Request Timeout",
	Conflict:                      "Conflict",
	Gone:                          "Gone",
	LengthRequired:                "Length Required",
	PreconditionFailed:            "Precondition Failed",
	RequestEntityTooLarge:         "Request Entity Too Large",
	RequestURITooLong:             "Request URI Too Long",
	UnsupportedMediaType:          "Unsupported Media Type",
	RequestedRangeNotSatisfiable:  "Requested Range Not Satisfiable",
	ExpectationFailed:             "Expectation Failed",
	Teapot:                        "I'm a teapot",
	MisdirectedRequest:            "Misdirected Request",
	UnprocessableEntity:           "Unprocessable Entity",
	Locked:                        "Locked",
	FailedDependency:              "Failed Dependency",
	TooEarly:                      "Too Early",
	UpgradeRequired:               "Upgrade Required",
	PreconditionRequired:          "Precondition Required",
	TooManyRequests:               "Too Many Requests",
	RequestHeaderFieldsTooLarge:   "Request Header Fields Too Large",
	UnavailableForLegalReasons:    "Unavailable For Legal Reasons",
	InternalServerError:           "Internal Server Error",
	NotImplemented:                "Not Implemented",
	BadGateway:                    "Bad Gateway",
	ServiceUnavailable:            "Service Unavailable",
	GatewayTimeout:                "Gateway Timeout",
	HTTPVersionNotSupported:       "HTTP Version Not Supported",
	VariantAlsoNegotiates:         "Variant Also Negotiates",
	InsufficientStorage:           "Insufficient Storage",
	LoopDetected:                  "Loop Detected",
	NotExtended:                   "Not Extended",
	NetworkAuthenticationRequired: "Network Authentication Required",
}

// Text returns the reason phrase of the status code. Unknown, but still valid codes
// get an empty phrase.
func Text(code Code) string {
	return reasons[code]
}

// Valid reports whether the code may be sent in a status line.
func Valid(code Code) bool {
	return code >= 100 && code <= 999
}

// Informational reports 1xx codes, which never carry a body.
func (c Code) Informational() bool {
	return c < 200
}

// NoBody reports whether the response with the code must never carry a body.
func (c Code) NoBody() bool {
	return c.Informational() || c == NoContent || c == NotModified
}

// AppendLine appends the status code and its reason phrase, e.g. "404 Not Found".
func AppendLine(dst []byte, c Code) []byte {
	dst = strconv.AppendUint(dst, uint64(c), 10)
	dst = append(dst, ' ')
	return append(dst, Text(c)...)
}

// FromCode maps a client- or engine-caused failure onto the status code used in the
// canned error reply.
func FromCode(c code.Code) Code {
	switch c {
	case code.HeaderTooBig, code.PoolMemoryExhausted:
		return RequestHeaderFieldsTooLarge
	case code.RequestLineTooBig:
		return RequestURITooLong
	case code.LengthRequired:
		return LengthRequired
	case code.BodyTooLarge, code.LargeBufferExhausted:
		return RequestEntityTooLarge
	case code.VersionUnsupported:
		return HTTPVersionNotSupported
	case code.TransferEncodingUnsupported:
		return NotImplemented
	case code.PostUnknownContentType:
		return UnsupportedMediaType
	}

	switch {
	case c.IsClientError():
		return BadRequest
	default:
		return InternalServerError
	}
}

// CannedBody returns a short HTML page describing the error.
func CannedBody(c Code) string {
	if body, found := cannedBodies[c]; found {
		return body
	}

	return "<html><head><title>" + Text(c) + "</title></head><body>" + Text(c) + "</body></html>"
}

var cannedBodies = map[Code]string{
	BadRequest: "<html><head><title>Request malformed</title></head>" +
		"<body>HTTP request is syntactically incorrect.</body></html>",
	LengthRequired: "<html><head><title>Length required</title></head>" +
		"<body>The request body length must be specified.</body></html>",
	RequestEntityTooLarge: "<html><head><title>Request too big</title></head>" +
		"<body>Request body is too big for this server.</body></html>",
	RequestURITooLong: "<html><head><title>Request too big</title></head>" +
		"<body>Request line is too long for this server.</body></html>",
	RequestHeaderFieldsTooLarge: "<html><head><title>Request too big</title></head>" +
		"<body>Request HTTP header is too big for the memory constraints of this server.</body></html>",
	InternalServerError: "<html><head><title>Internal server error</title></head>" +
		"<body>Please ask the developer of this Web server to carefully read the " +
		"documentation about the server configuration.</body></html>",
	NotImplemented: "<html><head><title>Not implemented</title></head>" +
		"<body>The requested transfer encoding is not supported.</body></html>",
	HTTPVersionNotSupported: "<html><head><title>Unsupported HTTP version</title></head>" +
		"<body>The requested HTTP version is not supported.</body></html>",
}
