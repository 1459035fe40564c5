package code

import "strconv"

// Code is a status code returned by every fallible call of the daemon. Codes are banded
// by their numeric value:
//
//	0             OK
//	1 - 9999      caller-actionable (bad arguments, wrong call order)
//	10000 - 19999 informational
//	20000 - 29999 success events
//	30000 - 39999 transient failures (resources, load)
//	40000 - 49999 caused by the client
//	50000 - 59999 engine-internal failures
//	60000 - 69999 caused by the application
//
// Code implements the error interface, so it's returned as a plain error and can be
// compared via errors.Is. OK is never returned as an error, nil is used instead.
type Code uint32

const OK Code = 0

// caller-actionable
const (
	TooLate Code = iota + 1
	AlreadyQuiesced
	AlreadyStarted
	NotStarted
	OptionUnknown
	OptionInvalidValue
	OptionConflict
	TLSDisabled
	TLSRequiresThreadPerConnection
	WorkModeMismatch
	NotSuspended
	ResponseHeaderMalformed
	ResponseHeaderNotAllowed
	ResponseCodeInvalid
	ResponseFrozen
	InvalidSocket
	AuthRealmMissing
)

// informational
const (
	DaemonStarted Code = 10000 + iota
	ListenSocketQuiesced
	ConnectionAccepted
	ConnectionResumed
	ConnectionSuspended
	RequestParsed
)

// success events
const (
	RequestCompleted Code = 20000 + iota
	ConnectionClosedOK
	DaemonStopped
)

// transient
const (
	AcceptFailed Code = 30000 + iota
	ConnectionLimitReached
	PerIPLimitReached
	AcceptPolicyRejected
	PoolMemoryExhausted
	LargeBufferExhausted
	SocketWriteFailed
	SocketReadFailed
	SendfileFailed
	TimeoutReached
	ResumeDeadlineFired
)

// caused by the client
const (
	ClientClosedEarly Code = 40000 + iota
	ConnectionReset
	HeaderTooBig
	RequestLineTooBig
	ChunkedEncodingMalformed
	ChunkSizeTooLarge
	ContentLengthMalformed
	ContentLengthConflict
	HostHeaderMissing
	HostHeaderDuplicated
	ConnectionParseFailClosed
	MethodMalformed
	TargetMalformed
	VersionUnsupported
	TransferEncodingUnsupported
	LengthRequired
	BodyTooLarge
	WhitespaceInTarget
	BareCRInRequestLine
	BareLFNotAllowed
	ObsFoldNotAllowed
	FieldLineMalformed
	TooManyEmptyLines
	TLSHandshakeFailed
	PostUnknownContentType
	PostMalformed
)

// engine-internal
const (
	InternalError Code = 50000 + iota
	ListenSocketFailed
	BindFailed
	PollCreateFailed
	PollCtlFailed
	PollWaitFailed
	ITCCreateFailed
	ITCUseFailed
	ThreadStartFailed
	ReplyFramingInconsistent
)

// caused by the application
const (
	AppNoAction Code = 60000 + iota
	AppResponseReused
	AppResponseMissing
	AppUploadFinalContinue
	AppDynamicAbort
	AppDynamicOverflow
	AppFileReadFailed
	AppHeadOnlyWithBody
	AppActionInvalid
)

func (c Code) Error() string {
	return Text(c)
}

func (c Code) String() string {
	return Text(c)
}

// IsCallerError reports whether the code is in the caller-actionable band.
func (c Code) IsCallerError() bool { return c > 0 && c < 10000 }

func (c Code) IsInformational() bool { return c >= 10000 && c < 20000 }

func (c Code) IsSuccessEvent() bool { return c >= 20000 && c < 30000 }

// IsTransient reports whether the operation may succeed if retried later.
func (c Code) IsTransient() bool { return c >= 30000 && c < 40000 }

func (c Code) IsClientError() bool { return c >= 40000 && c < 50000 }

func (c Code) IsInternalError() bool { return c >= 50000 && c < 60000 }

func (c Code) IsAppError() bool { return c >= 60000 && c < 70000 }

// Text returns a human-readable description of the code. Unknown codes are described
// by their numeric value.
func Text(c Code) string {
	if text, found := descriptions[c]; found {
		return text
	}

	return "unknown status code " + strconv.FormatUint(uint64(c), 10)
}

var descriptions = map[Code]string{
	OK: "success",

	TooLate:                        "the operation is not allowed anymore",
	AlreadyQuiesced:                "the daemon is already quiesced",
	AlreadyStarted:                 "the daemon is already started",
	NotStarted:                     "the daemon is not started",
	OptionUnknown:                  "unknown option",
	OptionInvalidValue:             "invalid option value",
	OptionConflict:                 "the option conflicts with previously set ones",
	TLSDisabled:                    "TLS support is disabled in this build",
	TLSRequiresThreadPerConnection: "TLS is only served in the thread-per-connection work mode",
	WorkModeMismatch:               "the call is not supported in the configured work mode",
	NotSuspended:                   "the request is not suspended",
	ResponseHeaderMalformed:        "response header name or value is malformed",
	ResponseHeaderNotAllowed:       "response header is not allowed to be set by the application",
	ResponseCodeInvalid:            "response status code is out of range",
	ResponseFrozen:                 "the response is frozen",
	InvalidSocket:                  "invalid socket",
	AuthRealmMissing:               "authentication realm is missing",

	DaemonStarted:        "daemon started",
	ListenSocketQuiesced: "listen socket quiesced",
	ConnectionAccepted:   "connection accepted",
	ConnectionResumed:    "connection resumed",
	ConnectionSuspended:  "connection suspended",
	RequestParsed:        "request headers parsed",

	RequestCompleted:   "request completed",
	ConnectionClosedOK: "connection closed",
	DaemonStopped:      "daemon stopped",

	AcceptFailed:           "failed to accept a connection",
	ConnectionLimitReached: "global connection limit reached",
	PerIPLimitReached:      "per-IP connection limit reached",
	AcceptPolicyRejected:   "connection rejected by the accept policy",
	PoolMemoryExhausted:    "per-connection memory pool is exhausted",
	LargeBufferExhausted:   "large shared buffer pool is exhausted",
	SocketWriteFailed:      "failed to write to the socket",
	SocketReadFailed:       "failed to read from the socket",
	SendfileFailed:         "sendfile failed",
	TimeoutReached:         "connection timeout reached",
	ResumeDeadlineFired:    "resume deadline fired",

	ClientClosedEarly:           "client closed the connection",
	ConnectionReset:             "connection reset by peer",
	HeaderTooBig:                "request header section is too big",
	RequestLineTooBig:           "request line is too big",
	ChunkedEncodingMalformed:    "chunked encoding is malformed",
	ChunkSizeTooLarge:           "chunk size is too large",
	ContentLengthMalformed:      "Content-Length is malformed",
	ContentLengthConflict:       "Content-Length conflicts with other framing",
	HostHeaderMissing:           "Host header is missing",
	HostHeaderDuplicated:        "Host header is duplicated",
	ConnectionParseFailClosed:   "request is malformed",
	MethodMalformed:             "request method is malformed",
	TargetMalformed:             "request target is malformed",
	VersionUnsupported:          "HTTP version is not supported",
	TransferEncodingUnsupported: "Transfer-Encoding is not supported",
	LengthRequired:              "request body length is required",
	BodyTooLarge:                "request body is too large",
	WhitespaceInTarget:          "whitespace in request target",
	BareCRInRequestLine:         "bare CR in request line",
	BareLFNotAllowed:            "bare LF is not allowed",
	ObsFoldNotAllowed:           "obsolete line folding is not allowed",
	FieldLineMalformed:          "header field line is malformed",
	TooManyEmptyLines:           "too many empty lines before request line",
	TLSHandshakeFailed:          "TLS handshake failed",
	PostUnknownContentType:      "unknown POST content type",
	PostMalformed:               "POST body is malformed",

	InternalError:            "internal error",
	ListenSocketFailed:       "failed to create listen socket",
	BindFailed:               "failed to bind listen socket",
	PollCreateFailed:         "failed to create poller",
	PollCtlFailed:            "failed to update poller registration",
	PollWaitFailed:           "failed to wait for events",
	ITCCreateFailed:          "failed to create inter-thread channel",
	ITCUseFailed:             "failed to use inter-thread channel",
	ThreadStartFailed:        "failed to start worker",
	ReplyFramingInconsistent: "reply framing is inconsistent",

	AppNoAction:            "application callback returned no action",
	AppResponseReused:      "non-reusable response attached more than once",
	AppResponseMissing:     "action carries no response",
	AppUploadFinalContinue: "final upload callback returned continue",
	AppDynamicAbort:        "dynamic content callback aborted",
	AppDynamicOverflow:     "dynamic content callback reported more data than fits",
	AppFileReadFailed:      "failed to read response file",
	AppHeadOnlyWithBody:    "head-only response with a body",
	AppActionInvalid:       "action is not valid at this point",
}
