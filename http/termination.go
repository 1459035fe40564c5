package http

// TerminationReason tells why the processing of a request ended.
type TerminationReason uint8

const (
	// CompletedOK means the reply was fully sent.
	CompletedOK TerminationReason = iota
	// ByApp means the application aborted the request.
	ByApp
	// HTTPProtocolError means the request was malformed.
	HTTPProtocolError
	// ClientAbort means the client closed the connection before the reply was sent.
	ClientAbort
	// NoResources means the request couldn't be served due to a lack of memory.
	NoResources
	// DaemonShutdown means the daemon was destroyed while the request was in flight.
	DaemonShutdown
	// TimeoutReached means the connection timed out.
	TimeoutReached
	// ConnectionError means a socket-level error occurred.
	ConnectionError
)

func (t TerminationReason) String() string {
	switch t {
	case CompletedOK:
		return "completed"
	case ByApp:
		return "aborted by application"
	case HTTPProtocolError:
		return "HTTP protocol error"
	case ClientAbort:
		return "aborted by client"
	case NoResources:
		return "no resources"
	case DaemonShutdown:
		return "daemon shutdown"
	case TimeoutReached:
		return "timeout reached"
	case ConnectionError:
		return "connection error"
	default:
		return "unknown"
	}
}

// RequestEndedFunc is notified when the processing of a request is over, exactly once per
// request.
type RequestEndedFunc func(req *Request, reason TerminationReason)
