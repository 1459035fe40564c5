package http

import "time"

type ActionKind uint8

const (
	// actionNone is the zero value. Returning it is an application error.
	actionNone ActionKind = iota
	ActionKindResponse
	ActionKindProcessUpload
	ActionKindParsePost
	ActionKindSuspend
	ActionKindAbort
)

// Action is the decision of the request handler on how to proceed with the request.
// It's built by one of the Action* constructors.
type Action struct {
	Kind     ActionKind
	Response *Response
	Upload   UploadParams
	Post     PostParams
	// Deadline is the resume deadline of a suspended request. Zero means no deadline.
	Deadline time.Duration
}

// Valid reports whether the action was built by any of the constructors.
func (a Action) Valid() bool {
	switch a.Kind {
	case ActionKindResponse:
		return a.Response != nil
	case ActionKindProcessUpload:
		return a.Upload.Full != nil || a.Upload.Incremental != nil
	case ActionKindParsePost:
		return a.Post.Done != nil
	case ActionKindSuspend, ActionKindAbort:
		return true
	default:
		return false
	}
}

// Handler is the top-level request callback. It's called once all the request headers
// are received, and once again after the request is resumed, if the handler suspended it.
type Handler func(req *Request) Action

// ActionResponse replies with the response.
func ActionResponse(resp *Response) Action {
	return Action{Kind: ActionKindResponse, Response: resp}
}

// ActionProcessUpload routes the request body through the callbacks. If the full
// callback is set and the whole body fits into bufSize, it's called once with the whole
// body. Otherwise, the incremental callback is called for every received piece of the
// body. If the body is too big and no incremental callback is set, the request is
// rejected with 413.
func ActionProcessUpload(bufSize int, full FullUploadFunc, inc IncUploadFunc) Action {
	return Action{
		Kind: ActionKindProcessUpload,
		Upload: UploadParams{
			BufferSize:  bufSize,
			Full:        full,
			Incremental: inc,
		},
	}
}

// ActionParsePost routes the request body through the POST parser.
func ActionParsePost(params PostParams) Action {
	return Action{Kind: ActionKindParsePost, Post: params}
}

// ActionSuspend takes the connection out of the event loop until Request.Resume is called
// or the deadline fires. Zero deadline means suspending indefinitely.
func ActionSuspend(deadline time.Duration) Action {
	return Action{Kind: ActionKindSuspend, Deadline: deadline}
}

// ActionAbort closes the connection without any reply.
func ActionAbort() Action {
	return Action{Kind: ActionKindAbort}
}

type UploadParams struct {
	BufferSize  int
	Full        FullUploadFunc
	Incremental IncUploadFunc
}

// FullUploadFunc receives the whole request body at once.
type FullUploadFunc func(req *Request, body []byte) UploadAction

// IncUploadFunc receives the request body piece by piece. The offset is the position of
// the piece in the body. After the last piece the callback is invoked once more with nil
// data, and it must decide on the reply then.
type IncUploadFunc func(req *Request, offset uint64, data []byte) UploadAction

type UploadKind uint8

const (
	uploadNone UploadKind = iota
	UploadKindContinue
	UploadKindResponse
	UploadKindSuspend
	UploadKindAbort
)

// UploadAction is the decision of an upload or POST callback.
type UploadAction struct {
	Kind     UploadKind
	Response *Response
	Deadline time.Duration
}

// Valid reports whether the action was built by any of the constructors.
func (u UploadAction) Valid() bool {
	switch u.Kind {
	case UploadKindContinue, UploadKindSuspend, UploadKindAbort:
		return true
	case UploadKindResponse:
		return u.Response != nil
	default:
		return false
	}
}

// UploadContinue asks for more data.
func UploadContinue() UploadAction {
	return UploadAction{Kind: UploadKindContinue}
}

// UploadResponse stops the body processing and replies with the response. Not yet
// received body bytes are discarded.
func UploadResponse(resp *Response) UploadAction {
	return UploadAction{Kind: UploadKindResponse, Response: resp}
}

// UploadSuspend suspends the request. The data passed into the callback is considered
// consumed.
func UploadSuspend(deadline time.Duration) UploadAction {
	return UploadAction{Kind: UploadKindSuspend, Deadline: deadline}
}

func UploadAbort() UploadAction {
	return UploadAction{Kind: UploadKindAbort}
}

type DynamicKind uint8

const (
	dynamicNone DynamicKind = iota
	DynamicKindContinue
	DynamicKindContinueZeroCopy
	DynamicKindFinish
	DynamicKindSuspend
	DynamicKindAbort
)

// DynamicAction is the result of a dynamic content callback.
type DynamicAction struct {
	Kind DynamicKind
	// N is the number of bytes written into the buffer.
	N int
	// IOV is the zero-copy data. It must stay valid until the next call of the callback.
	IOV [][]byte
	// ChunkExt is appended to the chunk-size line, if the reply is chunked.
	ChunkExt string
	// Footers are sent after the last chunk, if the reply is chunked.
	Footers  []Header
	Deadline time.Duration
}

// DynamicFunc fills the buffer with the response body starting at the position pos.
type DynamicFunc func(pos uint64, buf []byte) DynamicAction

// DynamicContinue reports that n bytes were written into the buffer.
func DynamicContinue(n int, chunkExt ...string) DynamicAction {
	return DynamicAction{Kind: DynamicKindContinue, N: n, ChunkExt: firstOrEmpty(chunkExt)}
}

// DynamicContinueZeroCopy hands the data out without copying it into the buffer.
func DynamicContinueZeroCopy(iov [][]byte, chunkExt ...string) DynamicAction {
	return DynamicAction{Kind: DynamicKindContinueZeroCopy, IOV: iov, ChunkExt: firstOrEmpty(chunkExt)}
}

// DynamicFinish completes the body. Footers are sent only with chunked replies.
func DynamicFinish(footers ...Header) DynamicAction {
	return DynamicAction{Kind: DynamicKindFinish, Footers: footers}
}

// DynamicSuspend suspends the request until it's resumed. The callback is invoked again
// at the same position afterward.
func DynamicSuspend(deadline time.Duration) DynamicAction {
	return DynamicAction{Kind: DynamicKindSuspend, Deadline: deadline}
}

// DynamicAbort closes the connection. The reply is left incomplete.
func DynamicAbort() DynamicAction {
	return DynamicAction{Kind: DynamicKindAbort}
}

func firstOrEmpty(strs []string) string {
	if len(strs) == 0 {
		return ""
	}

	return strs[0]
}
