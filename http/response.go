package http

import (
	"os"
	"sync/atomic"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/http/status"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	json "github.com/json-iterator/go"
	"golang.org/x/net/http/httpguts"
)

// Options of the response. All of them are off by default.
type Options uint16

const (
	// Reusable responses may be attached to any number of requests, also concurrently.
	// They must be explicitly destroyed by the application.
	Reusable Options = 1 << iota
	// ChunkedEnc forces chunked framing even if the body length is known.
	ChunkedEnc
	// ConnClose closes the connection after the reply.
	ConnClose
	// HTTP10CompatibleStrict produces replies understood by strict HTTP/1.0 clients: no
	// chunked framing and no keep-alive.
	HTTP10CompatibleStrict
	// HTTP10Server sends HTTP/1.0 in the status line.
	HTTP10Server
	// HeadOnly never sends the body nor the automatic length headers.
	HeadOnly
	// InsanityContentLength allows the application to set Content-Length on its own.
	InsanityContentLength
)

type BodyKind uint8

const (
	BodyBuffer BodyKind = iota
	BodyFD
	BodyIOVec
	BodyDynamic
)

// SizeUnknown is the body size of dynamic responses producing data until they finish.
const SizeUnknown int64 = -1

// TerminationFunc is called every time processing of a request the response was attached
// to is over.
type TerminationFunc func(req *Request, reason TerminationReason)

// Response is the reply of the application. It's created by one of the NewResponse*
// constructors and attached to a request via ActionResponse or UploadResponse.
//
// Once attached, the response is frozen: headers and options cannot be changed anymore.
// Non-reusable responses are owned by the request after they're attached, and destroyed
// automatically. Reusable responses must be destroyed by the application via Destroy.
type Response struct {
	code    status.Code
	kind    BodyKind
	buf     []byte
	iov     [][]byte
	file    *os.File
	offset  int64
	size    int64
	dynamic DynamicFunc
	free    func()

	headers       []Header
	options       Options
	onTermination TerminationFunc

	frozen    atomic.Bool
	destroyed atomic.Bool
	refs      atomic.Int32
}

func newResponse(c status.Code, kind BodyKind, size int64) *Response {
	r := &Response{
		code:    c,
		kind:    kind,
		size:    size,
		headers: make([]Header, 0, 4),
	}
	r.refs.Store(1)

	return r
}

// NewResponseBuffer returns a response with the buffer as its body. The buffer isn't copied,
// so it must not be modified while the response is alive.
func NewResponseBuffer(c status.Code, buf []byte) *Response {
	r := newResponse(c, BodyBuffer, int64(len(buf)))
	r.buf = buf
	return r
}

// NewResponseBufferOwned is the same as NewResponseBuffer, except the free callback is
// invoked when the response is destroyed.
func NewResponseBufferOwned(c status.Code, buf []byte, free func()) *Response {
	r := NewResponseBuffer(c, buf)
	r.free = free
	return r
}

func NewResponseString(c status.Code, body string) *Response {
	return NewResponseBuffer(c, uf.S2B(body))
}

// NewResponseEmpty returns a response with no body.
func NewResponseEmpty(c status.Code) *Response {
	return NewResponseBuffer(c, nil)
}

// NewResponseJSON serializes the model and returns a response with it and the
// application/json Content-Type.
func NewResponseJSON(c status.Code, model any) (*Response, error) {
	stream := json.ConfigDefault.BorrowStream(nil)
	stream.WriteVal(model)
	err := stream.Error
	body := append([]byte(nil), stream.Buffer()...)
	json.ConfigDefault.ReturnStream(stream)

	if err != nil {
		return nil, err
	}

	r := NewResponseBuffer(c, body)
	r.headers = append(r.headers, Header{Key: "Content-Type", Value: "application/json"})
	return r, nil
}

// NewResponseFD returns a response with size bytes of the file starting at offset as the
// body. The file is closed when the response is destroyed. Plain connections send it via
// sendfile(2).
func NewResponseFD(c status.Code, file *os.File, offset, size int64) *Response {
	r := newResponse(c, BodyFD, size)
	r.file, r.offset = file, offset
	return r
}

// NewResponseIOVec returns a response with the concatenation of the buffers as its body.
// The free callback, if set, is invoked when the response is destroyed.
func NewResponseIOVec(c status.Code, iov [][]byte, free func()) *Response {
	var size int64
	for _, b := range iov {
		size += int64(len(b))
	}

	r := newResponse(c, BodyIOVec, size)
	r.iov, r.free = iov, free
	return r
}

// NewResponseDynamic returns a response whose body is produced by the callback. The size
// may be SizeUnknown, the reply is then chunked (or close-delimited for HTTP/1.0 clients).
func NewResponseDynamic(c status.Code, size int64, fn DynamicFunc) *Response {
	r := newResponse(c, BodyDynamic, size)
	r.dynamic = fn
	return r
}

// AddHeader adds a header line. Content-Length can be set only along with the
// InsanityContentLength option. Transfer-Encoding accepts only chunked and turns on
// ChunkedEnc, so does Connection with close and ConnClose.
func (r *Response) AddHeader(key, value string) error {
	if r.frozen.Load() {
		return code.TooLate
	}

	if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return code.ResponseHeaderMalformed
	}

	switch {
	case strcomp.EqualFold(key, "Content-Length"):
		if r.options&InsanityContentLength == 0 {
			return code.ResponseHeaderNotAllowed
		}
	case strcomp.EqualFold(key, "Transfer-Encoding"):
		if !strcomp.EqualFold(strutil.TrimOWS(value), "chunked") {
			return code.ResponseHeaderNotAllowed
		}

		r.options |= ChunkedEnc
		return nil
	case strcomp.EqualFold(key, "Connection"):
		if !strutil.HasToken(value, "close") {
			return code.ResponseHeaderNotAllowed
		}

		r.options |= ConnClose
		return nil
	}

	r.headers = append(r.headers, Header{Key: key, Value: value})
	return nil
}

// SetOptions enables or disables the options.
func (r *Response) SetOptions(opts Options, enabled bool) error {
	if r.frozen.Load() {
		return code.TooLate
	}

	if enabled && opts&HeadOnly != 0 && r.size != 0 {
		return code.AppHeadOnlyWithBody
	}

	if enabled {
		r.options |= opts
	} else {
		r.options &^= opts
	}

	return nil
}

// OnTermination sets the callback, which is notified every time the processing of a
// request with the response is over.
func (r *Response) OnTermination(fn TerminationFunc) error {
	if r.frozen.Load() {
		return code.TooLate
	}

	r.onTermination = fn
	return nil
}

// Destroy releases the reference of the application. Non-reusable responses need it only
// if they were never attached.
func (r *Response) Destroy() {
	if r.options&Reusable == 0 && r.frozen.Load() {
		return
	}

	if r.destroyed.CompareAndSwap(false, true) {
		r.Release()
	}
}

// Attach freezes the response and takes a reference for a request. It fails if
// a non-reusable response is attached more than once.
func (r *Response) Attach() error {
	if !status.Valid(r.code) {
		return code.ResponseCodeInvalid
	}

	if r.destroyed.Load() {
		return code.AppResponseReused
	}

	if r.options&Reusable == 0 {
		if !r.frozen.CompareAndSwap(false, true) {
			return code.AppResponseReused
		}

		return nil
	}

	r.frozen.Store(true)
	r.refs.Add(1)
	return nil
}

// Release drops a reference taken by Attach. The last reference frees the body.
func (r *Response) Release() {
	if r.refs.Add(-1) != 0 {
		return
	}

	if r.free != nil {
		r.free()
	}

	if r.file != nil {
		_ = r.file.Close()
	}
}

// Terminated notifies the termination callback.
func (r *Response) Terminated(req *Request, reason TerminationReason) {
	if r.onTermination != nil {
		r.onTermination(req, reason)
	}
}

func (r *Response) Code() status.Code {
	return r.code
}

func (r *Response) Kind() BodyKind {
	return r.kind
}

// Size returns the length of the body, or SizeUnknown.
func (r *Response) Size() int64 {
	return r.size
}

func (r *Response) Options() Options {
	return r.options
}

func (r *Response) Headers() []Header {
	return r.headers
}

// HasHeader reports whether the header with the key was added, case-insensitively.
func (r *Response) HasHeader(key string) bool {
	for _, h := range r.headers {
		if strcomp.EqualFold(h.Key, key) {
			return true
		}
	}

	return false
}

func (r *Response) Buffer() []byte {
	return r.buf
}

func (r *Response) IOVec() [][]byte {
	return r.iov
}

// File returns the file and the offset of the body within it.
func (r *Response) File() (*os.File, int64) {
	return r.file, r.offset
}

func (r *Response) Dynamic() DynamicFunc {
	return r.dynamic
}
