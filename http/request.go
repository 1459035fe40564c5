package http

import (
	"crypto/tls"
	"net"

	"github.com/indigo-web/mhd/http/method"
	"github.com/indigo-web/mhd/http/proto"
	"github.com/indigo-web/utils/strcomp"
)

// Conn is the connection the request arrived on, as seen by the application.
type Conn interface {
	RemoteAddr() net.Addr
	// TLS returns nil for plain connections.
	TLS() *tls.ConnectionState
	// Resume puts a suspended connection back into the event loop.
	Resume() error
}

// Request is a parsed view of a single HTTP message.
//
// All the strings of the request (including the ones returned by Value, VisitValues and
// PostFields) share memory with the connection and are valid only until the request ends.
// Copy them (e.g. with strings.Clone) in order to keep them longer.
type Request struct {
	// Method is the request method enum. For methods outside the enum Unknown is set,
	// the original token is always available via MethodString.
	Method       method.Method
	MethodString string
	// Path is the percent-decoded request path.
	Path string
	// Query is the raw query string, without the leading question mark.
	Query string
	// RawTarget is the request-target as it was received.
	RawTarget string
	Protocol  proto.Protocol
	// ContentLength of the body, or -1 if the body is chunked.
	ContentLength int64
	Chunked       bool
	// Received is the number of body bytes received so far (including chunked framing).
	Received uint64
	// Processed is the number of body bytes handed to the application.
	Processed uint64

	fields     []Field
	postFields []PostField
	conn       Conn
	ctx        any
}

func NewRequest(conn Conn) *Request {
	return &Request{
		Method:   method.Unknown,
		Protocol: proto.HTTP11,
		fields:   make([]Field, 0, 16),
		conn:     conn,
	}
}

// Value returns the value of the first field of the given kinds. The name is compared
// case-insensitively. A field without a value (e.g. GET argument "?a") is reported as
// found with empty value.
func (r *Request) Value(kind ValueKind, name string) (string, bool) {
	field, found := r.Lookup(kind, name)
	return field.Value.Value, found
}

// Lookup returns the first field of the given kinds with the name.
func (r *Request) Lookup(kind ValueKind, name string) (Field, bool) {
	for _, field := range r.fields {
		if field.Kind&kind != 0 && strcomp.EqualFold(field.Name, name) {
			return field, true
		}
	}

	return Field{}, false
}

// VisitValues calls fn for every field of the given kinds in the order they were received,
// until fn returns false. The number of visited fields is returned.
func (r *Request) VisitValues(kind ValueKind, fn func(Field) bool) (n int) {
	for _, field := range r.fields {
		if field.Kind&kind == 0 {
			continue
		}

		n++
		if fn != nil && !fn(field) {
			break
		}
	}

	return n
}

// PostFields returns the fields collected by the POST parser. Streamed fields are not
// included.
func (r *Request) PostFields() []PostField {
	return r.postFields
}

// ClientAddr returns the address of the remote peer.
func (r *Request) ClientAddr() net.Addr {
	return r.conn.RemoteAddr()
}

// TLS returns the state of the TLS session, or nil for plain connections.
func (r *Request) TLS() *tls.ConnectionState {
	return r.conn.TLS()
}

// Resume continues processing of a suspended request. It's safe to call from any goroutine.
// Resuming a request, which isn't suspended, reports code.NotSuspended and has no effect.
func (r *Request) Resume() error {
	return r.conn.Resume()
}

// SetContext attaches an arbitrary application value to the request.
func (r *Request) SetContext(ctx any) {
	r.ctx = ctx
}

func (r *Request) Context() any {
	return r.ctx
}

// HeadersOnly reports whether the reply must not carry a body.
func (r *Request) HeadersOnly() bool {
	return r.Method == method.HEAD
}

// AddField appends a field. Used while parsing.
func (r *Request) AddField(kind ValueKind, name string, value NullableString) {
	r.fields = append(r.fields, Field{Kind: kind, Name: name, Value: value})
}

// AddPostField appends a POST field and mirrors it as a KindPostData value.
func (r *Request) AddPostField(field PostField) {
	r.postFields = append(r.postFields, field)
	r.AddField(KindPostData, field.Name, field.Value)
}

// Reset clears the request, so it can be reused for the next one on the same connection.
func (r *Request) Reset() {
	*r = Request{
		Method:     method.Unknown,
		Protocol:   proto.HTTP11,
		fields:     r.fields[:0],
		postFields: r.postFields[:0],
		conn:       r.conn,
	}
}
