package http1

import (
	"strconv"

	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/method"
	"github.com/indigo-web/mhd/http/proto"
	"github.com/indigo-web/mhd/http/status"
	"github.com/indigo-web/mhd/internal/timer"
	"golang.org/x/net/http/httpguts"
)

// framing tells how the end of the reply body is recognized by the client.
type framing uint8

const (
	// framingNone means no body is sent at all
	framingNone framing = iota
	framingLength
	framingChunked
	// framingClose delimits the body by closing the connection
	framingClose
)

// replyPlan is the decision on how a response is put on the wire for a particular request.
type replyPlan struct {
	framing   framing
	length    int64
	keepAlive bool
	http10    bool
}

// planReply decides on the framing of the reply. keepAlive tells whether the connection
// could be kept alive from the request point of view.
func planReply(req *http.Request, resp *http.Response, keepAlive bool) replyPlan {
	opts := resp.Options()
	plan := replyPlan{
		length:    resp.Size(),
		keepAlive: keepAlive && opts&(http.ConnClose|http.HTTP10CompatibleStrict) == 0,
		http10:    opts&http.HTTP10Server != 0,
	}

	chunkedAllowed := req.Protocol == proto.HTTP11 &&
		opts&(http.HTTP10CompatibleStrict|http.HTTP10Server) == 0

	switch {
	case resp.Code().NoBody(), req.Method == method.HEAD, opts&http.HeadOnly != 0:
		plan.framing = framingNone
	case chunkedAllowed && (opts&http.ChunkedEnc != 0 || plan.length == http.SizeUnknown):
		plan.framing = framingChunked
	case plan.length != http.SizeUnknown:
		plan.framing = framingLength
	default:
		plan.framing = framingClose
		plan.keepAlive = false
	}

	return plan
}

type serializer struct {
	cfg  *config.Config
	buff []byte
}

func newSerializer(cfg *config.Config) serializer {
	return serializer{cfg: cfg}
}

// Headers serializes the status line and the header section into dst without growing it.
// If it doesn't fit, ok is false.
func (s *serializer) Headers(dst []byte, req *http.Request, resp *http.Response, plan replyPlan) (
	head []byte, ok bool,
) {
	s.buff = dst[:0:len(dst)]

	s.appendProtocol(plan.http10)
	s.appendStatus(resp)

	for _, header := range resp.Headers() {
		s.appendHeader(header)
	}

	if !s.cfg.Protocol.SuppressDate && !resp.HasHeader("Date") {
		s.appendKnownHeader("Date: ", timer.Date())
	}

	switch plan.framing {
	case framingLength:
		if resp.Options()&http.InsanityContentLength == 0 || !resp.HasHeader("Content-Length") {
			s.appendContentLength(plan.length)
		}
	case framingChunked:
		s.appendKnownHeader("Transfer-Encoding: ", "chunked")
	}

	switch {
	case !plan.keepAlive:
		s.appendKnownHeader("Connection: ", "close")
	case req.Protocol == proto.HTTP10 || plan.http10:
		s.appendKnownHeader("Connection: ", "Keep-Alive")
	}

	s.crlf()

	// append reallocates the slice once the capacity is exceeded
	return s.buff, cap(s.buff) == len(dst)
}

func (s *serializer) appendProtocol(http10 bool) {
	if http10 {
		s.buff = append(s.buff, proto.HTTP10.String()...)
	} else {
		s.buff = append(s.buff, proto.HTTP11.String()...)
	}

	s.sp()
}

func (s *serializer) appendStatus(resp *http.Response) {
	s.buff = status.AppendLine(s.buff, resp.Code())
	s.crlf()
}

// appendHeader writes a complete header field line.
func (s *serializer) appendHeader(header http.Header) {
	s.buff = append(s.buff, header.Key...)
	s.colonsp()
	s.buff = append(s.buff, header.Value...)
	s.crlf()
}

// appendKnownHeader differs from appendHeader only by the fact that the key is known to already
// have a colon and a space included.
func (s *serializer) appendKnownHeader(key, value string) {
	s.buff = append(s.buff, key...)
	s.buff = append(s.buff, value...)
	s.crlf()
}

func (s *serializer) appendContentLength(value int64) {
	s.buff = append(s.buff, "Content-Length: "...)
	s.buff = strconv.AppendUint(s.buff, uint64(value), 10)
	s.crlf()
}

func (s *serializer) sp() {
	s.buff = append(s.buff, ' ')
}

func (s *serializer) colonsp() {
	s.buff = append(s.buff, ':', ' ')
}

const crlf = "\r\n"

func (s *serializer) crlf() {
	s.buff = append(s.buff, crlf...)
}

// continueLine is the interim reply to Expect: 100-continue.
var continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// appendChunkLine appends the chunk-size line of a chunk carrying size bytes.
func appendChunkLine(dst []byte, size int, ext string) []byte {
	dst = strconv.AppendUint(dst, uint64(size), 16)
	if len(ext) > 0 {
		if ext[0] != ';' {
			dst = append(dst, ';')
		}

		dst = append(dst, ext...)
	}

	return append(dst, crlf...)
}

// appendTrailer appends the last chunk along with the footers. Malformed footers are
// silently skipped.
func appendTrailer(dst []byte, footers []http.Header) []byte {
	dst = append(dst, '0')
	dst = append(dst, crlf...)

	for _, footer := range footers {
		if !httpguts.ValidHeaderFieldName(footer.Key) || !httpguts.ValidHeaderFieldValue(footer.Value) {
			continue
		}

		dst = append(dst, footer.Key...)
		dst = append(dst, ':', ' ')
		dst = append(dst, footer.Value...)
		dst = append(dst, crlf...)
	}

	return append(dst, crlf...)
}
