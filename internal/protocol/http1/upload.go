package http1

import (
	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/formdata"
	"github.com/indigo-web/mhd/internal/largebuf"
)

type uploadMode uint8

const (
	uploadNone uploadMode = iota
	// uploadFull accumulates the whole body for a single callback invocation
	uploadFull
	uploadIncremental
	uploadPost
)

// the initial size of the buffer accumulating chunked bodies
const initialUploadBuffer = 4096

type upload struct {
	mode   uploadMode
	params http.UploadParams
	limit  int
	buf    *largebuf.Buffer
	used   int
	// final is set once the final callback was invoked. If it suspended the request, the
	// callback is invoked once more after resumption, but with no data
	final bool
}

func (u *upload) release() {
	if u.buf != nil {
		u.buf.Release()
		u.buf = nil
	}
}

// startUpload picks the way the body is delivered. It returns false if the request was
// rejected.
func (s *Stream) startUpload(params http.UploadParams) bool {
	s.upload = upload{mode: uploadIncremental, params: params, limit: params.BufferSize}
	if s.upload.limit <= 0 {
		s.upload.limit = s.cfg.Pool.LargeBufferPerRequest
	}

	if params.Full == nil {
		return true
	}

	size := 0
	switch {
	case s.req.Chunked:
		size = min(s.upload.limit, initialUploadBuffer)
	case s.req.ContentLength <= int64(s.upload.limit):
		size = int(s.req.ContentLength)
	case params.Incremental != nil:
		return true
	default:
		s.fail(code.BodyTooLarge)
		return false
	}

	if size > 0 {
		buf, ok := s.large.Acquire(size)
		if !ok {
			if params.Incremental != nil {
				return true
			}

			s.fail(code.LargeBufferExhausted)
			return false
		}

		s.upload.buf = buf
	}

	s.upload.mode = uploadFull
	return true
}

func (s *Stream) startPost(params http.PostParams) {
	if s.post == nil {
		s.post = formdata.New(s.large, s.parser.rules.bareLF)
	}

	s.upload = upload{mode: uploadPost}
	if result := s.post.Start(s.req, params); !result.OK() {
		// the body is still read, so the result reaches the application via Done
		s.hooks.Log(postCode(result), "%s", result)
	}
}

func postCode(result http.PostResult) code.Code {
	switch result {
	case http.PostFailedNoLargeBufMem, http.PostFailedNoPoolMem:
		return code.LargeBufferExhausted
	case http.PostFailedNoContentType, http.PostFailedUnknownContentType:
		return code.PostUnknownContentType
	default:
		return code.PostMalformed
	}
}

// deliver passes the piece of the body into the application. It returns how much of the
// data was consumed, and false if the body processing must not go on in this iteration.
func (s *Stream) deliver(data []byte) (int, bool) {
	switch s.upload.mode {
	case uploadFull:
		return s.store(data)
	case uploadIncremental:
		act := s.upload.params.Incremental(s.req, s.req.Processed, data)
		s.req.Processed += uint64(len(data))
		return len(data), s.uploadAction(act, false)
	case uploadPost:
		n, act := s.post.Feed(data)
		s.req.Processed += uint64(n)
		if act.Kind == http.UploadKindContinue {
			return n, true
		}

		return n, s.uploadAction(act, false)
	default:
		return len(data), true
	}
}

// store accumulates the data for the full upload callback. Once the body doesn't fit,
// the delivery switches to the incremental callback.
func (s *Stream) store(data []byte) (int, bool) {
	u := &s.upload
	need := u.used + len(data)

	if need > u.limit {
		return s.overflow(data, code.BodyTooLarge)
	}

	if u.buf == nil || need > u.buf.Len() {
		if u.buf == nil {
			buf, ok := s.large.Acquire(min(max(need, initialUploadBuffer), u.limit))
			if !ok {
				return s.overflow(data, code.LargeBufferExhausted)
			}

			u.buf = buf
		} else if !u.buf.Grow(min(max(need, 2*u.buf.Len()), u.limit) - u.buf.Len()) {
			return s.overflow(data, code.LargeBufferExhausted)
		}
	}

	u.used += copy(u.buf.Bytes()[u.used:], data)
	return len(data), true
}

func (s *Stream) overflow(data []byte, c code.Code) (int, bool) {
	u := &s.upload
	if u.params.Incremental == nil {
		s.fail(c)
		return len(data), false
	}

	u.mode = uploadIncremental
	if u.used > 0 {
		act := u.params.Incremental(s.req, 0, u.buf.Bytes()[:u.used])
		s.req.Processed = uint64(u.used)
		u.used = 0
		u.release()

		if !s.uploadAction(act, false) {
			return 0, false
		}
	}

	u.release()
	return s.deliver(data)
}

func (s *Stream) finishBody() bool {
	var act http.UploadAction
	resumed := s.upload.final

	switch s.upload.mode {
	case uploadFull:
		var body []byte
		if !resumed {
			if s.upload.buf != nil {
				body = s.upload.buf.Bytes()[:s.upload.used]
			}

			s.req.Processed = uint64(len(body))
		}

		s.upload.final = true
		act = s.upload.params.Full(s.req, body)
	case uploadIncremental:
		s.upload.final = true
		act = s.upload.params.Incremental(s.req, s.req.Processed, nil)
	case uploadPost:
		result := s.post.Result()
		if !resumed {
			var streamAct http.UploadAction
			if result, streamAct = s.post.Finish(); streamAct.Kind != http.UploadKindContinue {
				s.uploadAction(streamAct, false)
				return s.advance()
			}
		}

		s.upload.final = true
		act = s.post.Params().Done(s.req, result)
	default:
		s.hooks.Log(code.InternalError, "body completed with no upload mode")
		s.Close(http.ByApp)
		return false
	}

	s.uploadAction(act, true)
	return s.advance()
}

// uploadAction applies the decision of an upload callback. It returns true if the body
// delivery goes on.
func (s *Stream) uploadAction(act http.UploadAction, final bool) bool {
	if !act.Valid() {
		s.hooks.Log(code.AppNoAction, "%s %s: upload callback", s.req.MethodString, s.req.RawTarget)
		s.Close(http.ByApp)
		return false
	}

	switch act.Kind {
	case http.UploadKindContinue:
		if final {
			s.hooks.Log(code.AppUploadFinalContinue, "%s %s", s.req.MethodString, s.req.RawTarget)
			s.Close(http.ByApp)
			return false
		}

		return true
	case http.UploadKindSuspend:
		return s.suspend(act.Deadline)
	case http.UploadKindResponse:
		s.respond(act.Response)
		return false
	default:
		s.Close(http.ByApp)
		return false
	}
}
