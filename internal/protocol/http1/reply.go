package http1

import (
	"errors"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/internal/largebuf"
	"github.com/indigo-web/mhd/transport"
)

type replyPhase uint8

const (
	phaseHead replyPhase = iota
	phaseFile
	phaseDynamic
	// phaseFlush drains what's left in the queue
	phaseFlush
)

const (
	// the least pool memory worth using as the body scratch, otherwise a large buffer
	// is borrowed
	minScratch   = 512
	maxScratch   = 64 * 1024
	largeScratch = 16 * 1024
	// maxSendfileChunk keeps a single sendfile(2) call from hogging the loop
	maxSendfileChunk = 1 << 20
)

var crlfBytes = []byte(crlf)

type reply struct {
	resp  *http.Response
	plan  replyPlan
	phase replyPhase
	// pos is the number of body bytes produced so far, not counting the framing
	pos    uint64
	out    [][]byte
	outPos int

	chunkLine []byte
	trailer   []byte
	single    [1][]byte

	scratch    []byte
	scratchBuf *largebuf.Buffer
	// noSendfile is a property of the connection, so it survives between requests
	noSendfile bool
}

func (r *reply) queue(b []byte) {
	r.out = append(r.out, b)
}

func (r *reply) empty() bool {
	return r.outPos == len(r.out)
}

func (r *reply) release() {
	if r.scratchBuf != nil {
		r.scratchBuf.Release()
		r.scratchBuf = nil
	}

	r.scratch = nil
}

func (r *reply) reset() {
	r.release()
	r.out, r.outPos = r.out[:0], 0
	r.phase, r.pos = phaseHead, 0
}

// emit queues the piece of the body, framed as a chunk if needed.
func (r *reply) emit(pieces [][]byte, size int, ext string) {
	if size == 0 {
		return
	}

	chunked := r.plan.framing == framingChunked
	if chunked {
		r.chunkLine = appendChunkLine(r.chunkLine[:0], size, ext)
		r.queue(r.chunkLine)
	}

	r.out = append(r.out, pieces...)

	if chunked {
		r.queue(crlfBytes)
	}

	r.pos += uint64(size)
}

// end queues the last chunk along with the footers. Non-chunked replies have nothing to end.
func (r *reply) end(footers []http.Header) {
	if r.plan.framing == framingChunked {
		r.trailer = appendTrailer(r.trailer[:0], footers)
		r.queue(r.trailer)
	}
}

// respond attaches the response to the request and starts the reply.
func (s *Stream) respond(resp *http.Response) bool {
	if err := resp.Attach(); err != nil {
		s.hooks.Log(asCode(err), "%s %s", s.req.MethodString, s.req.RawTarget)
		s.Close(http.ByApp)
		return false
	}

	s.startReply(resp)
	return true
}

func (s *Stream) startReply(resp *http.Response) {
	r := &s.reply
	r.reset()
	r.resp = resp
	// the connection can't be reused if the rest of the request body is still on the wire
	r.plan = planReply(s.req, resp, s.keepAlive && s.bodyRead)
	s.stage = stageReply
}

func (s *Stream) writeReply() bool {
	r := &s.reply

	for {
		switch r.phase {
		case phaseHead:
			head, ok := s.ser.Headers(s.pool.Tail(), s.req, r.resp, r.plan)
			if !ok {
				s.hooks.Log(code.PoolMemoryExhausted, "reply header of %s %s", s.req.MethodString, s.req.RawTarget)
				s.Close(http.NoResources)
				return false
			}

			slot, _ := s.pool.Allocate(len(head))
			r.queue(s.pool.Bytes(slot))
			r.phase = s.queueBody()
		case phaseFile:
			if !s.sendFile() {
				return false
			}
		case phaseDynamic:
			if !s.dynamic() {
				return false
			}
		case phaseFlush:
			if !s.flush() {
				return false
			}

			s.replyDone()
			return s.advance()
		}
	}
}

// queueBody queues in-memory bodies at once. Others are produced in their own phases.
func (s *Stream) queueBody() replyPhase {
	r := &s.reply
	resp := r.resp

	if r.plan.framing == framingNone {
		return phaseFlush
	}

	switch resp.Kind() {
	case http.BodyBuffer:
		r.single[0] = resp.Buffer()
		r.emit(r.single[:], len(r.single[0]), "")
	case http.BodyIOVec:
		r.emit(resp.IOVec(), int(resp.Size()), "")
	case http.BodyFD:
		if r.plan.framing == framingChunked && resp.Size() > 0 {
			// the whole file goes as a single chunk
			r.chunkLine = appendChunkLine(r.chunkLine[:0], int(resp.Size()), "")
			r.queue(r.chunkLine)
		}

		return phaseFile
	case http.BodyDynamic:
		return phaseDynamic
	}

	r.end(nil)
	return phaseFlush
}

func (s *Stream) sendFile() bool {
	r := &s.reply
	file, offset := r.resp.File()
	size := uint64(r.resp.Size())

	for r.pos < size {
		if !s.flush() {
			return false
		}

		if !r.noSendfile {
			if !s.canWrite {
				return s.wait(StateWrite)
			}

			n, err := s.conn.Sendfile(file, offset+int64(r.pos), int(min(size-r.pos, maxSendfileChunk)))
			if n > 0 {
				r.pos += uint64(n)
				s.touch()
			}

			switch {
			case err == nil:
				if n == 0 {
					s.hooks.Log(code.AppFileReadFailed, "file ended %d bytes early", size-r.pos)
					s.Close(http.ByApp)
					return false
				}

				continue
			case errors.Is(err, transport.ErrAgain):
				s.canWrite = false
				return s.wait(StateWrite)
			case errors.Is(err, transport.ErrSendfileUnsupported):
				r.noSendfile = true
			default:
				s.hooks.Log(code.SendfileFailed, "%s: %s", s.conn.RemoteAddr(), err)
				s.Close(http.ConnectionError)
				return false
			}
		}

		buf := s.scratch()
		if buf == nil {
			return false
		}

		k := int(min(uint64(len(buf)), size-r.pos))
		n, err := file.ReadAt(buf[:k], offset+int64(r.pos))
		if n == 0 {
			s.hooks.Log(code.AppFileReadFailed, "%s", err)
			s.Close(http.ByApp)
			return false
		}

		r.queue(buf[:n])
		r.pos += uint64(n)
	}

	if r.plan.framing == framingChunked && size > 0 {
		r.queue(crlfBytes)
	}

	r.end(nil)
	r.phase = phaseFlush
	return true
}

func (s *Stream) dynamic() bool {
	r := &s.reply
	produce := r.resp.Dynamic()

	for {
		// the scratch is reused by every invocation, so the previous piece must be gone
		if !s.flush() {
			return false
		}

		if r.plan.framing == framingLength && r.pos >= uint64(r.plan.length) {
			r.phase = phaseFlush
			return true
		}

		buf := s.scratch()
		if buf == nil {
			return false
		}

		act := produce(r.pos, buf)

		switch act.Kind {
		case http.DynamicKindContinue:
			if act.N <= 0 || act.N > len(buf) {
				s.hooks.Log(code.AppDynamicOverflow, "reported %d bytes into %d bytes buffer", act.N, len(buf))
				s.Close(http.ByApp)
				return false
			}

			r.single[0] = buf[:act.N]
			if !s.emitDynamic(r.single[:], act.N, act.ChunkExt) {
				return false
			}
		case http.DynamicKindContinueZeroCopy:
			size := 0
			for _, piece := range act.IOV {
				size += len(piece)
			}

			if size == 0 {
				s.hooks.Log(code.AppActionInvalid, "zero-copy continuation with no data")
				s.Close(http.ByApp)
				return false
			}

			if !s.emitDynamic(act.IOV, size, act.ChunkExt) {
				return false
			}
		case http.DynamicKindFinish:
			if r.plan.framing == framingLength && r.pos < uint64(r.plan.length) {
				s.hooks.Log(code.ReplyFramingInconsistent, "finished at %d of %d bytes", r.pos, r.plan.length)
				s.Close(http.ByApp)
				return false
			}

			r.end(act.Footers)
			r.phase = phaseFlush
			return true
		case http.DynamicKindSuspend:
			return s.suspend(act.Deadline)
		case http.DynamicKindAbort:
			s.hooks.Log(code.AppDynamicAbort, "%s %s", s.req.MethodString, s.req.RawTarget)
			s.Close(http.ByApp)
			return false
		default:
			s.hooks.Log(code.AppNoAction, "dynamic content callback")
			s.Close(http.ByApp)
			return false
		}
	}
}

func (s *Stream) emitDynamic(pieces [][]byte, size int, ext string) bool {
	r := &s.reply
	if r.plan.framing == framingLength && r.pos+uint64(size) > uint64(r.plan.length) {
		s.hooks.Log(code.AppDynamicOverflow, "%d bytes past the length of %d", r.pos+uint64(size), r.plan.length)
		s.Close(http.ByApp)
		return false
	}

	r.emit(pieces, size, ext)
	return true
}

// scratch returns the buffer the body is produced into. The rest of the pool is preferred.
func (s *Stream) scratch() []byte {
	r := &s.reply
	if r.scratch != nil {
		return r.scratch
	}

	if tail := s.pool.Tail(); len(tail) >= minScratch {
		slot, _ := s.pool.Allocate(min(len(tail), maxScratch))
		r.scratch = s.pool.Bytes(slot)
		return r.scratch
	}

	buf, ok := s.large.Acquire(largeScratch)
	if !ok {
		s.hooks.Log(code.LargeBufferExhausted, "reply body of %s %s", s.req.MethodString, s.req.RawTarget)
		s.Close(http.NoResources)
		return nil
	}

	r.scratchBuf, r.scratch = buf, buf.Bytes()
	return r.scratch
}

// flush writes the queue out. It returns false if the connection isn't able to take
// everything now.
func (s *Stream) flush() bool {
	r := &s.reply

	for r.outPos < len(r.out) {
		buf := r.out[r.outPos]
		if len(buf) == 0 {
			r.outPos++
			continue
		}

		if !s.canWrite {
			return s.wait(StateWrite)
		}

		n, err := s.conn.Send(buf)
		if n > 0 {
			r.out[r.outPos] = buf[n:]
			s.touch()
			if n == len(buf) {
				r.outPos++
			}
		}

		if err != nil {
			if errors.Is(err, transport.ErrAgain) {
				s.canWrite = false
				return s.wait(StateWrite)
			}

			s.writeFailed(err)
			return false
		}
	}

	r.out, r.outPos = r.out[:0], 0
	return true
}

func (s *Stream) replyDone() {
	keepAlive := s.reply.plan.keepAlive
	s.endRequest(http.CompletedOK)

	if !keepAlive {
		_ = s.conn.CloseWrite()
		// the reason is only set if the request failed
		s.Close(s.reason)
		return
	}

	s.next()
}
