package http1

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/status"
	"github.com/indigo-web/mhd/internal/formdata"
	"github.com/indigo-web/mhd/internal/largebuf"
	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/indigo-web/mhd/internal/timer"
	"github.com/indigo-web/mhd/transport"
)

// State is what the stream waits for once Process returns.
type State uint8

const (
	// StateRead waits for the connection to become readable.
	StateRead State = iota
	// StateWrite waits for the connection to become writable.
	StateWrite
	// StateSuspended waits for Resume. The connection must not be polled meanwhile.
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRead:
		return "read"
	case StateWrite:
		return "write"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type stage uint8

const (
	stageHandshake stage = iota
	stageHeaders
	stageHandler
	// stageContinue writes the interim 100 Continue reply
	stageContinue
	stageBody
	stageFooters
	// stageBodyDone invokes the final upload or POST callbacks
	stageBodyDone
	stageReply
	stageClosed
)

// Hooks connect the stream to its owner.
type Hooks struct {
	Handler http.Handler
	// RequestEnded is optional.
	RequestEnded http.RequestEndedFunc
	Log          func(c code.Code, format string, args ...any)
	// Resume is called by Request.Resume from any goroutine once the stream leaves the
	// suspended state. The owner must call Process on its own thread afterward.
	Resume func(s *Stream)
}

// Stream drives a single connection: it reads and parses requests, passes them into
// the application and writes the replies. Everything except Resume must be called from
// the goroutine owning the connection.
//
// Stream never blocks on non-blocking connections. Process does as much as possible and
// returns what the stream waits for.
type Stream struct {
	cfg    *config.Config
	conn   transport.Conn
	hooks  Hooks
	pool   *mempool.Pool
	large  *largebuf.Pool
	req    *http.Request
	parser *Parser
	ser    serializer
	post   *formdata.Parser

	stage   stage
	waiting State
	reason  http.TerminationReason
	// canRead and canWrite are reset only when the connection reports ErrAgain, so
	// edge-triggered readiness isn't lost.
	canRead, canWrite bool
	lastActivity      time.Time

	suspended atomic.Bool
	// paused mirrors suspended on the owner's side
	paused   bool
	resumeAt time.Time

	rbuf       []byte
	rpos, rend int

	// active is set once the first byte of a request is received
	active    bool
	keepAlive bool
	bodyRead  bool
	bodyLeft  uint64
	chunked   chunkedParser
	pending   []byte
	upload    upload

	reply reply
}

// NewStream prepares a stream over the connection. The read buffer is reserved at the
// back of the pool and survives between requests.
func NewStream(cfg *config.Config, conn transport.Conn, pool *mempool.Pool, large *largebuf.Pool, hooks Hooks) (
	*Stream, error,
) {
	slot, ok := pool.AllocateBack(cfg.Pool.ReadBufferSize)
	if !ok {
		return nil, code.PoolMemoryExhausted
	}

	if hooks.Log == nil {
		hooks.Log = func(code.Code, string, ...any) {}
	}

	s := &Stream{
		cfg:          cfg,
		conn:         conn,
		hooks:        hooks,
		pool:         pool,
		large:        large,
		ser:          newSerializer(cfg),
		rbuf:         pool.Bytes(slot),
		lastActivity: timer.Now(),
	}
	s.req = http.NewRequest(s)
	s.parser = NewParser(cfg, pool, s.req)
	s.chunked = newChunkedParser(s.parser.rules)

	return s, nil
}

// Process advances the stream. The flags report readiness observed by the event loop;
// blocking connections are always ready.
func (s *Stream) Process(readable, writable bool) State {
	s.canRead = s.canRead || readable
	s.canWrite = s.canWrite || writable

	if s.paused {
		if s.suspended.Load() {
			return StateSuspended
		}

		s.paused = false
		s.lastActivity = timer.Now()
	}

	for {
		var next bool

		switch s.stage {
		case stageHandshake:
			next = s.handshake()
		case stageHeaders:
			next = s.readHeaders()
		case stageHandler:
			next = s.callHandler()
		case stageContinue:
			next = s.sendContinue()
		case stageBody:
			next = s.readBody()
		case stageFooters:
			next = s.readFooters()
		case stageBodyDone:
			next = s.finishBody()
		case stageReply:
			next = s.writeReply()
		case stageClosed:
			return StateClosed
		}

		if !next {
			return s.state()
		}
	}
}

func (s *Stream) state() State {
	switch {
	case s.stage == stageClosed:
		return StateClosed
	case s.paused:
		return StateSuspended
	default:
		return s.waiting
	}
}

// advance tells whether processing may go on after a stage was left by a callback.
func (s *Stream) advance() bool {
	return !s.paused && s.stage != stageClosed
}

func (s *Stream) wait(state State) bool {
	s.waiting = state
	return false
}

// Resume puts the suspended stream back. The first call wins, the others report
// code.NotSuspended.
func (s *Stream) Resume() error {
	if !s.suspended.CompareAndSwap(true, false) {
		return code.NotSuspended
	}

	if s.hooks.Resume != nil {
		s.hooks.Resume(s)
	}

	return nil
}

// Expire resumes the stream if its resume deadline has passed. It reports whether the
// stream was resumed and must be processed.
func (s *Stream) Expire(now time.Time) bool {
	if !s.paused || s.resumeAt.IsZero() || now.Before(s.resumeAt) {
		return false
	}

	if !s.suspended.CompareAndSwap(true, false) {
		// resumed by the application in the meantime
		return false
	}

	s.hooks.Log(code.ResumeDeadlineFired, "resuming %s", s.conn.RemoteAddr())
	return true
}

// ResumeDeadline returns the moment the suspended stream is resumed at. Zero means never.
func (s *Stream) ResumeDeadline() time.Time {
	if !s.paused {
		return time.Time{}
	}

	return s.resumeAt
}

func (s *Stream) suspend(deadline time.Duration) bool {
	s.paused = true
	s.resumeAt = time.Time{}
	if deadline > 0 {
		s.resumeAt = timer.Now().Add(deadline)
	}

	s.suspended.Store(true)
	return false
}

// LastActivity returns the moment of the last data transfer. Connection timeouts are
// counted from it.
func (s *Stream) LastActivity() time.Time {
	return s.lastActivity
}

func (s *Stream) touch() {
	if now := timer.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// Idle reports whether the stream waits for the next request with nothing buffered.
func (s *Stream) Idle() bool {
	return s.stage == stageHeaders && !s.active && s.rpos == s.rend
}

// Reason returns the termination reason of a closed stream.
func (s *Stream) Reason() http.TerminationReason {
	return s.reason
}

func (s *Stream) Conn() transport.Conn {
	return s.conn
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) TLS() *tls.ConnectionState {
	return s.conn.TLS()
}

// Close terminates the stream with the reason. The request in flight, if any, is ended.
func (s *Stream) Close(reason http.TerminationReason) {
	if s.stage == stageClosed {
		return
	}

	s.endRequest(reason)
	s.stage, s.reason = stageClosed, reason
	s.paused = false
	s.suspended.Store(false)
	_ = s.conn.Close()
}

func (s *Stream) handshake() bool {
	err := s.conn.Handshake()
	switch {
	case err == nil:
		s.stage = stageHeaders
		return true
	case errors.Is(err, transport.ErrInterrupted):
		s.Close(http.DaemonShutdown)
		return false
	default:
		s.hooks.Log(code.TLSHandshakeFailed, "%s: %s", s.conn.RemoteAddr(), err)
		s.Close(http.ConnectionError)
		return false
	}
}

// fill reads from the connection into the read buffer. It returns false if no data was
// read, the stream then either waits or is closed.
func (s *Stream) fill() bool {
	if !s.canRead {
		return s.wait(StateRead)
	}

	switch {
	case s.rpos == s.rend:
		s.rpos, s.rend = 0, 0
	case s.rend == len(s.rbuf):
		s.rend = copy(s.rbuf, s.rbuf[s.rpos:s.rend])
		s.rpos = 0
	}

	n, err := s.conn.Recv(s.rbuf[s.rend:])
	if n > 0 {
		s.rend += n
		s.touch()
	}

	switch {
	case err == nil:
		return n > 0
	case errors.Is(err, transport.ErrAgain):
		s.canRead = false
		if n > 0 {
			return true
		}

		return s.wait(StateRead)
	default:
		s.readFailed(err)
		return false
	}
}

func (s *Stream) readFailed(err error) {
	switch {
	case errors.Is(err, transport.ErrInterrupted):
		s.Close(http.DaemonShutdown)
	case errors.Is(err, io.EOF):
		if !s.active {
			// the client closed the connection between requests
			s.Close(http.CompletedOK)
			return
		}

		s.hooks.Log(code.ClientClosedEarly, "%s", s.conn.RemoteAddr())
		s.Close(http.ClientAbort)
	case errors.Is(err, transport.ErrTimeout):
		s.hooks.Log(code.TimeoutReached, "%s", s.conn.RemoteAddr())
		s.Close(http.TimeoutReached)
	case transport.IsReset(err):
		s.hooks.Log(code.ConnectionReset, "%s", s.conn.RemoteAddr())
		s.Close(http.ClientAbort)
	default:
		s.hooks.Log(code.SocketReadFailed, "%s: %s", s.conn.RemoteAddr(), err)
		s.Close(http.ConnectionError)
	}
}

func (s *Stream) writeFailed(err error) {
	switch {
	case errors.Is(err, transport.ErrInterrupted):
		s.Close(http.DaemonShutdown)
	case errors.Is(err, transport.ErrTimeout):
		s.hooks.Log(code.TimeoutReached, "%s", s.conn.RemoteAddr())
		s.Close(http.TimeoutReached)
	case transport.IsReset(err), errors.Is(err, io.EOF):
		s.hooks.Log(code.ConnectionReset, "%s", s.conn.RemoteAddr())
		s.Close(http.ClientAbort)
	default:
		s.hooks.Log(code.SocketWriteFailed, "%s: %s", s.conn.RemoteAddr(), err)
		s.Close(http.ConnectionError)
	}
}

func (s *Stream) readHeaders() bool {
	for {
		if s.rpos == s.rend && !s.fill() {
			return false
		}

		data := s.rbuf[s.rpos:s.rend]
		s.active = true
		done, extra, err := s.parser.Parse(data)
		if err != nil {
			return s.fail(asCode(err))
		}

		if !done {
			s.rpos = s.rend
			continue
		}

		s.rpos = s.rend - len(extra)
		s.keepAlive = s.parser.KeepAlive()
		s.bodyRead = !s.hasBody()
		s.bodyLeft = 0
		if s.req.ContentLength > 0 {
			s.bodyLeft = uint64(s.req.ContentLength)
		}

		s.stage = stageHandler
		return true
	}
}

func (s *Stream) hasBody() bool {
	return s.req.Chunked || s.req.ContentLength > 0
}

func (s *Stream) callHandler() bool {
	act := s.hooks.Handler(s.req)
	if !act.Valid() {
		c := code.AppNoAction
		if act.Kind == http.ActionKindResponse {
			c = code.AppResponseMissing
		}

		s.hooks.Log(c, "%s %s", s.req.MethodString, s.req.RawTarget)
		s.Close(http.ByApp)
		return false
	}

	switch act.Kind {
	case http.ActionKindResponse:
		return s.respond(act.Response)
	case http.ActionKindSuspend:
		return s.suspend(act.Deadline)
	case http.ActionKindAbort:
		s.Close(http.ByApp)
		return false
	case http.ActionKindProcessUpload:
		if !s.startUpload(act.Upload) {
			return s.advance()
		}
	case http.ActionKindParsePost:
		s.startPost(act.Post)
	}

	switch {
	case s.bodyRead:
		s.stage = stageBodyDone
	case s.parser.ExpectContinue():
		s.stage = stageContinue
	default:
		s.stage = stageBody
	}

	return true
}

func (s *Stream) sendContinue() bool {
	if s.reply.empty() {
		s.reply.queue(continueLine)
	}

	if !s.flush() {
		return false
	}

	s.stage = stageBody
	return true
}

func (s *Stream) readBody() bool {
	for {
		if len(s.pending) > 0 {
			data := s.pending
			n, ok := s.deliver(data)
			if s.stage == stageBody {
				s.pending = data[n:]
			}

			if !ok {
				return s.advance()
			}

			continue
		}

		if !s.req.Chunked && s.bodyLeft == 0 {
			s.bodyRead = true
			s.stage = stageBodyDone
			return true
		}

		if s.rpos == s.rend && !s.fill() {
			return false
		}

		data := s.rbuf[s.rpos:s.rend]

		if !s.req.Chunked {
			n := int(min(s.bodyLeft, uint64(len(data))))
			s.pending = data[:n]
			s.rpos += n
			s.bodyLeft -= uint64(n)
			s.req.Received += uint64(n)
			continue
		}

		chunk, extra, err := s.chunked.Parse(data)
		consumed := len(data) - len(extra)
		s.rpos += consumed
		s.req.Received += uint64(consumed)

		switch {
		case err == io.EOF:
			s.parser.StartFooters()
			s.stage = stageFooters
			return true
		case err != nil:
			return s.fail(asCode(err))
		case s.req.Received > s.cfg.Limits.MaxBodySize:
			return s.fail(code.BodyTooLarge)
		}

		s.pending = chunk
	}
}

func (s *Stream) readFooters() bool {
	for {
		if s.rpos == s.rend && !s.fill() {
			return false
		}

		data := s.rbuf[s.rpos:s.rend]
		done, extra, err := s.parser.Parse(data)
		if err != nil {
			return s.fail(asCode(err))
		}

		if !done {
			s.rpos = s.rend
			continue
		}

		s.rpos = s.rend - len(extra)
		s.bodyRead = true
		s.stage = stageBodyDone
		return true
	}
}

// fail replies with the canned error page and closes the connection afterward. The
// request is ended immediately, so its memory is reused for the reply.
func (s *Stream) fail(c code.Code) bool {
	s.hooks.Log(c, "%s", s.conn.RemoteAddr())

	reason := http.HTTPProtocolError
	if !c.IsClientError() {
		reason = http.NoResources
	}

	s.endRequest(reason)
	s.pool.Reset()
	s.keepAlive, s.bodyRead = false, false
	s.reason = reason

	sc := status.FromCode(c)
	resp := http.NewResponseString(sc, status.CannedBody(sc))
	_ = resp.AddHeader("Content-Type", "text/html")
	_ = resp.SetOptions(http.ConnClose, true)
	_ = resp.Attach()
	s.startReply(resp)

	return true
}

// endRequest notifies about the end of the request in flight and releases everything
// it holds.
func (s *Stream) endRequest(reason http.TerminationReason) {
	if resp := s.reply.resp; resp != nil {
		s.reply.resp = nil
		resp.Terminated(s.req, reason)
		resp.Release()
	}

	if s.active {
		s.active = false
		if s.hooks.RequestEnded != nil {
			s.hooks.RequestEnded(s.req, reason)
		}
	}

	s.upload.release()
	if s.post != nil {
		s.post.Release()
	}

	s.reply.release()
	s.pending = nil
}

// next prepares the stream for the next request on the connection.
func (s *Stream) next() {
	s.req.Reset()
	s.parser.Reset()
	s.pool.Reset()
	s.chunked = newChunkedParser(s.parser.rules)
	s.upload = upload{}
	s.reply.reset()
	s.bodyLeft = 0
	s.stage = stageHeaders
}

func asCode(err error) code.Code {
	var c code.Code
	if errors.As(err, &c) {
		return c
	}

	return code.InternalError
}
