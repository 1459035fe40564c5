package http1

import (
	"bufio"
	"bytes"
	"io"
	stdhttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/status"
	"github.com/indigo-web/mhd/internal/largebuf"
	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/indigo-web/mhd/transport"
	"github.com/indigo-web/mhd/transport/dummy"
	"github.com/stretchr/testify/require"
)

type streamTest struct {
	s       *Stream
	ended   []http.TerminationReason
	logs    []code.Code
	resumed int
}

func newStreamTest(t *testing.T, conn transport.Conn, handler http.Handler) *streamTest {
	return newStreamTestWith(t, config.Default(), conn, handler)
}

func newStreamTestWith(t *testing.T, cfg *config.Config, conn transport.Conn, handler http.Handler) *streamTest {
	st := new(streamTest)
	s, err := NewStream(
		cfg, conn,
		mempool.New(cfg.Pool.Size),
		largebuf.New(cfg.Pool.LargeBufferTotal, cfg.Pool.LargeBufferPerRequest),
		Hooks{
			Handler: handler,
			RequestEnded: func(_ *http.Request, reason http.TerminationReason) {
				st.ended = append(st.ended, reason)
			},
			Log: func(c code.Code, _ string, _ ...any) {
				st.logs = append(st.logs, c)
			},
			Resume: func(*Stream) {
				st.resumed++
			},
		},
	)
	require.NoError(t, err)
	st.s = s

	return st
}

// run processes the stream until it waits for anything except writability.
func (st *streamTest) run() State {
	state := st.s.Process(true, true)
	for i := 0; state == StateWrite && i < 100000; i++ {
		state = st.s.Process(false, true)
	}

	return state
}

type wireResponse struct {
	*stdhttp.Response
	Data string
}

func readResponses(t *testing.T, data string, m string) (responses []wireResponse) {
	r := bufio.NewReader(strings.NewReader(data))
	for {
		if _, err := r.Peek(1); err != nil {
			return responses
		}

		stdreq, err := stdhttp.NewRequest(m, "/", nil)
		require.NoError(t, err)
		resp, err := stdhttp.ReadResponse(r, stdreq)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		responses = append(responses, wireResponse{Response: resp, Data: string(body)})
	}
}

func respondWith(body string) http.Handler {
	return func(*http.Request) http.Action {
		return http.ActionResponse(http.NewResponseString(status.OK, body))
	}
}

func echoPath(req *http.Request) http.Action {
	return http.ActionResponse(http.NewResponseString(status.OK, strings.Clone(req.Path)))
}

func TestStream(t *testing.T) {
	t.Run("simple GET", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		require.Equal(t, 200, responses[0].StatusCode)
		require.Equal(t, "hello", responses[0].Data)
		require.False(t, responses[0].Close)

		require.Equal(t, []http.TerminationReason{http.CompletedOK}, st.ended)
		require.Equal(t, http.CompletedOK, st.s.Reason())
		require.True(t, conn.Closed())
	})

	t.Run("pipelined", func(t *testing.T) {
		conn := dummy.NewConn([]byte(
			"GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\nGET /c HTTP/1.1\r\nHost: x\r\n\r\n",
		))
		st := newStreamTest(t, conn, echoPath)
		require.Equal(t, StateClosed, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 3)
		for i, want := range []string{"/a", "/b", "/c"} {
			require.Equal(t, want, responses[i].Data)
		}

		require.Len(t, st.ended, 3)
	})

	t.Run("scattered", func(t *testing.T) {
		raw := []byte("GET /hello HTTP/1.1\r\nHost: x\r\nAccept: */*\r\n\r\nGET /world HTTP/1.1\r\nHost: x\r\n\r\n")
		for n := 1; n < len(raw); n++ {
			conn := dummy.NewConn(scatter(raw, n)...)
			st := newStreamTest(t, conn, echoPath)
			require.Equal(t, StateClosed, st.run())

			responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
			require.Len(t, responses, 2, n)
			require.Equal(t, "/hello", responses[0].Data)
			require.Equal(t, "/world", responses[1].Data)
		}
	})

	t.Run("connection close", func(t *testing.T) {
		conn := dummy.NewConn([]byte(
			"GET /a HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n",
		))
		st := newStreamTest(t, conn, echoPath)
		require.Equal(t, StateClosed, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		require.True(t, responses[0].Close)
		require.Equal(t, []http.TerminationReason{http.CompletedOK}, st.ended)
	})

	t.Run("HTTP/1.0", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.0\r\n\r\n"))
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		require.True(t, responses[0].Close)
		require.Equal(t, "hello", responses[0].Data)
	})

	t.Run("HEAD", func(t *testing.T) {
		conn := dummy.NewConn([]byte("HEAD / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())
		require.False(t, strings.Contains(conn.Written(), "hello"))
		require.True(t, strings.HasSuffix(conn.Written(), "\r\n\r\n"))
	})

	t.Run("waiting for more", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHo")).Hold()
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateRead, st.run())
		require.Empty(t, conn.Written())
		require.False(t, st.s.Idle())

		conn.Push([]byte("st: x\r\n\r\n"))
		require.Equal(t, StateRead, st.run())
		require.Len(t, readResponses(t, conn.Written(), stdhttp.MethodGet), 1)
		require.True(t, st.s.Idle())
	})

	t.Run("client closes in the middle", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHo"))
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, http.ClientAbort, st.s.Reason())
		require.Contains(t, st.logs, code.ClientClosedEarly)
	})

	t.Run("termination callback", func(t *testing.T) {
		var reasons []http.TerminationReason
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			resp := http.NewResponseString(status.OK, "hello")
			require.NoError(t, resp.OnTermination(func(_ *http.Request, reason http.TerminationReason) {
				reasons = append(reasons, reason)
			}))

			return http.ActionResponse(resp)
		})
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, []http.TerminationReason{http.CompletedOK}, reasons)
	})

	t.Run("reusable response", func(t *testing.T) {
		resp := http.NewResponseString(status.OK, "shared")
		require.NoError(t, resp.SetOptions(http.Reusable, true))
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(resp)
		})
		require.Equal(t, StateClosed, st.run())
		require.Len(t, readResponses(t, conn.Written(), stdhttp.MethodGet), 2)
		resp.Destroy()
	})

	t.Run("response reused", func(t *testing.T) {
		resp := http.NewResponseString(status.OK, "once")
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(resp)
		})
		require.Equal(t, StateClosed, st.run())
		require.Len(t, readResponses(t, conn.Written(), stdhttp.MethodGet), 1)
		require.Contains(t, st.logs, code.AppResponseReused)
		require.Equal(t, http.ByApp, st.s.Reason())
	})
}

func TestStreamErrors(t *testing.T) {
	t.Run("malformed request", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		called := false
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			called = true
			return http.ActionAbort()
		})
		require.Equal(t, StateClosed, st.run())
		require.False(t, called)

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		require.Equal(t, 400, responses[0].StatusCode)
		require.True(t, responses[0].Close)
		require.Equal(t, "text/html", responses[0].Header.Get("Content-Type"))

		require.Equal(t, []http.TerminationReason{http.HTTPProtocolError}, st.ended)
		require.Equal(t, http.HTTPProtocolError, st.s.Reason())
		require.Contains(t, st.logs, code.HostHeaderMissing)
	})

	t.Run("unsupported version", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.2\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())
		require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 505 "))
	})

	t.Run("request line too long", func(t *testing.T) {
		cfg := config.Default()
		cfg.Pool.Size = 8 * 1024
		cfg.Pool.ReadBufferSize = 1024
		conn := dummy.NewConn([]byte("GET /" + strings.Repeat("a", 8*1024) + " HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTestWith(t, cfg, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())
		require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 414 "))
	})

	t.Run("no action", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.Action{}
		})
		require.Equal(t, StateClosed, st.run())
		require.Empty(t, conn.Written())
		require.Equal(t, []http.TerminationReason{http.ByApp}, st.ended)
		require.Contains(t, st.logs, code.AppNoAction)
	})

	t.Run("missing response", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(nil)
		})
		require.Equal(t, StateClosed, st.run())
		require.Contains(t, st.logs, code.AppResponseMissing)
	})

	t.Run("abort", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionAbort()
		})
		require.Equal(t, StateClosed, st.run())
		require.Empty(t, conn.Written())
		require.True(t, conn.Closed())
		require.Equal(t, []http.TerminationReason{http.ByApp}, st.ended)
	})

	t.Run("handshake", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")).FailHandshake(io.ErrUnexpectedEOF)
		st := newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())
		require.Empty(t, conn.Written())
		require.True(t, conn.Closed())
		require.Equal(t, http.ConnectionError, st.s.Reason())
		require.Contains(t, st.logs, code.TLSHandshakeFailed)

		conn = dummy.NewConn().FailHandshake(transport.ErrInterrupted)
		st = newStreamTest(t, conn, respondWith("hello"))
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, http.DaemonShutdown, st.s.Reason())
	})

	t.Run("no memory for the read buffer", func(t *testing.T) {
		cfg := config.Default()
		cfg.Pool.Size = 1024
		cfg.Pool.ReadBufferSize = 4096
		_, err := NewStream(cfg, dummy.NewConn(), mempool.New(cfg.Pool.Size), largebuf.New(0, 0), Hooks{})
		require.ErrorIs(t, err, code.PoolMemoryExhausted)
	})
}

func TestStreamBody(t *testing.T) {
	const chunkedRequest = "PUT / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Sum: 11\r\n\r\n"

	fullUpload := func(body *string) http.Handler {
		return func(*http.Request) http.Action {
			return http.ActionProcessUpload(0, func(req *http.Request, data []byte) http.UploadAction {
				*body = string(data)
				return http.UploadResponse(http.NewResponseString(status.OK, strconv.Itoa(len(data))))
			}, nil)
		}
	}

	t.Run("full upload", func(t *testing.T) {
		var body string
		conn := dummy.NewConn([]byte("PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello world"))
		st := newStreamTest(t, conn, fullUpload(&body))
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, "hello world", body)

		responses := readResponses(t, conn.Written(), stdhttp.MethodPut)
		require.Len(t, responses, 1)
		require.Equal(t, "11", responses[0].Data)
		require.False(t, responses[0].Close)
		require.Equal(t, []http.TerminationReason{http.CompletedOK}, st.ended)
	})

	t.Run("full chunked upload", func(t *testing.T) {
		for n := 1; n <= len(chunkedRequest); n++ {
			var body string
			conn := dummy.NewConn(scatter([]byte(chunkedRequest), n)...)
			st := newStreamTest(t, conn, fullUpload(&body))
			require.Equal(t, StateClosed, st.run())
			require.Equal(t, "hello world", body, n)
		}
	})

	t.Run("incremental chunked upload", func(t *testing.T) {
		for n := 1; n <= len(chunkedRequest); n++ {
			var (
				body    []byte
				offsets []uint64
				footer  string
			)

			conn := dummy.NewConn(scatter([]byte(chunkedRequest), n)...)
			st := newStreamTest(t, conn, func(*http.Request) http.Action {
				return http.ActionProcessUpload(0, nil, func(req *http.Request, offset uint64, data []byte) http.UploadAction {
					if data == nil {
						footer, _ = req.Value(http.KindFooter, "x-sum")
						footer = strings.Clone(footer)
						return http.UploadResponse(http.NewResponseEmpty(status.NoContent))
					}

					require.EqualValues(t, len(body), offset)
					offsets = append(offsets, offset)
					body = append(body, data...)
					return http.UploadContinue()
				})
			})
			require.Equal(t, StateClosed, st.run())
			require.Equal(t, "hello world", string(body), n)
			require.Equal(t, "11", footer)
			require.NotEmpty(t, offsets)
			require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 204 "))
		}
	})

	t.Run("overflow to incremental", func(t *testing.T) {
		var body []byte
		fullCalled := false
		conn := dummy.NewConn(scatter([]byte(chunkedRequest), 7)...)
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionProcessUpload(4, func(*http.Request, []byte) http.UploadAction {
				fullCalled = true
				return http.UploadAbort()
			}, func(req *http.Request, offset uint64, data []byte) http.UploadAction {
				if data == nil {
					return http.UploadResponse(http.NewResponseEmpty(status.OK))
				}

				require.EqualValues(t, len(body), offset)
				body = append(body, data...)
				return http.UploadContinue()
			})
		})
		require.Equal(t, StateClosed, st.run())
		require.False(t, fullCalled)
		require.Equal(t, "hello world", string(body))
	})

	t.Run("too large for full upload", func(t *testing.T) {
		conn := dummy.NewConn([]byte("PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello world"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionProcessUpload(4, func(*http.Request, []byte) http.UploadAction {
				return http.UploadAbort()
			}, nil)
		})
		require.Equal(t, StateClosed, st.run())
		require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 413 "))
		require.Equal(t, []http.TerminationReason{http.HTTPProtocolError}, st.ended)
	})

	t.Run("body too large", func(t *testing.T) {
		cfg := config.Default()
		cfg.Limits.MaxBodySize = 8
		conn := dummy.NewConn([]byte(chunkedRequest))
		st := newStreamTestWith(t, cfg, conn, func(*http.Request) http.Action {
			return http.ActionProcessUpload(0, nil, func(*http.Request, uint64, []byte) http.UploadAction {
				return http.UploadContinue()
			})
		})
		require.Equal(t, StateClosed, st.run())
		require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 413 "))
	})

	t.Run("final continue", func(t *testing.T) {
		conn := dummy.NewConn([]byte("PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionProcessUpload(0, func(*http.Request, []byte) http.UploadAction {
				return http.UploadContinue()
			}, nil)
		})
		require.Equal(t, StateClosed, st.run())
		require.Empty(t, conn.Written())
		require.Contains(t, st.logs, code.AppUploadFinalContinue)
		require.Equal(t, []http.TerminationReason{http.ByApp}, st.ended)
	})

	t.Run("unread body closes the connection", func(t *testing.T) {
		conn := dummy.NewConn([]byte(
			"PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhelloGET / HTTP/1.1\r\nHost: x\r\n\r\n",
		))
		st := newStreamTest(t, conn, respondWith("early"))
		require.Equal(t, StateClosed, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodPut)
		require.Len(t, responses, 1)
		require.True(t, responses[0].Close)
		require.Equal(t, "early", responses[0].Data)
	})

	t.Run("100 continue", func(t *testing.T) {
		var body string
		conn := dummy.NewConn(
			[]byte("PUT / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 11\r\n\r\n"),
			[]byte("hello world"),
		)
		st := newStreamTest(t, conn, fullUpload(&body))
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, "hello world", body)

		responses := readResponses(t, conn.Written(), stdhttp.MethodPut)
		require.Len(t, responses, 2)
		require.Equal(t, 100, responses[0].StatusCode)
		require.Equal(t, 200, responses[1].StatusCode)
	})

	t.Run("no 100 continue for immediate reply", func(t *testing.T) {
		conn := dummy.NewConn([]byte("PUT / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 11\r\n\r\n"))
		st := newStreamTest(t, conn, respondWith("no"))
		require.Equal(t, StateClosed, st.run())
		require.False(t, strings.Contains(conn.Written(), "100 Continue"))
	})

	t.Run("POST form", func(t *testing.T) {
		var fields []http.PostField
		conn := dummy.NewConn([]byte(
			"POST / HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\n" +
				"Content-Length: 17\r\n\r\na=1&b=hello+world",
		))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionParsePost(http.PostParams{
				BufferSize: 1024,
				Done: func(req *http.Request, result http.PostResult) http.UploadAction {
					require.Equal(t, http.PostOK, result)
					for _, field := range req.PostFields() {
						fields = append(fields, http.PostField{
							Name:  strings.Clone(field.Name),
							Value: http.Str(strings.Clone(field.Value.Value)),
						})
					}

					return http.UploadResponse(http.NewResponseEmpty(status.OK))
				},
			})
		})
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, []http.PostField{
			{Name: "a", Value: http.Str("1")},
			{Name: "b", Value: http.Str("hello world")},
		}, fields)
	})

	t.Run("POST with unknown content type", func(t *testing.T) {
		var got http.PostResult
		conn := dummy.NewConn([]byte("POST / HTTP/1.1\r\nHost: x\r\nContent-Type: foo/bar\r\nContent-Length: 3\r\n\r\nabc"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionParsePost(http.PostParams{
				BufferSize: 1024,
				Done: func(_ *http.Request, result http.PostResult) http.UploadAction {
					got = result
					return http.UploadResponse(http.NewResponseEmpty(status.UnsupportedMediaType))
				},
			})
		})
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, http.PostFailedUnknownContentType, got)
		require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 415 "))
	})
}

func TestStreamSuspend(t *testing.T) {
	t.Run("resume", func(t *testing.T) {
		var (
			calls int
			saved *http.Request
		)

		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")).Hold()
		st := newStreamTest(t, conn, func(req *http.Request) http.Action {
			if calls++; calls == 1 {
				saved = req
				return http.ActionSuspend(0)
			}

			return http.ActionResponse(http.NewResponseString(status.OK, "resumed"))
		})

		require.Equal(t, StateSuspended, st.run())
		require.Equal(t, StateSuspended, st.run())
		require.Empty(t, conn.Written())
		require.True(t, st.s.ResumeDeadline().IsZero())

		require.NoError(t, saved.Resume())
		require.ErrorIs(t, saved.Resume(), code.NotSuspended)
		require.Equal(t, 1, st.resumed)

		require.Equal(t, StateRead, st.run())
		require.Equal(t, 2, calls)
		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		require.Equal(t, "resumed", responses[0].Data)
	})

	t.Run("deadline", func(t *testing.T) {
		calls := 0
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")).Hold()
		st := newStreamTest(t, conn, func(req *http.Request) http.Action {
			if calls++; calls == 1 {
				return http.ActionSuspend(time.Minute)
			}

			return http.ActionResponse(http.NewResponseString(status.OK, "expired"))
		})

		require.Equal(t, StateSuspended, st.run())
		require.False(t, st.s.ResumeDeadline().IsZero())
		require.False(t, st.s.Expire(time.Now()))
		require.True(t, st.s.Expire(time.Now().Add(time.Hour)))
		require.Contains(t, st.logs, code.ResumeDeadlineFired)

		require.Equal(t, StateRead, st.run())
		require.Contains(t, conn.Written(), "expired")
	})

	t.Run("close while suspended", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")).Hold()
		st := newStreamTest(t, conn, func(req *http.Request) http.Action {
			return http.ActionSuspend(0)
		})

		require.Equal(t, StateSuspended, st.run())
		st.s.Close(http.DaemonShutdown)
		require.Equal(t, StateClosed, st.run())
		require.Equal(t, []http.TerminationReason{http.DaemonShutdown}, st.ended)
		require.ErrorIs(t, st.s.Resume(), code.NotSuspended)
	})

	t.Run("upload", func(t *testing.T) {
		var body []byte
		suspended := false
		conn := dummy.NewConn([]byte("PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello world")).Hold()
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionProcessUpload(0, nil, func(_ *http.Request, _ uint64, data []byte) http.UploadAction {
				if data == nil {
					return http.UploadResponse(http.NewResponseEmpty(status.OK))
				}

				body = append(body, data...)
				if !suspended {
					suspended = true
					return http.UploadSuspend(0)
				}

				return http.UploadContinue()
			})
		})

		require.Equal(t, StateSuspended, st.run())
		require.NoError(t, st.s.Resume())
		require.Equal(t, StateRead, st.run())
		require.Equal(t, "hello world", string(body))
		require.True(t, strings.HasPrefix(conn.Written(), "HTTP/1.1 200 "))
	})

	t.Run("final upload callback", func(t *testing.T) {
		const request = "PUT / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"

		resume := func(t *testing.T, conn *dummy.Conn, st *streamTest) {
			require.Equal(t, StateSuspended, st.run())
			require.NoError(t, st.s.Resume())
			require.Equal(t, StateRead, st.run())

			responses := readResponses(t, conn.Written(), stdhttp.MethodPut)
			require.Len(t, responses, 1)
			require.Equal(t, stdhttp.StatusOK, responses[0].StatusCode)
		}

		t.Run("full", func(t *testing.T) {
			var bodies []string
			conn := dummy.NewConn([]byte(request)).Hold()
			st := newStreamTest(t, conn, func(*http.Request) http.Action {
				return http.ActionProcessUpload(0, func(req *http.Request, data []byte) http.UploadAction {
					bodies = append(bodies, string(data))
					require.EqualValues(t, 5, req.Processed)
					if len(bodies) == 1 {
						return http.UploadSuspend(0)
					}

					return http.UploadResponse(http.NewResponseEmpty(status.OK))
				}, nil)
			})

			resume(t, conn, st)
			require.Equal(t, []string{"hello", ""}, bodies)
		})

		t.Run("incremental", func(t *testing.T) {
			var (
				body   string
				finals int
			)
			conn := dummy.NewConn([]byte(request)).Hold()
			st := newStreamTest(t, conn, func(*http.Request) http.Action {
				return http.ActionProcessUpload(0, nil, func(_ *http.Request, _ uint64, data []byte) http.UploadAction {
					if data != nil {
						body += string(data)
						return http.UploadContinue()
					}

					if finals++; finals == 1 {
						return http.UploadSuspend(0)
					}

					return http.UploadResponse(http.NewResponseEmpty(status.OK))
				})
			})

			resume(t, conn, st)
			require.Equal(t, "hello", body)
			require.Equal(t, 2, finals)
		})

		t.Run("POST", func(t *testing.T) {
			var calls []int
			conn := dummy.NewConn([]byte(
				"POST / HTTP/1.1\r\nHost: x\r\nContent-Type: application/x-www-form-urlencoded\r\n" +
					"Content-Length: 5\r\n\r\nhello",
			)).Hold()
			st := newStreamTest(t, conn, func(*http.Request) http.Action {
				return http.ActionParsePost(http.PostParams{
					BufferSize: 1024,
					Done: func(req *http.Request, result http.PostResult) http.UploadAction {
						require.Equal(t, http.PostOK, result)
						calls = append(calls, len(req.PostFields()))
						if len(calls) == 1 {
							return http.UploadSuspend(0)
						}

						return http.UploadResponse(http.NewResponseEmpty(status.OK))
					},
				})
			})

			resume(t, conn, st)
			require.Equal(t, []int{1, 1}, calls)
		})
	})

	t.Run("dynamic", func(t *testing.T) {
		suspended := false
		conn := dummy.NewConn([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")).Hold()
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, 10, func(pos uint64, buf []byte) http.DynamicAction {
				if pos == 5 && !suspended {
					suspended = true
					return http.DynamicSuspend(0)
				}

				return http.DynamicContinue(copy(buf, "hello"))
			}))
		})

		require.Equal(t, StateSuspended, st.run())
		require.NoError(t, st.s.Resume())
		require.Equal(t, StateRead, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		require.Equal(t, "hellohello", responses[0].Data)
	})
}

type noSendfileConn struct {
	*dummy.Conn
}

func (noSendfileConn) Sendfile(*os.File, int64, int) (int, error) {
	return 0, transport.ErrSendfileUnsupported
}

func tempFile(t *testing.T, content string) *os.File {
	path := filepath.Join(t.TempDir(), "body")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	return file
}

func TestStreamReply(t *testing.T) {
	const request = "GET / HTTP/1.1\r\nHost: x\r\n\r\n"

	single := func(t *testing.T, conn *dummy.Conn, st *streamTest) wireResponse {
		require.Equal(t, StateClosed, st.run())
		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 1)
		return responses[0]
	}

	t.Run("iovec", func(t *testing.T) {
		freed := false
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			iov := [][]byte{[]byte("Hello"), []byte(", "), nil, []byte("world!")}
			return http.ActionResponse(http.NewResponseIOVec(status.OK, iov, func() {
				freed = true
			}))
		})
		require.Equal(t, "Hello, world!", single(t, conn, st).Data)
		require.True(t, freed)
	})

	t.Run("file", func(t *testing.T) {
		for _, sendfile := range []bool{true, false} {
			dconn := dummy.NewConn([]byte(request))
			var conn transport.Conn = dconn
			if !sendfile {
				conn = noSendfileConn{dconn}
			}

			st := newStreamTest(t, conn, func(*http.Request) http.Action {
				return http.ActionResponse(http.NewResponseFD(status.OK, tempFile(t, "0123456789"), 2, 5))
			})
			resp := single(t, dconn, st)
			require.Equal(t, "23456", resp.Data)
			require.EqualValues(t, 5, resp.ContentLength)
		}
	})

	t.Run("chunked file", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			resp := http.NewResponseFD(status.OK, tempFile(t, "0123456789"), 0, 10)
			require.NoError(t, resp.SetOptions(http.ChunkedEnc, true))
			return http.ActionResponse(resp)
		})
		resp := single(t, conn, st)
		require.Equal(t, []string{"chunked"}, resp.TransferEncoding)
		require.Equal(t, "0123456789", resp.Data)
	})

	t.Run("short file", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseFD(status.OK, tempFile(t, "0123"), 0, 10))
		})
		require.Equal(t, StateClosed, st.run())
		require.Contains(t, st.logs, code.AppFileReadFailed)
		require.Equal(t, http.ByApp, st.s.Reason())
	})

	t.Run("dynamic with length", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, 26, func(pos uint64, buf []byte) http.DynamicAction {
				buf[0] = 'a' + byte(pos)
				return http.DynamicContinue(1)
			}))
		})
		require.Equal(t, "abcdefghijklmnopqrstuvwxyz", single(t, conn, st).Data)
	})

	t.Run("dynamic chunked", func(t *testing.T) {
		pieces := []string{"Hello", ", ", "world!"}
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			i := 0
			return http.ActionResponse(http.NewResponseDynamic(status.OK, http.SizeUnknown, func(uint64, []byte) http.DynamicAction {
				if i == len(pieces) {
					return http.DynamicFinish(http.Header{Key: "X-Pieces", Value: "3"})
				}

				i++
				return http.DynamicContinueZeroCopy([][]byte{[]byte(pieces[i-1])}, "n="+strconv.Itoa(i))
			}))
		})
		resp := single(t, conn, st)
		require.Equal(t, []string{"chunked"}, resp.TransferEncoding)
		require.Equal(t, "Hello, world!", resp.Data)
		require.Equal(t, "3", resp.Trailer.Get("X-Pieces"))
	})

	t.Run("dynamic to HTTP/1.0", func(t *testing.T) {
		conn := dummy.NewConn([]byte("GET / HTTP/1.0\r\n\r\n"))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			done := false
			return http.ActionResponse(http.NewResponseDynamic(status.OK, http.SizeUnknown, func(_ uint64, buf []byte) http.DynamicAction {
				if done {
					return http.DynamicFinish()
				}

				done = true
				return http.DynamicContinue(copy(buf, "till the close"))
			}))
		})
		resp := single(t, conn, st)
		require.True(t, resp.Close)
		require.Equal(t, "till the close", resp.Data)
	})

	t.Run("dynamic overflow", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, 3, func(_ uint64, buf []byte) http.DynamicAction {
				return http.DynamicContinue(copy(buf, "hello"))
			}))
		})
		require.Equal(t, StateClosed, st.run())
		require.Contains(t, st.logs, code.AppDynamicOverflow)
		require.Equal(t, []http.TerminationReason{http.ByApp}, st.ended)
	})

	t.Run("dynamic reports more than the buffer", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, http.SizeUnknown, func(_ uint64, buf []byte) http.DynamicAction {
				return http.DynamicContinue(len(buf) + 1)
			}))
		})
		require.Equal(t, StateClosed, st.run())
		require.Contains(t, st.logs, code.AppDynamicOverflow)
	})

	t.Run("dynamic finishes early", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, 10, func(pos uint64, buf []byte) http.DynamicAction {
				if pos > 0 {
					return http.DynamicFinish()
				}

				return http.DynamicContinue(copy(buf, "hello"))
			}))
		})
		require.Equal(t, StateClosed, st.run())
		require.Contains(t, st.logs, code.ReplyFramingInconsistent)
	})

	t.Run("dynamic abort", func(t *testing.T) {
		conn := dummy.NewConn([]byte(request))
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, http.SizeUnknown, func(uint64, []byte) http.DynamicAction {
				return http.DynamicAbort()
			}))
		})
		require.Equal(t, StateClosed, st.run())
		require.Contains(t, st.logs, code.AppDynamicAbort)
		require.Equal(t, []http.TerminationReason{http.ByApp}, st.ended)
	})

	t.Run("throttled writes", func(t *testing.T) {
		body := strings.Repeat("abcdefgh", 1000)
		conn := dummy.NewConn([]byte(request + request)).Throttle(7)
		st := newStreamTest(t, conn, respondWith(body))
		require.Equal(t, StateClosed, st.run())

		responses := readResponses(t, conn.Written(), stdhttp.MethodGet)
		require.Len(t, responses, 2)
		for _, resp := range responses {
			require.Equal(t, body, resp.Data)
		}
	})

	t.Run("throttled dynamic chunked", func(t *testing.T) {
		var want bytes.Buffer
		conn := dummy.NewConn([]byte(request)).Throttle(3)
		st := newStreamTest(t, conn, func(*http.Request) http.Action {
			return http.ActionResponse(http.NewResponseDynamic(status.OK, http.SizeUnknown, func(pos uint64, buf []byte) http.DynamicAction {
				if pos >= 100 {
					return http.DynamicFinish()
				}

				piece := strconv.Itoa(int(pos)) + ";"
				want.WriteString(piece)
				return http.DynamicContinue(copy(buf, piece))
			}))
		})
		resp := single(t, conn, st)
		require.Equal(t, want.String(), resp.Data)
	})
}

func BenchmarkStream(b *testing.B) {
	cfg := config.Default()
	request := []byte("GET /hello HTTP/1.1\r\nHost: localhost\r\nAccept: */*\r\nUser-Agent: bench\r\n\r\n")
	conn := dummy.NewConn().Hold()
	s, err := NewStream(
		cfg, conn, mempool.New(cfg.Pool.Size),
		largebuf.New(cfg.Pool.LargeBufferTotal, cfg.Pool.LargeBufferPerRequest),
		Hooks{Handler: respondWith("Hello, world!")},
	)
	require.NoError(b, err)

	b.SetBytes(int64(len(request)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		conn.Push(request)
		s.Process(true, true)
		conn.Reset()
	}
}
