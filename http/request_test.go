package http

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/indigo-web/mhd/http/method"
	"github.com/stretchr/testify/require"
)

type dummyConn struct {
	resumed int
}

func (d *dummyConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (d *dummyConn) TLS() *tls.ConnectionState { return nil }

func (d *dummyConn) Resume() error {
	d.resumed++
	return nil
}

func TestRequest(t *testing.T) {
	conn := new(dummyConn)
	req := NewRequest(conn)
	req.AddField(KindHeader, "Host", Str("localhost"))
	req.AddField(KindHeader, "Accept", Str("*/*"))
	req.AddField(KindHeader, "accept", Str("text/html"))
	req.AddField(KindGetArgument, "a", Str("b"))
	req.AddField(KindGetArgument, "c", Null)
	req.AddField(KindCookie, "session", Str("xyz"))

	t.Run("value", func(t *testing.T) {
		value, found := req.Value(KindHeader, "ACCEPT")
		require.True(t, found)
		require.Equal(t, "*/*", value)

		_, found = req.Value(KindHeader, "a")
		require.False(t, found)

		value, found = req.Value(KindGetArgument, "c")
		require.True(t, found)
		require.Empty(t, value)

		field, found := req.Lookup(KindGetArgument|KindCookie, "session")
		require.True(t, found)
		require.Equal(t, KindCookie, field.Kind)
		require.True(t, field.Value.Valid)
	})

	t.Run("visit", func(t *testing.T) {
		var names []string
		n := req.VisitValues(KindHeader, func(f Field) bool {
			names = append(names, f.Name)
			return true
		})
		require.Equal(t, 3, n)
		require.Equal(t, []string{"Host", "Accept", "accept"}, names)

		n = req.VisitValues(KindAll, func(Field) bool { return false })
		require.Equal(t, 1, n)
		require.Equal(t, 6, req.VisitValues(KindAll, nil))
	})

	t.Run("post fields", func(t *testing.T) {
		req.AddPostField(PostField{Name: "x", Value: Str("Y")})
		require.Len(t, req.PostFields(), 1)
		value, found := req.Value(KindPostData, "x")
		require.True(t, found)
		require.Equal(t, "Y", value)
	})

	t.Run("introspection", func(t *testing.T) {
		require.Equal(t, "127.0.0.1:8080", req.ClientAddr().String())
		require.Nil(t, req.TLS())
		require.NoError(t, req.Resume())
		require.Equal(t, 1, conn.resumed)
		req.SetContext(42)
		require.Equal(t, 42, req.Context())
	})

	t.Run("reset", func(t *testing.T) {
		req.Method = method.POST
		req.Reset()
		require.Equal(t, method.Unknown, req.Method)
		require.Zero(t, req.VisitValues(KindAll, nil))
		require.Empty(t, req.PostFields())
		require.Nil(t, req.Context())
		require.Equal(t, "127.0.0.1:8080", req.ClientAddr().String())
	})
}
