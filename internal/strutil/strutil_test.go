package strutil

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPctDecode(t *testing.T) {
	t.Run("lenient", func(t *testing.T) {
		for _, tc := range []struct {
			In, Out string
			Broken  bool
		}{
			{"hello", "hello", false},
			{"hello%20world", "hello world", false},
			{"%2f%2F", "//", false},
			{"100%", "100%", true},
			{"%zz%41", "%zzA", true},
			{"%4", "%4", true},
			{"", "", false},
		} {
			buf := []byte(tc.In)
			n, broken := PctDecodeLenient(buf)
			require.Equal(t, tc.Out, string(buf[:n]), tc.In)
			require.Equal(t, tc.Broken, broken, tc.In)
		}
	})

	t.Run("strict", func(t *testing.T) {
		buf := []byte("a%20b")
		n, ok := PctDecodeStrict(buf)
		require.True(t, ok)
		require.Equal(t, "a b", string(buf[:n]))

		_, ok = PctDecodeStrict([]byte("a%2"))
		require.False(t, ok)
		_, ok = PctDecodeStrict([]byte("a%g0"))
		require.False(t, ok)
	})

	t.Run("plus to space", func(t *testing.T) {
		buf := []byte("a+b+c")
		PlusToSpace(buf)
		require.Equal(t, "a b c", string(buf))
	})

	t.Run("round trip", func(t *testing.T) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := 0; i < 500; i++ {
			src := make([]byte, r.Intn(64))
			r.Read(src)
			encoded := PctEncode(nil, src)
			n, ok := PctDecodeStrict(encoded)
			require.True(t, ok)
			require.Equal(t, src, encoded[:n])
		}
	})
}

func TestQuote(t *testing.T) {
	t.Run("unquote", func(t *testing.T) {
		for _, tc := range []struct {
			In, Out string
			OK      bool
		}{
			{``, ``, true},
			{`abc`, `abc`, true},
			{`a\"b`, `a"b`, true},
			{`a\\b`, `a\b`, true},
			{`\a\b`, `ab`, true},
			{`abc\`, ``, false},
		} {
			buf := make([]byte, len(tc.In))
			n, ok := Unquote(buf, []byte(tc.In))
			require.Equal(t, tc.OK, ok, tc.In)
			if ok {
				require.Equal(t, tc.Out, string(buf[:n]))
			}
		}
	})

	t.Run("unquote string", func(t *testing.T) {
		str, ok := UnquoteString(`"hello \"world\""`)
		require.True(t, ok)
		require.Equal(t, `hello "world"`, str)

		str, ok = UnquoteString(`plain`)
		require.True(t, ok)
		require.Equal(t, "plain", str)

		str, ok = UnquoteString(`""`)
		require.True(t, ok)
		require.Empty(t, str)
	})

	t.Run("round trip", func(t *testing.T) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		alphabet := []byte("ab\\\" \t=;")
		for i := 0; i < 500; i++ {
			src := make([]byte, r.Intn(32))
			for j := range src {
				src[j] = alphabet[r.Intn(len(alphabet))]
			}

			quoted := Quote(nil, src)
			out := make([]byte, len(quoted))
			n, ok := Unquote(out, quoted)
			require.True(t, ok)
			require.Equal(t, string(src), string(out[:n]))
		}
	})
}

func TestTokenParam(t *testing.T) {
	const ct = "multipart/form-data"

	t.Run("plain param", func(t *testing.T) {
		res, param, quoted := TokenParam("multipart/form-data; boundary=abc", ct, "boundary")
		require.Equal(t, TokenOK, res)
		require.Equal(t, "abc", param)
		require.False(t, quoted)
	})

	t.Run("quoted param among others", func(t *testing.T) {
		res, param, quoted := TokenParam(`Multipart/Form-Data;charset=utf-8 ; BOUNDARY="a b\"c"`, ct, "boundary")
		require.Equal(t, TokenOK, res)
		require.Equal(t, `a b\"c`, param)
		require.True(t, quoted)
	})

	t.Run("no token", func(t *testing.T) {
		res, _, _ := TokenParam("text/plain; boundary=abc", ct, "boundary")
		require.Equal(t, TokenMissing, res)
		res, _, _ = TokenParam("multipart/form-datax; boundary=abc", ct, "boundary")
		require.Equal(t, TokenMissing, res)
	})

	t.Run("param missing", func(t *testing.T) {
		res, _, _ := TokenParam("multipart/form-data", ct, "boundary")
		require.Equal(t, TokenParamMissing, res)
		res, _, _ = TokenParam("multipart/form-data; charset=utf-8;", ct, "boundary")
		require.Equal(t, TokenParamMissing, res)
	})

	t.Run("bad format", func(t *testing.T) {
		for _, value := range []string{
			"multipart/form-data; boundary",
			`multipart/form-data; boundary="abc`,
			"multipart/form-data boundary=abc",
			"multipart/form-data; =abc",
		} {
			res, _, _ := TokenParam(value, ct, "boundary")
			require.Equal(t, TokenBadFormat, res, value)
		}
	})
}

func TestTokens(t *testing.T) {
	require.True(t, HasToken("keep-alive, Upgrade", "upgrade"))
	require.True(t, HasToken("gzip;q=1, chunked", "chunked"))
	require.False(t, HasToken("keep-alive", "close"))
	require.False(t, HasToken("", "close"))
	require.Equal(t, "chunked", LastToken("gzip, chunked"))
	require.Equal(t, "gzip", LastToken(" gzip "))
	require.Equal(t, "a b", TrimOWS("\t a b \t"))
	require.Equal(t, "", TrimOWS("   "))
	require.Equal(t, "x", string(TrimOWSBytes([]byte(" x\t"))))
}

func TestParseChunkSize(t *testing.T) {
	for _, tc := range []struct {
		In   string
		Size uint64
		N    int
	}{
		{"0", 0, 1},
		{"1a\r\n", 0x1a, 2},
		{"FF;ext=1", 0xff, 2},
		{"7fffffffffffffff", 1<<63 - 1, 16},
	} {
		size, n, err := ParseChunkSize([]byte(tc.In))
		require.NoError(t, err, tc.In)
		require.Equal(t, tc.Size, size, tc.In)
		require.Equal(t, tc.N, n, tc.In)
	}

	_, _, err := ParseChunkSize([]byte("8000000000000000"))
	require.ErrorIs(t, err, ErrSizeOverflow)
	_, _, err = ParseChunkSize([]byte("00000000000000000000001"))
	require.NoError(t, err)
	_, _, err = ParseChunkSize([]byte(";ext"))
	require.ErrorIs(t, err, ErrNoDigits)
}

func TestAppendIMFDate(t *testing.T) {
	date := time.Date(1994, time.November, 6, 8, 49, 37, 0, time.UTC)
	require.Equal(t, "Sun, 06 Nov 1994 08:49:37 GMT", string(AppendIMFDate(nil, date)))

	loc := time.FixedZone("UTC+3", 3*60*60)
	date = time.Date(2024, time.January, 1, 2, 3, 4, 0, loc)
	require.Equal(t, "Sun, 31 Dec 2023 23:03:04 GMT", string(AppendIMFDate(nil, date)))
}

func BenchmarkPctDecode(b *testing.B) {
	src := []byte("/hello%20world/%D0%BF%D1%80%D0%B8%D0%B2%D0%B5%D1%82?")
	buf := make([]byte, len(src))
	b.SetBytes(int64(len(src)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		copy(buf, src)
		_, _ = PctDecodeLenient(buf)
	}
}
