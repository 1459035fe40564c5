package http1

import (
	"io"
	"testing"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/stretchr/testify/require"
)

func feedChunked(c *chunkedParser, input []byte) (output, extra []byte, err error) {
	for len(input) > 0 {
		var data []byte
		data, input, err = c.Parse(input)
		output = append(output, data...)
		switch err {
		case nil:
		case io.EOF:
			return output, input, nil
		default:
			return output, input, err
		}
	}

	return output, nil, nil
}

// scatter splits the data into pieces of the given size.
func scatter(data []byte, size int) (pieces [][]byte) {
	for len(data) > 0 {
		n := min(size, len(data))
		pieces = append(pieces, data[:n])
		data = data[n:]
	}

	return pieces
}

func newTestChunkedParser(d config.Discipline) chunkedParser {
	return newChunkedParser(newRules(d))
}

func TestChunked(t *testing.T) {
	t.Run("just last chunk", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		output, extra, err := feedChunked(&p, []byte("0\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, "\r\n", string(extra))
		require.Empty(t, output)
	})

	t.Run("trailer is left to the caller", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		_, extra, err := feedChunked(&p, []byte("0\r\nHello: world\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, "Hello: world\r\n\r\n", string(extra))
	})

	simple := func(t *testing.T, p *chunkedParser) {
		output, _, err := feedChunked(p, []byte("d\r\nHello, world!\r\n0\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, "Hello, world!", string(output))
	}

	t.Run("single chunk", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		simple(t, &p)
	})

	t.Run("reusability", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		for i := 0; i < 10; i++ {
			simple(t, &p)
		}
	})

	t.Run("extension", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		output, _, err := feedChunked(&p, []byte("d;hello=world\r\nHello, world!\r\n0;checksum=whatever\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, "Hello, world!", string(output))
	})

	t.Run("bare LF", func(t *testing.T) {
		sample := []byte("d;hello=world\nHello, world!\n0\n\n")

		p := newTestChunkedParser(config.DefaultDiscipline)
		output, _, err := feedChunked(&p, sample)
		require.NoError(t, err)
		require.Equal(t, "Hello, world!", string(output))

		p = newTestChunkedParser(config.Strict)
		_, _, err = feedChunked(&p, sample)
		require.ErrorIs(t, err, code.ChunkedEncodingMalformed)
	})

	t.Run("whitespace after size", func(t *testing.T) {
		sample := []byte("d \r\nHello, world!\r\n0\r\n\r\n")

		p := newTestChunkedParser(config.DefaultDiscipline)
		output, _, err := feedChunked(&p, sample)
		require.NoError(t, err)
		require.Equal(t, "Hello, world!", string(output))

		p = newTestChunkedParser(config.Strict)
		_, _, err = feedChunked(&p, sample)
		require.ErrorIs(t, err, code.ChunkedEncodingMalformed)
	})

	t.Run("scattered input", func(t *testing.T) {
		sample := []byte("d;hello=world\r\nHello, world!\r\nd\r\nHello, Pavlo!\r\n0;checksum=whatever\r\n\r\n")
		for i := 1; i < len(sample); i++ {
			p := newTestChunkedParser(config.DefaultDiscipline)
			var (
				output []byte
				done   bool
			)

			for _, piece := range scatter(sample, i) {
				for len(piece) > 0 && !done {
					chunk, extra, err := p.Parse(piece)
					if err == io.EOF {
						done = true
						break
					}

					require.NoError(t, err)
					output = append(output, chunk...)
					piece = extra
				}
			}

			require.True(t, done)
			require.Equal(t, "Hello, world!Hello, Pavlo!", string(output))
		}
	})

	t.Run("leading zeroes", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		output, _, err := feedChunked(&p, []byte("0000d\r\nHello, world!\r\n0000d\r\nHello, Pavlo!\r\n0\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, "Hello, world!Hello, Pavlo!", string(output))
	})

	t.Run("bad hex character", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		_, _, err := feedChunked(&p, []byte("dg\r\nHello, world!\r\n0\r\n\r\n"))
		require.ErrorIs(t, err, code.ChunkedEncodingMalformed)
	})

	t.Run("missing CRLF after data", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		_, _, err := feedChunked(&p, []byte("2\r\nABC\r\n0\r\n\r\n"))
		require.ErrorIs(t, err, code.ChunkedEncodingMalformed)
	})

	t.Run("size overflow", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		_, _, err := feedChunked(&p, []byte("10000000000000000\r\n"))
		require.ErrorIs(t, err, code.ChunkSizeTooLarge)
	})

	t.Run("empty size", func(t *testing.T) {
		p := newTestChunkedParser(config.DefaultDiscipline)
		_, _, err := feedChunked(&p, []byte("\r\nHello\r\n"))
		require.ErrorIs(t, err, code.ChunkedEncodingMalformed)
	})
}

func BenchmarkChunked(b *testing.B) {
	sample := []byte("d\r\nHello, world!\r\n1a\r\nabcdefghijklmnopqrstuvwxyz\r\n0\r\n\r\n")
	p := newTestChunkedParser(config.DefaultDiscipline)
	b.SetBytes(int64(len(sample)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _, _ = feedChunked(&p, sample)
	}
}
