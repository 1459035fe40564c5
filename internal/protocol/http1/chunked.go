package http1

import (
	"io"

	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/internal/hexconv"
)

type chunkedParserState uint8

const (
	eChunkLength chunkedParserState = iota
	eChunkLengthWS
	eChunkExt
	eChunkLengthCR
	eChunkBody
	eChunkBodyDone
	eChunkBodyCRLF
)

// maxChunkLength is exclusive: chunks of 2^63 bytes and longer are rejected.
const maxChunkLength = 1 << 63

// chunkedParser decodes the chunked framing up to the last chunk. The trailer section
// is left for the field lines parser.
type chunkedParser struct {
	state        chunkedParserState
	rules        rules
	lengthDigits int
	chunkLength  uint64
	extCR        bool
}

func newChunkedParser(r rules) chunkedParser {
	return chunkedParser{state: eChunkLength, rules: r}
}

// Parse returns a chunk when it's ready, nil otherwise. io.EOF signals that the last chunk
// is reached, so extra starts with the trailer section. The parser resets automatically.
func (c *chunkedParser) Parse(data []byte) (chunk, extra []byte, err error) {
	switch c.state {
	case eChunkLength:
		goto chunkLength
	case eChunkLengthWS:
		goto chunkLengthWS
	case eChunkExt:
		goto chunkExt
	case eChunkLengthCR:
		goto chunkLengthCR
	case eChunkBody:
		goto chunkBody
	case eChunkBodyDone:
		goto chunkBodyDone
	case eChunkBodyCRLF:
		goto chunkBodyCRLF
	default:
		panic("unreachable code")
	}

chunkLength:
	for i := 0; i < len(data); i++ {
		switch char := data[i]; char {
		case '\r':
			data = data[i+1:]
			goto chunkLengthCR
		case '\n':
			if !c.rules.chunkBareLF {
				return nil, nil, code.ChunkedEncodingMalformed
			}

			data = data[i+1:]
			goto lengthDone
		case ';':
			data = data[i+1:]
			goto chunkExt
		case ' ', '\t':
			if !c.rules.chunkExtWhitespace || c.lengthDigits == 0 {
				return nil, nil, code.ChunkedEncodingMalformed
			}

			data = data[i+1:]
			goto chunkLengthWS
		default:
			val := hexconv.Halfbyte[char]
			if val == 0xFF {
				return nil, nil, code.ChunkedEncodingMalformed
			}

			if c.chunkLength >= maxChunkLength>>4 {
				return nil, nil, code.ChunkSizeTooLarge
			}

			c.chunkLength = c.chunkLength<<4 | uint64(val)
			c.lengthDigits++
		}
	}

	c.state = eChunkLength
	return nil, nil, nil

chunkLengthWS:
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case ' ', '\t':
		case ';':
			data = data[i+1:]
			goto chunkExt
		case '\r':
			data = data[i+1:]
			goto chunkLengthCR
		case '\n':
			if !c.rules.chunkBareLF {
				return nil, nil, code.ChunkedEncodingMalformed
			}

			data = data[i+1:]
			goto lengthDone
		default:
			return nil, nil, code.ChunkedEncodingMalformed
		}
	}

	c.state = eChunkLengthWS
	return nil, nil, nil

chunkExt:
	// extensions are not interpreted, only validated loosely
	for i := 0; i < len(data); i++ {
		switch char := data[i]; char {
		case '\n':
			if !c.extCR && !c.rules.chunkBareLF {
				return nil, nil, code.ChunkedEncodingMalformed
			}

			c.extCR = false
			data = data[i+1:]
			goto lengthDone
		case '\r':
			if c.extCR {
				return nil, nil, code.ChunkedEncodingMalformed
			}

			c.extCR = true
		case ' ', '\t':
			if !c.rules.chunkExtWhitespace || c.extCR {
				return nil, nil, code.ChunkedEncodingMalformed
			}
		default:
			if c.extCR || char < 0x20 || char == 0x7f {
				return nil, nil, code.ChunkedEncodingMalformed
			}
		}
	}

	c.state = eChunkExt
	return nil, nil, nil

chunkLengthCR:
	if len(data) == 0 {
		c.state = eChunkLengthCR
		return nil, nil, nil
	}

	if data[0] != '\n' {
		return nil, nil, code.ChunkedEncodingMalformed
	}

	data = data[1:]
	// fallthrough to lengthDone

lengthDone:
	if c.lengthDigits == 0 {
		return nil, nil, code.ChunkedEncodingMalformed
	}

	c.lengthDigits = 0
	if c.chunkLength == 0 {
		c.state = eChunkLength
		return nil, data, io.EOF
	}

	// fallthrough to chunkBody

chunkBody:
	{
		n := min(c.chunkLength, uint64(len(data)))
		c.chunkLength -= n
		chunk = data[:n]

		if c.chunkLength == 0 {
			c.state = eChunkBodyDone
		} else {
			c.state = eChunkBody
		}

		return chunk, data[n:], nil
	}

chunkBodyDone:
	if len(data) == 0 {
		c.state = eChunkBodyDone
		return nil, nil, nil
	}

	switch data[0] {
	case '\r':
		data = data[1:]
		goto chunkBodyCRLF
	case '\n':
		if !c.rules.chunkBareLF {
			return nil, nil, code.ChunkedEncodingMalformed
		}

		data = data[1:]
		goto chunkLength
	default:
		return nil, nil, code.ChunkedEncodingMalformed
	}

chunkBodyCRLF:
	if len(data) == 0 {
		c.state = eChunkBodyCRLF
		return nil, nil, nil
	}

	if data[0] != '\n' {
		return nil, nil, code.ChunkedEncodingMalformed
	}

	data = data[1:]
	goto chunkLength
}
