package strutil

import "github.com/indigo-web/mhd/internal/hexconv"

// PctDecodeLenient decodes %HH sequences in place and returns the length of the decoded
// data. Malformed sequences are left untouched and reported via broken.
func PctDecodeLenient(buf []byte) (n int, broken bool) {
	w := 0

	for r := 0; r < len(buf); r++ {
		c := buf[r]
		if c == '%' && r+2 < len(buf) {
			hi, lo := hexconv.Halfbyte[buf[r+1]], hexconv.Halfbyte[buf[r+2]]
			if hi|lo <= 0x0F {
				buf[w] = hi<<4 | lo
				w++
				r += 2
				continue
			}
		}

		if c == '%' {
			broken = true
		}

		buf[w] = c
		w++
	}

	return w, broken
}

// PctDecodeStrict decodes %HH sequences in place. Any malformed sequence fails the whole
// decoding, leaving the buffer in an unspecified state.
func PctDecodeStrict(buf []byte) (n int, ok bool) {
	w := 0

	for r := 0; r < len(buf); r++ {
		c := buf[r]
		if c == '%' {
			if r+2 >= len(buf) {
				return 0, false
			}

			hi, lo := hexconv.Halfbyte[buf[r+1]], hexconv.Halfbyte[buf[r+2]]
			if hi|lo > 0x0F {
				return 0, false
			}

			c = hi<<4 | lo
			r += 2
		}

		buf[w] = c
		w++
	}

	return w, true
}

// PlusToSpace replaces every '+' by ' ' in place.
func PlusToSpace(buf []byte) {
	for i, c := range buf {
		if c == '+' {
			buf[i] = ' '
		}
	}
}

// PctEncode appends src to dst with every byte outside of the RFC 3986 unreserved set
// percent-encoded.
func PctEncode(dst, src []byte) []byte {
	for _, c := range src {
		if isUnreserved(c) {
			dst = append(dst, c)
			continue
		}

		dst = append(dst, '%', hexconv.Upper(c>>4), hexconv.Upper(c))
	}

	return dst
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}
