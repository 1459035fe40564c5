package strutil

import (
	"errors"

	"github.com/indigo-web/mhd/internal/hexconv"
)

var (
	ErrNoDigits     = errors.New("no hex digits")
	ErrSizeOverflow = errors.New("chunk size is too large")
)

// maxChunkSize is exclusive: sizes of 2^63 and above are rejected.
const maxChunkSize = 1 << 63

// ParseChunkSize parses the hexadecimal chunk size at the beginning of b. It returns the
// size and the number of consumed digits. Parsing stops at the first non-hex character,
// which is left for the caller (chunk extensions, CRLF).
func ParseChunkSize(b []byte) (size uint64, n int, err error) {
	for ; n < len(b); n++ {
		val := hexconv.Halfbyte[b[n]]
		if val == 0xFF {
			break
		}

		if size >= maxChunkSize>>4 {
			return 0, n, ErrSizeOverflow
		}

		size = size<<4 | uint64(val)
	}

	if n == 0 {
		return 0, 0, ErrNoDigits
	}

	return size, n, nil
}
