package mhd

import (
	"log"

	"github.com/indigo-web/mhd/code"
)

// Logger receives every noteworthy event of the daemon along with its code. The format
// and the arguments follow the fmt conventions.
type Logger func(c code.Code, format string, args ...any)

// defaultLogger reports everything except informational and success events via the
// standard logger.
func defaultLogger(c code.Code, format string, args ...any) {
	if c.IsInformational() || c.IsSuccessEvent() {
		return
	}

	log.Printf("mhd: [%d] %s: "+format, append([]any{uint32(c), code.Text(c)}, args...)...)
}

func nopLogger(code.Code, string, ...any) {}
