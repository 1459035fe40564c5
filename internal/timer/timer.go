package timer

import (
	"sync/atomic"
	"time"

	"github.com/indigo-web/mhd/internal/strutil"
)

// Time contains the unix-time in milliseconds updated every [Resolution]
var Time = new(atomic.Int64)

var date atomic.Pointer[string]

func Now() time.Time {
	return time.UnixMilli(Time.Load())
}

// Date returns the current time as IMF-fixdate, ready to be used as the Date header value.
func Date() string {
	return *date.Load()
}

// Resolution is the frequency at which time is updated. 100ms are precise enough
// both for connection deadlines and for the Date header.
const Resolution = 100 * time.Millisecond

func update() {
	now := time.Now()
	Time.Store(now.UnixMilli())
	formatted := string(strutil.AppendIMFDate(make([]byte, 0, 29), now))
	date.Store(&formatted)
}

func init() {
	// store the value synchronously, so the very first calls don't observe zero-time
	update()

	go func() {
		for {
			time.Sleep(Resolution)
			update()
		}
	}()
}
