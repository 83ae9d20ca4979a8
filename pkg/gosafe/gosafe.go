// Package gosafe starts background goroutines whose panics are reported to Sentry before the
// process goes down.
package gosafe

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// reportFlushTimeout bounds how long a crashing goroutine waits for its event to leave.
const reportFlushTimeout = 2 * time.Second

// Go runs fn in a new goroutine. A panic is reported and then raised again.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Report(r)
				panic(r)
			}
		}()
		fn()
	}()
}

// Report sends a recovered panic through the current hub. Without sentry.Init it does nothing.
func Report(rec any) {
	report(sentry.CurrentHub(), rec)
}

func report(hub *sentry.Hub, rec any) {
	hub.Recover(rec)
	hub.Flush(reportFlushTimeout)
}

// Flush waits up to timeout for queued events, returning at once when Sentry is not set up.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
