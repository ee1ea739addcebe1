//go:build integration

package log

import (
	"fmt"
	"os"
	"time"
)

var start = time.Now()

// Status prints a status message, prefixed with the time elapsed since the
// suite started, for immediate display during tests.
func Status(format string, args ...any) {
	elapsed := time.Since(start).Truncate(time.Second)
	_, _ = fmt.Fprintf(os.Stdout, "[%6s] "+format+"\n", append([]any{elapsed}, args...)...)
}
