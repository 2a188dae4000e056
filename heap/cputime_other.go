//go:build !unix

package heap

import "time"

// cpuTimeNow is unavailable here; pause CPU time reports as zero.
func cpuTimeNow() time.Duration {
	return 0
}
