package live

import (
	"context"
	"time"
)

// startHeartbeat beats once now and then every interval until stopped.
// Long waits between scheduled pulls stay visible in `chms connections`.
func startHeartbeat(interval time.Duration, beat func()) (stop func()) {
	if interval <= 0 || beat == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		beat()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
