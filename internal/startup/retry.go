package startup

import (
	"os"
	"time"

	"github.com/devcollab/internal/logger"
)

const maxBackoff = 30 * time.Second

// connectWithRetry calls attempt until it succeeds, doubling the pause between
// tries. Once maxWait has elapsed the last error is logged and the process exits.
func connectWithRetry(what string, maxWait time.Duration, logPrefix string, attempt func() error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := attempt()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("%s%s connect failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
