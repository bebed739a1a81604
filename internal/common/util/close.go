package util

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// CloseResource closes c and logs, rather than returns, any error.
// Meant for deferred cleanup where there is nobody left to handle the error.
func CloseResource(name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.WithError(err).Warnf("Failed to close %s cleanly", name)
	}
}
