package logging

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// TopmostWithCause walks the Cause() chain of a pkg/errors wrapped error and returns the last
// error that still has a cause, i.e. the one carrying the stack trace recorded where the
// original error was wrapped. Printing it with %+v shows that trace.
func TopmostWithCause(err error) error {
	type causer interface {
		Cause() error
	}

	rv := err
	for rv != nil {
		cause, ok := rv.(causer)
		if !ok {
			break
		}
		err = cause.Cause()
		if _, ok = err.(causer); !ok {
			break
		}
		rv = err
	}
	return rv
}

// WithStacktrace attaches the stack trace of err, if it has one, to the returned entry.
func WithStacktrace(entry *log.Entry, err error) *log.Entry {
	entry = entry.WithError(err)
	if top := TopmostWithCause(err); top != nil {
		entry = entry.WithField("stacktrace", fmt.Sprintf("%+v", top))
	}
	return entry
}
