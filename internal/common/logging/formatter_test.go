package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLineFormatter(t *testing.T) {
	f := &CommandLineFormatter{}

	out, err := f.Format(&log.Entry{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	out, err = f.Format(&log.Entry{Message: "run stopped", Data: log.Fields{"received": 250, "reason": "sampleSize"}})
	require.NoError(t, err)
	assert.Equal(t, "run stopped reason=sampleSize received=250\n", string(out))
}

type causer struct {
	err   error
	cause error
}

func (c causer) Error() string { return c.err.Error() }
func (c causer) Cause() error  { return c.cause }

func TestTopmostWithCause(t *testing.T) {
	assert.Nil(t, TopmostWithCause(nil))

	root := assert.AnError
	assert.Equal(t, root, TopmostWithCause(root))

	wrapped := causer{err: assert.AnError, cause: root}
	assert.Equal(t, wrapped, TopmostWithCause(wrapped))

	doubleWrapped := causer{err: assert.AnError, cause: wrapped}
	assert.Equal(t, wrapped, TopmostWithCause(doubleWrapped))
}

func TestWithStacktrace(t *testing.T) {
	entry := WithStacktrace(log.NewEntry(log.StandardLogger()), assert.AnError)
	assert.Equal(t, assert.AnError, entry.Data[log.ErrorKey])
	assert.Contains(t, entry.Data["stacktrace"], assert.AnError.Error())
}
