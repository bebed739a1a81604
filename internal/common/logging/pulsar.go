package logging

import (
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	log "github.com/sirupsen/logrus"
)

// NewPulsarLogger routes pulsar client logs through the standard logrus logger,
// so they honour the configured level and formatter.
func NewPulsarLogger() pulsarlog.Logger {
	return pulsarlog.NewLoggerWithLogrus(log.StandardLogger())
}
