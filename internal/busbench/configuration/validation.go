package configuration

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/busbench/internal/common/bencherrors"
	commonconfig "github.com/G-Research/busbench/internal/common/config"
)

// Validate checks the whole config, including the transport and notifier sections selected
// by their Kind, and returns every problem found as a multierror.
func (c *BusbenchConfig) Validate() error {
	var result *multierror.Error
	if err := commonconfig.ValidateStruct(c); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Benchmark.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Transport.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Notifier.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Validate checks constraints between benchmark fields that struct tags can't express.
func (c *BenchmarkConfig) Validate() error {
	var result *multierror.Error
	if c.RampUp >= 1 && c.SampleSize <= 2*c.RampUp {
		result = multierror.Append(result, errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "benchmark.sampleSize",
			Value:   c.SampleSize,
			Message: fmt.Sprintf("must be greater than twice rampUp (%d), otherwise the run stops before any message is measured", c.RampUp),
		}))
	}
	if c.AmountTolerance.IsNegative() {
		result = multierror.Append(result, errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "benchmark.amountTolerance",
			Value:   c.AmountTolerance.String(),
			Message: "must not be negative",
		}))
	}
	return result.ErrorOrNil()
}

func (c *TransportConfig) Validate() error {
	switch c.Kind {
	case TransportPulsar:
		return commonconfig.ValidateStruct(&c.Pulsar)
	case TransportNats:
		return commonconfig.ValidateStruct(&c.Nats)
	case TransportStan:
		return commonconfig.ValidateStruct(&c.Stan)
	default:
		// unknown kinds are reported by the struct tags
		return nil
	}
}

func (c *NotifierConfig) Validate() error {
	switch c.Kind {
	case NotifierRedis:
		var result *multierror.Error
		if len(c.Redis.Addrs) == 0 {
			result = multierror.Append(result, errors.WithStack(&bencherrors.ErrInvalidArgument{
				Name:    "notifier.redis.addrs",
				Value:   c.Redis.Addrs,
				Message: "at least one address is required",
			}))
		}
		if c.RedisKey == "" {
			result = multierror.Append(result, errors.WithStack(&bencherrors.ErrInvalidArgument{
				Name:    "notifier.redisKey",
				Value:   c.RedisKey,
				Message: "field is required but was not found",
			}))
		}
		return result.ErrorOrNil()
	case NotifierWebhook:
		return commonconfig.ValidateStruct(&c.Webhook)
	default:
		return nil
	}
}
