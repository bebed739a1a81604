package pulsarutils

import (
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/G-Research/busbench/internal/common/bencherrors"
	"github.com/G-Research/busbench/internal/common/logging"
)

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AutheticationType is "JWT"
	JwtTokenPath string
	// Topic the benchmark messages are published to
	Topic string `validate:"required"`
	// Topic the completion signal is published to
	CompletionTopic string `validate:"required"`
	// Name of the shared subscription used by the receiver
	SubscriptionName string
	// Compression to use for produced messages
	CompressionType pulsar.CompressionType
	// Size of the consumer receiver queue
	ReceiverQueueSize int
	// Timeout for operations against the broker
	OperationTimeout time.Duration
}

func NewPulsarClient(config *PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	if config.AuthenticationEnabled {
		jwtPath, err := getTokenPath(config)
		if err != nil {
			return nil, err
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(jwtPath)
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		OperationTimeout:           config.OperationTimeout,
		Authentication:             authentication,
		Logger:                     logging.NewPulsarLogger(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error creating pulsar client for %s", config.URL)
	}
	return client, nil
}

func getTokenPath(config *PulsarConfig) (string, error) {
	if strings.ToLower(config.AuthenticationType) != "jwt" {
		return "", errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "transport.pulsar.authenticationType",
			Value:   config.AuthenticationType,
			Message: "only JWT authentication for Pulsar is supported",
		})
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return "", errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "transport.pulsar.jwtTokenPath",
			Value:   config.JwtTokenPath,
			Message: "JWT authentication was configured for Pulsar but no jwtTokenPath was supplied",
		})
	}
	return config.JwtTokenPath, nil
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(compressionType)) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "lz4":
		return pulsar.LZ4, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "zstd":
		return pulsar.ZSTD, nil
	default:
		return pulsar.NoCompression, errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "transport.pulsar.compressionType",
			Value:   compressionType,
			Message: "must be one of none, lz4, zlib, zstd",
		})
	}
}
