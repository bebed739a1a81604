package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/G-Research/busbench/internal/common/config"
	"github.com/G-Research/busbench/internal/common/logging"
)

const envPrefix = "BUSBENCH"

// BindCommandlineArguments binds every parsed command line flag into viper so that flags
// take precedence over values from the config file.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	if err := viper.BindPFlags(flags); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads the config file named "config" in defaultPath, merges the user specified
// config file on top of it and unmarshals the result into config. Values can be overridden
// with BUSBENCH_ prefixed environment variables, e.g. BUSBENCH_BENCHMARK_RAMPUP.
func LoadConfig(config interface{}, defaultPath string, userSpecifiedConfig string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(defaultPath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		log.Debugf("no default config found in %s", defaultPath)
	}

	if userSpecifiedConfig != "" {
		viper.SetConfigFile(userSpecifiedConfig)
		if err := viper.MergeInConfig(); err != nil {
			return err
		}
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	return viper.Unmarshal(config, commonconfig.CustomHooks...)
}

// ConfigureLogging sets up logging for long running commands. Log lines are also counted per
// level in the default prometheus registry; call it at most once per process.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}

// ConfigureCommandLineLogging strips timestamps and levels so that output of CLI commands
// reads like plain text.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&logging.CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}

func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	return nil
}

// ServeMetrics exposes the default prometheus registry on /metrics.
// A port of 0 disables the server. The returned func shuts the server down.
func ServeMetrics(port uint16) (shutdown func()) {
	if port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		log.Infof("serving metrics on :%d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("failed to shut down metrics server cleanly")
		}
	}
}
