package main

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/absfs/fstrans"
)

// envNamespace prefixes every environment variable the tool reads.
const envNamespace = "FSTRANS"

// config is the top-level configuration shared by all sub-commands.
type config struct {
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Metrics MetricsConfig `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
}

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// MetricsConfig configures the export of fstrans metrics.
type MetricsConfig struct {
	Textfile string `long:"textfile" env:"TEXTFILE" description:"Write Prometheus metrics to this file on exit, for node_exporter's textfile collector"`
}

// initLog configures the logger.
func initLog(cfg LogConfig) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "unrecognized log level")
	}
	log.SetLevel(lvl)
	return nil
}

// writeMetrics dumps the current value of all fstrans collectors to the
// configured textfile, if any.
func writeMetrics(cfg MetricsConfig) error {
	if cfg.Textfile == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := registerAll(reg, fstrans.Collectors()); err != nil {
		return err
	}
	return errors.Wrapf(prometheus.WriteToTextfile(cfg.Textfile, reg), "writing metrics to %s", cfg.Textfile)
}

func registerAll(reg prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "registering collector")
		}
	}
	return nil
}
