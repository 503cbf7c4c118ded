// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/config"
)

// New constructs a logrus logger per cfg. The returned cleanup closes
// the log file when output points at one and is safe to call once.
func New(cfg config.Logger) (*logrus.Logger, func(), error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{})
	}

	cleanup := func() {}
	switch cfg.Output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.Output, err)
		}
		log.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	}

	return log, cleanup, nil
}
