// Package logger configures logrus for all pipeline services: pretty console
// output locally, JSON everywhere else.
package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds a logger entry tagged with the worker name.
func New(worker string) *logrus.Entry {
	base := logrus.New()

	env := os.Getenv("APP_ENV")
	if env == "" || env == "dev" || env == "local" {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}

	base.SetOutput(os.Stdout)

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		base.SetLevel(logrus.DebugLevel)
	case "warn":
		base.SetLevel(logrus.WarnLevel)
	case "error":
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}

	return base.WithField("worker", worker)
}
