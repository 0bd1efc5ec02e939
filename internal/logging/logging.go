// Package logging configures the process-wide logrus logger for a lambda.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Setup switches logrus to JSON output (one object per CloudWatch line)
// and applies LOG_LEVEL, defaulting to info.
func Setup(function string) *log.Entry {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)

	ll, err := log.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(ll)
	}

	return log.WithField("function", function)
}
