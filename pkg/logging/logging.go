// Package logging builds the zap logger used across the engine, the
// command line, and the demo HTTP layer, so every component logs
// through the same structured sink instead of mixing log.Printf calls
// with a structured library.
package logging

import "go.uber.org/zap"

// New builds a production zap logger (JSON, epoch-seconds timestamps) unless
// debug is set, in which case it builds a human-readable development
// logger instead.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
