package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns the process logger: JSON lines in production, a console
// writer otherwise.
func New(environment string) zerolog.Logger {
	if environment == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
}
