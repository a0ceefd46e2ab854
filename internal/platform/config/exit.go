package config

import (
	"fmt"
	"os"
)

// Exitf prints a formatted fatal message to stderr and terminates the
// process with exit code 1. Command mains use it for errors that occur
// before the log prefix is configured.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
