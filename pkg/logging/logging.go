// Package logging configures the process-wide go-logging backends.
//
// Logs always go to stderr since a persistent worker's stdout carries the protocol.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("logging")

const format = "%{time:15:04:05.000} %{level:7s}: %{module}: %{message}"

// Init installs a stderr backend at the given level and, if logFile is non-empty, a second
// backend writing to that file at fileLevel. The returned function closes the file.
func Init(level, logFile, fileLevel string) (func(), error) {
	return initBackends(os.Stderr, isTerminal(os.Stderr), level, logFile, fileLevel)
}

func initBackends(stderr io.Writer, coloured bool, level, logFile, fileLevel string) (func(), error) {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	backend := logging.AddModuleLevel(logging.NewBackendFormatter(logging.NewLogBackend(stderr, "", 0), formatter(coloured)))
	backend.SetLevel(lvl, "")
	if logFile == "" {
		logging.SetBackend(backend)
		return func() {}, nil
	}

	fileLvl, err := logging.LogLevel(fileLevel)
	if err != nil {
		return nil, fmt.Errorf("log file level %q: %w", fileLevel, err)
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o775); err != nil {
		return nil, fmt.Errorf("creating log file directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	fileBackend := logging.AddModuleLevel(logging.NewBackendFormatter(logging.NewLogBackend(file, "", 0), formatter(false)))
	fileBackend.SetLevel(fileLvl, "")
	logging.SetBackend(backend, fileBackend)
	log.Debug("Logging to %s at level %s", logFile, fileLvl)
	return func() {
		logging.SetBackend(backend)
		file.Close()
	}, nil
}

func formatter(coloured bool) logging.Formatter {
	if coloured {
		return logging.MustStringFormatter("%{color}" + format + "%{color:reset}")
	}
	return logging.MustStringFormatter(format)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
