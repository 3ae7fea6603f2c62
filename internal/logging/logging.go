// Package logging routes the standard logger for the fleetctl command.
//
// The library packages log lifecycle events through the standard log
// package. By default those lines are discarded; Init sends them to stderr
// when verbose output is requested and appends them to a log file when a
// path is configured.
package logging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Init configures the standard logger. A failure to open the log file is
// returned but leaves stderr logging in place when verbose is set.
func Init(path string, verbose bool) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	var writers []io.Writer
	if verbose {
		writers = append(writers, os.Stderr)
	}

	var openErr error
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			openErr = fmt.Errorf("create log directory: %w", err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			openErr = fmt.Errorf("open log file %s: %w", path, err)
		} else {
			logFile = f
			logPath = path
			writers = append(writers, f)
		}
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}
	return openErr
}

// Close restores discard output and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(io.Discard)
	return closeLocked()
}

func closeLocked() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	logPath = ""
	return err
}

// ReadTail returns the last n lines of the log file at path, or every
// line when n is negative. A missing file yields an empty result.
func ReadTail(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read log file %s: %w", path, err)
	}

	text := strings.TrimRight(string(data), "\n")
	if n < 0 {
		return text, nil
	}
	end := len(text)
	for ; n > 0; n-- {
		nl := strings.LastIndexByte(text[:end], '\n')
		if nl < 0 {
			return text, nil
		}
		end = nl
	}
	if end == len(text) {
		return "", nil
	}
	return text[end+1:], nil
}

// Clear truncates the log file at path. The file opened by Init is
// truncated in place so later writes start at offset zero.
func Clear(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil && logPath == path {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate log file: %w", err)
	}
	return nil
}
