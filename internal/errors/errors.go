// Package errors provides build error types and collection for the Loom
// build pipeline. Stage failures are isolated per file: the collector
// records them so downstream phases can decide to skip, while the phase
// barrier itself never aborts on a single file.
package errors

import (
	"fmt"
	"sync"
	"time"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
	ErrorSeverityFatal
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "info"
	case ErrorSeverityWarning:
		return "warning"
	case ErrorSeverityError:
		return "error"
	case ErrorSeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// BuildError represents a transform stage failure for one file.
type BuildError struct {
	File      string
	Stage     string
	Message   string
	Severity  ErrorSeverity
	Timestamp time.Time
}

// Error implements the error interface
func (be *BuildError) Error() string {
	return fmt.Sprintf("%s: %s: %s: %s", be.File, be.Stage, be.Severity, be.Message)
}

// ErrorCollector collects build errors across a build pass.
type ErrorCollector struct {
	buildErrors []BuildError
	mutex       sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		buildErrors: make([]BuildError, 0),
	}
}

// Add adds a build error to the collector
func (ec *ErrorCollector) Add(err BuildError) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	ec.buildErrors = append(ec.buildErrors, err)
}

// AddStageFailure records a stage error for a file at error severity.
func (ec *ErrorCollector) AddStageFailure(file, stage string, err error) {
	if err == nil {
		return
	}
	ec.Add(BuildError{
		File:     file,
		Stage:    stage,
		Message:  err.Error(),
		Severity: ErrorSeverityError,
	})
}

// Errors returns a copy of all collected build errors.
func (ec *ErrorCollector) Errors() []BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]BuildError, len(ec.buildErrors))
	copy(result, ec.buildErrors)
	return result
}

// Count returns the number of collected errors.
func (ec *ErrorCollector) Count() int {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.buildErrors)
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	return ec.Count() > 0
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.buildErrors = ec.buildErrors[:0]
}

// ErrorsByFile returns errors for a specific file
func (ec *ErrorCollector) ErrorsByFile(file string) []BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var fileErrors []BuildError
	for _, err := range ec.buildErrors {
		if err.File == file {
			fileErrors = append(fileErrors, err)
		}
	}
	return fileErrors
}
