package footprint

import (
	"errors"
	"fmt"
)

// ErrAborted is returned when a run stops before every tile was processed,
// either because the caller cancelled it or because a worker crashed.
var ErrAborted = errors.New("run aborted")

// ConfigurationError reports invalid input detected before any worker starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TileProcessingError is a recoverable failure confined to a single tile.
// The tile contributes no footprints and the run continues.
type TileProcessingError struct {
	TileID int
	Err    error
}

func (e *TileProcessingError) Error() string {
	return fmt.Sprintf("tile %d: %v", e.TileID, e.Err)
}

func (e *TileProcessingError) Unwrap() error { return e.Err }

// WorkerCrashError means a worker terminated abnormally. The whole run is
// aborted and every other worker is torn down.
type WorkerCrashError struct {
	WorkerID int
	PID      int
	TileID   int
	Err      error
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker %d (pid %d) terminated while processing tile %d: %v",
		e.WorkerID, e.PID, e.TileID, e.Err)
}

func (e *WorkerCrashError) Unwrap() error { return e.Err }

// MergeInconsistencyError marks a footprint the merger cannot use.
type MergeInconsistencyError struct {
	Ref    FootprintRef
	Reason string
}

func (e *MergeInconsistencyError) Error() string {
	return fmt.Sprintf("footprint tile=%d cluster=%d: %s", e.Ref.TileID, e.Ref.ClusterID, e.Reason)
}
