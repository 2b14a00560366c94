package pipeline

import "fmt"

// Stage names.
const (
	StageScan      = "scan"
	StageExtract   = "extract"
	StageProvider  = "provider"
	StageIdentify  = "identify"
	StageDiagnose  = "diagnose"
	StageParse     = "parse"
	StageRemediate = "remediate"
	StageNotify    = "notify"
)

// StageError is a run-fatal error tagged with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

// Error implements the error interface
func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to see the cause.
func (e *StageError) Unwrap() error {
	return e.Err
}
