package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"github.com/spf13/cobra"

	"github.com/ldj01/ard-tile-sub000/internal/dispatch"
)

// Process exit statuses.
const (
	ExitSuccess      = 0 // every scene terminal without ERROR, dispatcher drained
	ExitFailure      = 1 // scenes in ERROR, failed task limit reached, interrupted
	ExitCommandError = 2 // bad arguments, configuration, profile, segment or inventory
	ExitRetryable    = 3 // state store unreachable; the supervisor should restart the process
)

// ErrorCode classifies a command failure. Each code maps to one exit
// status, and it is the code reported in the JSON error envelope.
type ErrorCode string

// Failure codes.
const (
	CodeConfig           ErrorCode = "CONFIG"            // configuration, profile or region table unusable
	CodeInvalidSegment   ErrorCode = "INVALID_SEGMENT"   // clip payload is not a contiguous segment
	CodeInvalidInventory ErrorCode = "INVALID_INVENTORY" // ingest file has a bad header, id or footprint
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE" // state store unreachable or a query failed
	CodeScenesFailed     ErrorCode = "SCENES_FAILED"     // at least one scene of the segment ended in ERROR
	CodeFailureLimit     ErrorCode = "FAILURE_LIMIT"     // max_failed_jobs reached
	CodeInterrupted      ErrorCode = "INTERRUPTED"       // clip stopped by a signal between tiles
	CodeDispatcher       ErrorCode = "DISPATCHER"        // any other dispatcher failure
)

// ExitCode returns the process exit status for c.
func (c ErrorCode) ExitCode() int {
	switch c {
	case CodeConfig, CodeInvalidSegment, CodeInvalidInventory:
		return ExitCommandError
	case CodeStoreUnavailable:
		return ExitRetryable
	}
	return ExitFailure
}

// ExitError is a command failure carrying its code.
type ExitError struct {
	Code    ErrorCode
	Message string
	Err     error // optional cause
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// fail wraps err as a failure of the given code.
func fail(code ErrorCode, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit status for the error a command returned.
// Command bodies only return ExitErrors; anything else comes from cobra's
// argument and flag parsing and is a usage error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code.ExitCode()
	}
	return ExitCommandError
}

// Reporter prints command results as plain text or as a JSON envelope.
type Reporter struct {
	Format string
	Out    io.Writer
	// Diag receives diagnostics (verbose lines, metrics) so that JSON on Out
	// stays parseable.
	Diag    io.Writer
	Verbose bool
}

func newReporter(opts *RootOptions, cmd *cobra.Command) *Reporter {
	return &Reporter{
		Format:  opts.Format,
		Out:     cmd.OutOrStdout(),
		Diag:    cmd.ErrOrStderr(),
		Verbose: opts.Verbose,
	}
}

// Response is the JSON envelope of every command result.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command in the envelope.
type ResponseError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (r *Reporter) emit(resp Response, text string) error {
	if r.Format == "json" {
		return json.NewEncoder(r.Out).Encode(resp)
	}
	_, err := fmt.Fprintln(r.Out, text)
	return err
}

// Done prints a successful report.
func (r *Reporter) Done(report fmt.Stringer) error {
	return r.emit(Response{Status: "ok", Data: report}, report.String())
}

// Clip prints the outcome of a segment. Scenes in ERROR turn it into a
// SCENES_FAILED failure, which is returned after the report is printed.
func (r *Reporter) Clip(report clipReport) error {
	if report.Failed == 0 {
		return r.Done(report)
	}
	failure := fail(CodeScenesFailed, fmt.Sprintf("%d of %d scenes failed", report.Failed, len(report.Scenes)), nil)
	err := r.emit(Response{
		Status: "error",
		Error:  &ResponseError{Code: failure.Code, Message: failure.Message, Details: report},
	}, fmt.Sprintf("Error [%s]: %s\n%s", failure.Code, failure.Message, report))
	if err != nil {
		return err
	}
	return failure
}

// statusReport is the printable form of the dispatcher counters.
type statusReport dispatch.Status

func (s statusReport) String() string {
	return fmt.Sprintf("launched %d, finished %d, failed %d, running %d, queued %d",
		s.Launched, s.Finished, s.Failed, s.Running, s.Queued)
}

// Dispatch prints the dispatcher counters at exit.
func (r *Reporter) Dispatch(status dispatch.Status) error {
	return r.Done(statusReport(status))
}

// Debugf writes a diagnostic line in verbose mode.
func (r *Reporter) Debugf(format string, args ...any) {
	if !r.Verbose {
		return
	}
	_, _ = fmt.Fprintf(r.Diag, format+"\n", args...)
}

// Metrics writes every series of reg to the diagnostic writer in verbose
// mode, one key=value line per field.
func (r *Reporter) Metrics(reg *monkit.Registry) error {
	if !r.Verbose {
		return nil
	}
	return present.StatsText(reg, r.Diag)
}
