package injectipa

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for each pipeline stage. Errors returned by this package
// wrap exactly one of these so callers can branch with errors.Is.
var (
	ErrArchiveRead           = errors.New("archive read failed")
	ErrArchiveWrite          = errors.New("archive write failed")
	ErrBundleNotFound        = errors.New("application bundle not found")
	ErrExecutableNameMissing = errors.New("executable name missing")
	ErrOuterExtractionFailed = errors.New("package outer extraction failed")
	ErrInnerExtractionFailed = errors.New("package data extraction failed")
	ErrDataSegmentMissing    = errors.New("package data segment missing")
	ErrLibraryNotFound       = errors.New("dynamic library not found")
	ErrInjectionTool         = errors.New("load command injection failed")
	ErrDestinationCancelled  = errors.New("destination selection cancelled")
	ErrDelivery              = errors.New("failed to deliver archive")
)

// ErrorKind is the stable classification recorded in outcomes and reports.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindArchiveRead           ErrorKind = "ArchiveReadError"
	KindArchiveWrite          ErrorKind = "ArchiveWriteError"
	KindBundleNotFound        ErrorKind = "BundleNotFoundError"
	KindExecutableNameMissing ErrorKind = "ExecutableNameMissing"
	KindOuterExtraction       ErrorKind = "OuterExtractionFailed"
	KindInnerExtraction       ErrorKind = "InnerExtractionFailed"
	KindDataSegmentMissing    ErrorKind = "DataSegmentMissing"
	KindLibraryNotFound       ErrorKind = "LibraryNotFound"
	KindInjectionTool         ErrorKind = "InjectionToolError"
	KindDestinationCancelled  ErrorKind = "DestinationCancelled"
	KindDelivery              ErrorKind = "DeliveryError"
	KindCancelled             ErrorKind = "Cancelled"
	KindInternal              ErrorKind = "InternalError"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrArchiveRead, KindArchiveRead},
	{ErrArchiveWrite, KindArchiveWrite},
	{ErrBundleNotFound, KindBundleNotFound},
	{ErrExecutableNameMissing, KindExecutableNameMissing},
	{ErrOuterExtractionFailed, KindOuterExtraction},
	{ErrInnerExtractionFailed, KindInnerExtraction},
	{ErrDataSegmentMissing, KindDataSegmentMissing},
	{ErrLibraryNotFound, KindLibraryNotFound},
	{ErrInjectionTool, KindInjectionTool},
	{ErrDestinationCancelled, KindDestinationCancelled},
	{ErrDelivery, KindDelivery},
}

// Classify maps an error to its ErrorKind. Unknown errors are KindInternal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// ToolError describes a failed external tool invocation.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int    // -1 when the process never ran or was killed
	Output   string // combined stdout and stderr
	Kind     error  // stage sentinel, e.g. ErrArchiveRead
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%v: %s %s", e.Kind, e.Tool, strings.Join(e.Args, " "))
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitCode)
	} else if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
