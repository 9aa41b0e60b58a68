package utils

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies fatal failures. Each kind maps to one process exit code.
type Kind int

const (
	KindConfig Kind = iota
	KindBackendUnavailable
	KindModelLoad
	KindInferenceFallback
	KindInference
)

// Exit codes
const (
	ExitOK                 = 0
	ExitGeneric            = 1
	ExitConfig             = 2
	ExitBackendUnavailable = 3
	ExitModelLoad          = 4
	ExitInferenceFallback  = 5
	ExitInference          = 6
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindBackendUnavailable:
		return "BackendUnavailable"
	case KindModelLoad:
		return "ModelLoadError"
	case KindInferenceFallback, KindInference:
		return "InferenceError"
	}
	return "UnknownError"
}

// Code returns the process exit code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindConfig:
		return ExitConfig
	case KindBackendUnavailable:
		return ExitBackendUnavailable
	case KindModelLoad:
		return ExitModelLoad
	case KindInferenceFallback:
		return ExitInferenceFallback
	case KindInference:
		return ExitInference
	}
	return ExitGeneric
}

// ExitError is a fatal failure on its way up to the process exit.
// Context is the short human-readable prefix ("Inference failed (stream)").
type ExitError struct {
	Kind    Kind
	Context string
	Err     error
	Cmd     *SafeCommand // optional, for dumping backend logs
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Context
	}
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Fail builds an ExitError of the given kind.
func Fail(kind Kind, context string, err error) *ExitError {
	return &ExitError{Kind: kind, Context: context, Err: err}
}

// WithLogs attaches a command whose stderr will be shown with the error.
func (e *ExitError) WithLogs(s *SafeCommand) *ExitError {
	e.Cmd = s
	return e
}

// AsExitError is errors.As specialised for *ExitError.
func AsExitError(err error, target **ExitError) bool {
	return errors.As(err, target)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if AsExitError(err, &exitErr) {
		return exitErr.Kind.Code()
	}
	return ExitGeneric
}
