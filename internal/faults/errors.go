package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRead              = errors.New("disc read error")
	ErrEncoding          = errors.New("encoding error")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrUploadFailed      = errors.New("upload failed")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrDeviceLost        = errors.New("device lost")
	ErrConfiguration     = errors.New("configuration error")
)

// Kind is a short classification label for a pipeline error.
type Kind string

const (
	KindRead              Kind = "read"
	KindEncoding          Kind = "encoding"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindInsufficientSpace Kind = "insufficient_space"
	KindUploadFailed      Kind = "upload_failed"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindDeviceLost        Kind = "device_lost"
	KindConfiguration     Kind = "configuration"
	KindUnknown           Kind = "unknown"
)

// markers is ordered so the most specific classification wins when an error
// carries several markers (an upload failure caused by a timeout is an upload
// failure first).
var markers = []struct {
	err  error
	kind Kind
	hint string
}{
	{ErrCancelled, KindCancelled, "re-queue the track if the cancellation was unintended"},
	{ErrDeviceLost, KindDeviceLost, "reconnect the recorder before queueing more tracks"},
	{ErrInsufficientSpace, KindInsufficientSpace, "free space on the recorder or choose a smaller encoding mode"},
	{ErrUploadFailed, KindUploadFailed, "check the USB cable and retry the track"},
	{ErrDeviceUnavailable, KindDeviceUnavailable, "connect and power on the recorder"},
	{ErrRead, KindRead, "clean the disc and retry"},
	{ErrEncoding, KindEncoding, "report this failure; encoder input did not match the profile"},
	{ErrConfiguration, KindConfiguration, "check the configuration file"},
	{ErrTimeout, KindTimeout, "retry; increase the configured timeout if it persists"},
}

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		if err != nil {
			return fmt.Errorf("%s: %w", detail, err)
		}
		return errors.New(detail)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify returns the most specific Kind carried by err.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for _, m := range markers {
		if errors.Is(err, m.err) {
			return m.kind
		}
	}
	return KindUnknown
}

// ErrorDetails summarizes an error for terminal job reporting.
type ErrorDetails struct {
	Kind      Kind
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts a human-readable summary from err.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{
		Kind:    Classify(err),
		Message: strings.TrimSpace(err.Error()),
		Cause:   err,
	}
	for _, m := range markers {
		if errors.Is(err, m.err) {
			details.Hint = m.hint
			break
		}
	}
	var op *opError
	if errors.As(err, &op) {
		details.Operation = op.operation
	}
	return details
}

// Op annotates err with the operation that produced it. Details reports the
// innermost annotated operation.
func Op(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &opError{operation: operation, err: err}
}

type opError struct {
	operation string
	err       error
}

func (e *opError) Error() string { return e.err.Error() }

func (e *opError) Unwrap() error { return e.err }

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
