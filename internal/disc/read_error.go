package disc

import (
	"fmt"

	"tracklift/internal/faults"
)

// ReadError reports a sector range that could not be read after every retry.
// Fatal errors end the block sequence; others accompany a silent Damaged block.
type ReadError struct {
	Track    int
	Range    SectorRange
	Attempts int
	Fatal    bool
	Err      error
}

func (e *ReadError) Error() string {
	kind := "recoverable"
	if e.Fatal {
		kind = "fatal"
	}
	msg := fmt.Sprintf("%s read error on track %d sectors [%d,%d) after %d attempts", kind, e.Track, e.Range.Start, e.Range.End, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the read marker and the underlying cause.
func (e *ReadError) Unwrap() []error {
	if e.Err == nil {
		return []error{faults.ErrRead}
	}
	return []error{faults.ErrRead, e.Err}
}
