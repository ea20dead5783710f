package transfer

import (
	"context"
	"log/slog"
	"time"

	"tracklift/internal/faults"
	"tracklift/internal/logging"
)

// EventKind distinguishes progress updates from milestones.
type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventStageComplete EventKind = "stage_complete"
	EventTerminal      EventKind = "terminal"
)

// Event is one progress notification for a job.
type Event struct {
	Kind        EventKind `json:"kind"`
	JobID       string    `json:"job_id"`
	Track       int       `json:"track"`
	Title       string    `json:"title"`
	Stage       Stage     `json:"stage,omitempty"`
	Fraction    float64   `json:"fraction"`
	State       State     `json:"state"`
	Cause       string    `json:"cause,omitempty"`
	Annotations []string  `json:"annotations,omitempty"`
	Time        time.Time `json:"time"`
}

// ProgressSink receives job events. Publish is called from the pipeline's
// stage goroutines and must be safe for concurrent use; it should not block,
// because events are not buffered or replayed for slow consumers.
type ProgressSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []ProgressSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// LogSink writes milestones at info level and progress at debug level.
func LogSink(logger *slog.Logger) ProgressSink {
	logger = logging.NewComponentLogger(logger, "transfer")
	return SinkFunc(func(e Event) {
		ctx := faults.WithJobID(context.Background(), e.JobID)
		ctx = faults.WithTrack(ctx, e.Track)
		if e.Stage != "" {
			ctx = faults.WithStage(ctx, string(e.Stage))
		}
		l := logging.WithContext(ctx, logger)
		switch e.Kind {
		case EventProgress:
			l.Debug("progress",
				logging.String(logging.FieldEventType, "job_progress"),
				logging.Float64("percent", e.Fraction*100),
			)
		case EventStageComplete:
			l.Info("stage complete",
				logging.String(logging.FieldEventType, "stage_complete"),
			)
		case EventTerminal:
			attrs := []logging.Attr{
				logging.String(logging.FieldEventType, "job_"+string(e.State)),
				logging.String("title", e.Title),
				logging.String("state", string(e.State)),
			}
			if len(e.Annotations) > 0 {
				attrs = append(attrs, logging.Any("annotations", e.Annotations))
			}
			if e.State == StateFailed {
				attrs = append(attrs, logging.String("cause", e.Cause))
				logging.WarnWithContext(l, "transfer failed", "job_failed", attrs...)
				return
			}
			if e.Cause != "" {
				attrs = append(attrs, logging.String("cause", e.Cause))
			}
			l.Info("transfer finished", logging.Args(attrs...)...)
		}
	})
}

// describe renders a terminal cause for people: the error text plus the
// remediation hint for its kind.
func describe(err error) string {
	if err == nil {
		return ""
	}
	d := faults.Details(err)
	if d.Hint == "" {
		return d.Message
	}
	return d.Message + " (" + d.Hint + ")"
}
