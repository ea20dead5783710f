package notifications

import (
	"context"
	"log/slog"
	"sync"

	"tracklift/internal/logging"
	"tracklift/internal/transfer"
)

const sinkBuffer = 32

// Sink forwards terminal job events to a Service.
type Sink struct {
	svc    Service
	logger *slog.Logger
	events chan transfer.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ transfer.ProgressSink = (*Sink)(nil)

// NewSink starts the delivery goroutine. Call Close to flush and stop it.
func NewSink(svc Service, logger *slog.Logger) *Sink {
	s := &Sink{
		svc:    svc,
		logger: logging.NewComponentLogger(logger, "notifications"),
		events: make(chan transfer.Event, sinkBuffer),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Publish queues terminal events and ignores everything else. A full queue
// drops the event.
func (s *Sink) Publish(e transfer.Event) {
	if e.Kind != transfer.EventTerminal {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Warn("notification dropped",
			logging.String(logging.FieldJobID, e.JobID),
			logging.String(logging.FieldEventType, "notification_dropped"),
			logging.String(logging.FieldErrorHint, "ntfy server is not keeping up"),
		)
	}
}

// Close delivers queued events and waits for the goroutine to exit.
func (s *Sink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Sink) loop() {
	defer close(s.done)
	for e := range s.events {
		if err := s.svc.NotifyJobFinished(context.Background(), e); err != nil {
			s.logger.Warn("notification failed",
				logging.Error(err),
				logging.String(logging.FieldJobID, e.JobID),
				logging.String(logging.FieldEventType, "notification_failed"),
				logging.String(logging.FieldErrorHint, "check notify.ntfy_topic"),
				logging.String(logging.FieldImpact, "job outcome not pushed"),
			)
		}
	}
}
