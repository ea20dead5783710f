package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tracklift/internal/audio"
	"tracklift/internal/device"
	"tracklift/internal/disc"
	"tracklift/internal/faults"
)

// State is a job's position in the pipeline.
type State string

const (
	StateQueued    State = "queued"
	StateRipping   State = "ripping"
	StateEncoding  State = "encoding"
	StateUploading State = "uploading"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed || s == StateCancelled
}

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateRipping:
		return 1
	case StateEncoding:
		return 2
	case StateUploading:
		return 3
	default:
		return 4
	}
}

// Stage names a pipeline sub-stage for progress reporting.
type Stage string

const (
	StageRip    Stage = "rip"
	StageEncode Stage = "encode"
	StageUpload Stage = "upload"
)

// Request describes one track to transfer. The profile is copied at submit
// time and never changes during the job.
type Request struct {
	Track   disc.Track
	Range   disc.SectorRange
	Profile audio.Profile
	Title   string
	Artist  string
}

// DisplayTitle is the title committed to the recorder.
func (r Request) DisplayTitle() string {
	title := r.Title
	if title == "" {
		title = r.Track.Title
	}
	if title == "" {
		title = fmt.Sprintf("Track %02d", r.Track.Number)
	}
	artist := r.Artist
	if artist == "" {
		artist = r.Track.Artist
	}
	if artist == "" {
		return title
	}
	return artist + " - " + title
}

func (r Request) sectors() int64 {
	if r.Range.Len() > 0 {
		return r.Range.Len()
	}
	return r.Track.Sectors()
}

// Job is one submitted track transfer.
type Job struct {
	ID      string
	Request Request

	ctx    context.Context
	cancel context.CancelCauseFunc

	// gate serializes the move into uploading against cancellation.
	gate sync.Mutex

	// emitMu orders the job's events; nothing follows the terminal event.
	emitMu sync.Mutex
	closed bool

	mu          sync.Mutex
	state       State
	progress    map[Stage]float64
	err         error
	annotations []string
	commit      *device.CommitResult
	submitted   time.Time
	started     time.Time
	finished    time.Time
	stageStart  map[Stage]time.Time
}

func newJob(id string, req Request) *Job {
	return &Job{
		ID:         id,
		Request:    req,
		state:      StateQueued,
		progress:   make(map[Stage]float64, 3),
		stageStart: make(map[Stage]time.Time, 3),
		submitted:  time.Now(),
	}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Annotations returns the recoverable problems recorded for the job.
func (j *Job) Annotations() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.annotations...)
}

// advance moves the job forward to s. It never moves backwards or out of a
// terminal state and reports whether the job is still live.
func (j *Job) advance(s State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	if s.rank() > j.state.rank() {
		j.state = s
		if j.started.IsZero() {
			j.started = time.Now()
		}
	}
	return true
}

func (j *Job) context() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctx == nil {
		return context.Background()
	}
	return j.ctx
}

func (j *Job) setCommit(res device.CommitResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commit = &res
}

func (j *Job) annotate(note string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.annotations = append(j.annotations, note)
}

func (j *Job) setProgress(stage Stage, fraction float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.stageStart[stage]; !ok {
		j.stageStart[stage] = time.Now()
	}
	j.progress[stage] = min(max(fraction, 0), 1)
}

func (j *Job) stageElapsed(stage Stage) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	start, ok := j.stageStart[stage]
	if !ok {
		return 0
	}
	return time.Since(start)
}

// Snapshot is a point-in-time copy of a job for reporting.
type Snapshot struct {
	ID          string               `json:"id"`
	Track       int                  `json:"track"`
	Title       string               `json:"title"`
	Format      audio.Format         `json:"format"`
	State       State                `json:"state"`
	Progress    map[Stage]float64    `json:"progress"`
	Cause       string               `json:"cause,omitempty"`
	Annotations []string             `json:"annotations,omitempty"`
	Commit      *device.CommitResult `json:"commit,omitempty"`
	Submitted   time.Time            `json:"submitted"`
	Finished    time.Time            `json:"finished,omitzero"`
}

// Snapshot copies the job's reportable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	progress := make(map[Stage]float64, len(j.progress))
	for k, v := range j.progress {
		progress[k] = v
	}
	snap := Snapshot{
		ID:          j.ID,
		Track:       j.Request.Track.Number,
		Title:       j.Request.DisplayTitle(),
		Format:      j.Request.Profile.Format,
		State:       j.state,
		Progress:    progress,
		Annotations: append([]string(nil), j.annotations...),
		Submitted:   j.submitted,
		Finished:    j.finished,
	}
	if j.err != nil {
		snap.Cause = describe(j.err)
	}
	if j.commit != nil {
		c := *j.commit
		snap.Commit = &c
	}
	return snap
}

// Result is a job's terminal outcome.
type Result struct {
	JobID       string               `json:"job_id"`
	Track       int                  `json:"track"`
	Title       string               `json:"title"`
	Format      audio.Format         `json:"format"`
	State       State                `json:"state"`
	Err         error                `json:"-"`
	Cause       string               `json:"cause,omitempty"`
	Operation   string               `json:"operation,omitempty"`
	Annotations []string             `json:"annotations,omitempty"`
	Commit      *device.CommitResult `json:"commit,omitempty"`
	Started     time.Time            `json:"started"`
	Finished    time.Time            `json:"finished"`
}

func (j *Job) result() Result {
	snap := j.Snapshot()
	j.mu.Lock()
	defer j.mu.Unlock()
	started := j.started
	if started.IsZero() {
		started = j.submitted
	}
	return Result{
		JobID:       j.ID,
		Track:       snap.Track,
		Title:       snap.Title,
		Format:      snap.Format,
		State:       j.state,
		Err:         j.err,
		Cause:       snap.Cause,
		Operation:   faults.Details(j.err).Operation,
		Annotations: snap.Annotations,
		Commit:      snap.Commit,
		Started:     started,
		Finished:    j.finished,
	}
}
