package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageDiscovered  Stage = "DISCOVERED"
	StagePageDone    Stage = "PAGE_DONE"
	StagePageFailed  Stage = "PAGE_FAILED"
	StagePageSkipped Stage = "PAGE_SKIPPED"
	StageRunDone     Stage = "RUN_DONE"
	StageRunAborted  Stage = "RUN_ABORTED"
)

// Terminal reports whether the stage closes a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunAborted
}

// Event captures one step of a crawl run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage names the step.
	Stage Stage
	// Target is the crawled listing ID.
	Target string
	// Page is set on page stages.
	Page int
	// Source tells where a done page came from (cache_json, cache_html, live).
	Source crawler.Source
	// Reviews is the number of records a done page yielded.
	Reviews int
	// Stats is the aggregate snapshot after the step, when one was taken.
	Stats *crawler.Stats
	// Dur captures page resolution or run latency.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Target == "" {
		return errors.New("target is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunAborted:
	case StageDiscovered, StageRunDone:
		if e.Stats == nil {
			return fmt.Errorf("%s requires stats", e.Stage)
		}
	case StagePageDone:
		if e.Page < 1 {
			return errors.New("page done requires page")
		}
		if e.Stats == nil {
			return errors.New("page done requires stats")
		}
	case StagePageFailed, StagePageSkipped:
		if e.Page < 1 {
			return fmt.Errorf("%s requires page", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
