package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Job is the queue payload. Without DestinationID it fans out to every active
// destination of the event; with it, it is a retry for that one destination.
type Job struct {
	EventUID      string     `json:"eventUid"`
	DestinationID *uuid.UUID `json:"destinationId,omitempty"`
	Attempt       int        `json:"attempt,omitempty"`
}

// AttemptNumber returns the 1-based attempt this job performs.
func (j Job) AttemptNumber() int {
	if j.Attempt < 1 {
		return 1
	}
	return j.Attempt
}

var errInvalidJob = errors.New("invalid job")

func parseJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", errInvalidJob, err)
	}
	if job.EventUID == "" {
		return Job{}, fmt.Errorf("%w: missing eventUid", errInvalidJob)
	}
	return job, nil
}
