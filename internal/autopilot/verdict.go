package autopilot

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopfront/autopilot/internal/job"
)

var ErrAutosendExpired = errors.New("autosend gave up")

type Outcome string

const (
	OutcomeDrafted  Outcome = "drafted"
	OutcomeReleased Outcome = "released"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
	OutcomeGaveUp   Outcome = "gave_up"
)

// Verdict is the result of one draft or release decision. Gate names the
// check that decided it, empty when every gate passed.
type Verdict struct {
	Outcome       Outcome
	Gate          string
	Reason        string
	Delay         time.Duration
	FallbackToSMS bool
	MessageID     string
}

func skip(gate, reason string) Verdict {
	return Verdict{Outcome: OutcomeSkipped, Gate: gate, Reason: reason}
}

func deferFor(gate string, delay time.Duration, reason string) Verdict {
	return Verdict{Outcome: OutcomeDeferred, Gate: gate, Delay: delay, Reason: reason}
}

func giveUp(gate, reason string) Verdict {
	return Verdict{Outcome: OutcomeGaveUp, Gate: gate, Reason: reason}
}

// JobResult maps the verdict onto the dispatcher's outcomes. Giving up is a
// permanent failure so the job lands in the dead-letter queue.
func (v Verdict) JobResult() (job.Result, error) {
	switch v.Outcome {
	case OutcomeDrafted, OutcomeReleased:
		return job.Processed(), nil
	case OutcomeSkipped:
		return job.Skipped(v.describe()), nil
	case OutcomeDeferred:
		return job.RetryAfter(v.Delay, v.describe()), nil
	case OutcomeGaveUp:
		return job.Result{}, job.Permanent(fmt.Errorf("%w: %s", ErrAutosendExpired, v.describe()))
	default:
		return job.Result{}, job.Permanent(fmt.Errorf("unknown verdict outcome %q", v.Outcome))
	}
}

func (v Verdict) describe() string {
	if v.Gate == "" {
		return v.Reason
	}

	return v.Gate + ": " + v.Reason
}
