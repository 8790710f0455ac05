// Package retry decides when a failed delivery is tried again.
//
// A destination stores its policy as a JSON document that may be missing,
// partial, or malformed. Parse layers whatever it can read over Default, field
// by field, so callers always get a usable Policy.
package retry

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// ErrDelayCeiling marks a retry that was refused because its delay exceeded
// the configured maximum.
var ErrDelayCeiling = errors.New("retry delay exceeds ceiling")

type Policy struct {
	MaxRetries int           // retries after the first attempt
	RetryDelay time.Duration // base delay
	Backoff    bool          // double the delay for every completed retry
}

func Default() Policy {
	return Policy{
		MaxRetries: 3,
		RetryDelay: 5000 * time.Millisecond,
		Backoff:    true,
	}
}

// Parse reads a stored policy document. It never fails: unreadable input
// yields Default, and each missing or invalid field keeps its default value.
// A JSON string holding an encoded object is unwrapped once.
func Parse(raw []byte) Policy {
	p := Default()
	if len(raw) == 0 {
		return p
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return p
		}
		if err := json.Unmarshal([]byte(inner), &fields); err != nil {
			return p
		}
	}

	if v, ok := fields["maxRetries"]; ok {
		var n float64
		if json.Unmarshal(v, &n) == nil && n >= 0 && n == math.Trunc(n) && n <= math.MaxInt32 {
			p.MaxRetries = int(n)
		}
	}

	for _, key := range []string{"retryDelay", "retryDelayMs"} {
		if d, ok := parseDelayMs(fields[key]); ok {
			p.RetryDelay = d
			break
		}
	}

	if v, ok := fields["backoff"]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			p.Backoff = b
		}
	}

	return p
}

// parseDelayMs reads a positive millisecond count. A missing field is not ok.
func parseDelayMs(v json.RawMessage) (time.Duration, bool) {
	if v == nil {
		return 0, false
	}
	var ms float64
	if json.Unmarshal(v, &ms) != nil || ms <= 0 || ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// NextDelay returns how long to wait before retrying after the 1-based
// attempt attemptJustFailed, or false when the policy is exhausted. A lineage
// makes at most MaxRetries+1 attempts. With backoff the base delay is
// multiplied by 2 once per completed retry: attempt 1 waits RetryDelay,
// attempt 2 waits 2*RetryDelay, and so on. Overflow saturates.
// MaxRetries is not a cap on total attempts, as it is in schedulers that
// count the first attempt as a retry: here the first attempt is free.
func NextDelay(attemptJustFailed int, p Policy) (time.Duration, bool) {
	if attemptJustFailed < 1 {
		attemptJustFailed = 1
	}
	if attemptJustFailed > p.MaxRetries {
		return 0, false
	}
	if !p.Backoff {
		return p.RetryDelay, true
	}

	shift := attemptJustFailed - 1
	if shift >= 62 || p.RetryDelay > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64), true
	}
	return p.RetryDelay << uint(shift), true
}

// Evaluator applies NextDelay with an upper bound on how far in the future a
// retry may be scheduled.
type Evaluator struct {
	MaxDelay time.Duration // zero disables the ceiling
}

// Next returns the delay for the follow-up attempt. The error is
// ErrDelayCeiling when a retry was due but refused by the ceiling; it is nil
// when the policy simply ran out of retries.
func (e Evaluator) Next(attemptJustFailed int, p Policy) (time.Duration, bool, error) {
	delay, ok := NextDelay(attemptJustFailed, p)
	if !ok {
		return 0, false, nil
	}
	if e.MaxDelay > 0 && delay > e.MaxDelay {
		return 0, false, ErrDelayCeiling
	}
	return delay, true, nil
}
