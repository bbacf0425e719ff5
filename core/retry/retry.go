// retry.go - Caller side retry policy with exponential backoff.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides the backoff policy callers use when they decide
// to repeat a failed connect or request.  Nothing below the caller retries
// on its own.
package retry

import (
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/enclavenet/failure"
)

const (
	// DefaultMaxAttempts is the default maximum number of retry attempts
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the default base delay between retries
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0)
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given attempt using exponential backoff
// with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// Policy is a bounded retry policy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Next returns how long to wait before attempt number attempt+1 after err,
// or false if err must not be retried.  A server-signaled retry-after
// overrides the computed backoff, and is never shortened.
func (p *Policy) Next(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt+1 >= p.MaxAttempts || !failure.IsRetryable(err) {
		return 0, false
	}
	if d, ok := failure.RetryAfter(err); ok {
		return d, true
	}
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt), true
}
