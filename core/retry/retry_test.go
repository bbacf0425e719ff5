// retry_test.go - Tests for the retry policy.
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

package retry

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/enclavenet/failure"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestPolicyNext(t *testing.T) {
	require := require.New(t)

	p := &Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

	d, ok := p.Next(failure.NewIOError("dial", syscall.ECONNRESET), 0)
	require.True(ok)
	require.Equal(time.Second, d)

	d, ok = p.Next(&failure.RateLimitedError{RetryAfter: 42 * time.Second}, 1)
	require.True(ok)
	require.Equal(42*time.Second, d)

	_, ok = p.Next(failure.NewIOError("dial", syscall.ECONNRESET), 2)
	require.False(ok, "attempt budget exhausted")

	_, ok = p.Next(&failure.RestoreFailedError{TriesRemaining: 1}, 0)
	require.False(ok, "restore budget must never be spent silently")

	_, ok = p.Next(nil, 0)
	require.False(ok)
}
