package punch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/transport"
)

const waitTimeout = 10 * time.Second

// refusedAddr returns a loopback address nothing listens on.
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := transport.Listen(context.Background(), 0)
	require.NoError(t, err)
	port := transport.Port(ln.Addr())
	require.NoError(t, ln.Close())
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func (c *connecting) counters() (attempts, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts, c.failures
}

func newTestConnecting(t *testing.T, mock *clock.Mock) *connecting {
	t.Helper()
	cfg := Config{Self: 1, Clock: mock, DialTimeout: time.Second}
	cfg.withDefaults()
	return newConnecting(SlotPublic, refusedAddr(t), 2, &cfg, Hooks{
		Connected:    func() { t.Error("refused dial reported connected") },
		Received:     func(protocol.Message) {},
		Disconnected: func(bool) {},
	})
}

func waitFailures(t *testing.T, c *connecting, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, failures := c.counters()
		return failures >= n
	}, waitTimeout, 5*time.Millisecond)
}

func TestConnecting_RetryBudget(t *testing.T) {
	mock := clock.NewMock()
	c := newTestConnecting(t, mock)
	c.StartHandshake()

	for n := 1; n < DefaultMaxAttempts; n++ {
		waitFailures(t, c, n)

		mock.Add(DefaultRetryDelay - time.Millisecond)
		attempts, _ := c.counters()
		assert.Equal(t, n, attempts, "retry before the delay elapsed")

		mock.Add(time.Millisecond)
		require.Eventually(t, func() bool {
			attempts, _ := c.counters()
			return attempts == n+1
		}, waitTimeout, 5*time.Millisecond)
	}

	waitFailures(t, c, DefaultMaxAttempts)
	mock.Add(10 * DefaultRetryDelay)
	time.Sleep(20 * time.Millisecond)
	attempts, failures := c.counters()
	assert.Equal(t, DefaultMaxAttempts, attempts)
	assert.Equal(t, DefaultMaxAttempts, failures)
}

func TestConnecting_StopCancelsRetry(t *testing.T) {
	mock := clock.NewMock()
	c := newTestConnecting(t, mock)
	c.StartHandshake()
	waitFailures(t, c, 1)

	c.StopHandshake()
	mock.Add(DefaultRetryDelay)
	time.Sleep(20 * time.Millisecond)

	attempts, _ := c.counters()
	assert.Equal(t, 1, attempts)

	c.StartHandshake()
	attempts, _ = c.counters()
	assert.Equal(t, 1, attempts, "a stopped strategy never starts again")
	assert.False(t, c.IsConnected())
	assert.False(t, c.TrySend(&protocol.P2PEcho{Text: "x"}))
}
