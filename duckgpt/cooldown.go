package duckgpt

import (
	"sync"
	"time"
)

type cooldownKey struct {
	UserID  string
	Command string
}

// Cooldowns tracks, per user and per command, the last time a command was
// admitted, and rejects invocations that arrive before the command's
// window has elapsed.
//
// Entries live for the lifetime of the process.
type Cooldowns struct {
	windows  map[string]time.Duration
	lastUsed map[cooldownKey]time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewCooldowns creates a Cooldowns with the given window per command name.
// Commands without a window are never limited.
func NewCooldowns(windows map[string]time.Duration) *Cooldowns {
	w := make(map[string]time.Duration, len(windows))
	for k, v := range windows {
		w[k] = v
	}
	return &Cooldowns{
		windows:  w,
		lastUsed: map[cooldownKey]time.Time{},
		now:      time.Now,
	}
}

// Window returns the configured cooldown for the command
func (c *Cooldowns) Window(command string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[command]
}

// Allow checks whether the user may invoke the command now. If so, the
// invocation is recorded before returning true, so concurrent callers for the
// same user and command can't both be admitted within one window.
// If not, the time remaining until the window elapses is returned.
func (c *Cooldowns) Allow(userID string, command string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := cooldownKey{UserID: userID, Command: command}

	if last, ok := c.lastUsed[key]; ok {
		readyAt := last.Add(c.windows[command])
		if now.Before(readyAt) {
			return readyAt.Sub(now), false
		}
	}
	c.lastUsed[key] = now
	return 0, true
}

// Len returns the number of (user, command) entries being tracked
func (c *Cooldowns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lastUsed)
}
