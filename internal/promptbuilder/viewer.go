package promptbuilder

import "sync"

// LastPromptCache holds the most recently built prompt for an external
// viewer. The builder writes it after every Build; viewers read it
// concurrently. All access holds the mutex.
type LastPromptCache struct {
	mu      sync.Mutex
	variant string
	prompt  string
}

// Set records the latest built prompt.
func (c *LastPromptCache) Set(variant, prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variant = variant
	c.prompt = prompt
}

// Snapshot returns the last variant name and prompt text.
func (c *LastPromptCache) Snapshot() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant, c.prompt
}
