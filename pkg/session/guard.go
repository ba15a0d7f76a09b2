package session

import "sync"

// PromptGuard remembers which initial prompts were already sent so that a
// remounted view does not send the same auto-triggered prompt twice.
type PromptGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewPromptGuard() *PromptGuard {
	return &PromptGuard{seen: map[string]struct{}{}}
}

func guardKey(prompt string) string {
	return "initial:" + prompt
}

// Claim returns true the first time prompt is seen.
func (g *PromptGuard) Claim(prompt string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := guardKey(prompt)
	if _, ok := g.seen[k]; ok {
		return false
	}
	g.seen[k] = struct{}{}
	return true
}

// Seen reports whether prompt was claimed.
func (g *PromptGuard) Seen(prompt string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[guardKey(prompt)]
	return ok
}
