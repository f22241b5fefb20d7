package pattern

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	// ErrNoMatch is returned by Resolve when no rule covers a message pattern.
	ErrNoMatch = errors.New("pattern: no matching rule")
	// ErrRuleOwned is returned by Claim when the rule belongs to another owner.
	ErrRuleOwned = errors.New("pattern: rule has another owner")
)

// Match is the rule a message pattern resolved to.
type Match struct {
	Key   string // canonical key of the rule
	Owner string // value the rule was added with
}

type rule struct {
	key    string
	fields Fields
	owner  string
}

// Matcher resolves message patterns to the most specific rule that covers
// them. A rule covers a message when all of the rule's key/values appear in
// the message; among covering rules the one with most keys wins, ties go to
// the lexicographically smaller key.
//
// Resolutions are memoized per canonical message key until the rule set
// changes.
type Matcher struct {
	mu    sync.RWMutex
	rules map[string]rule
	memo  *cache.Cache
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		rules: make(map[string]rule),
		memo:  cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Add registers pin as a rule owned by owner and returns its canonical key.
// Adding an existing rule replaces its owner.
func (m *Matcher) Add(pin any, owner string) (string, error) {
	fields, err := Normalize(pin)
	if err != nil {
		return "", err
	}
	key := fields.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[key] = rule{key: key, fields: fields, owner: owner}
	m.memo.Flush()
	return key, nil
}

// Claim is like Add but never changes the owner of an existing rule.
// Claiming a rule again with the same owner is a no-op.
func (m *Matcher) Claim(pin any, owner string) (string, error) {
	fields, err := Normalize(pin)
	if err != nil {
		return "", err
	}
	key := fields.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[key]; ok {
		if r.owner != owner {
			return key, fmt.Errorf("%w: %q is owned by %q", ErrRuleOwned, key, r.owner)
		}
		return key, nil
	}
	m.rules[key] = rule{key: key, fields: fields, owner: owner}
	m.memo.Flush()
	return key, nil
}

// Remove drops the rule for pin. Removing an unknown rule is a no-op.
func (m *Matcher) Remove(pin any) error {
	key, err := Canonicalize(pin)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[key]; ok {
		delete(m.rules, key)
		m.memo.Flush()
	}
	return nil
}

// Has reports whether a rule with exactly the canonical form of pin exists.
func (m *Matcher) Has(pin any) bool {
	key, err := Canonicalize(pin)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rules[key]
	return ok
}

// Resolve returns the most specific rule covering msg.
func (m *Matcher) Resolve(msg any) (Match, error) {
	fields, err := Normalize(msg)
	if err != nil {
		return Match{}, err
	}
	key := fields.String()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.memo.Get(key); ok {
		if match, ok := v.(Match); ok {
			return match, nil
		}
		return Match{}, ErrNoMatch
	}

	var best *rule
	for _, r := range m.rules {
		if !r.fields.Covers(fields) {
			continue
		}
		if best == nil ||
			len(r.fields) > len(best.fields) ||
			(len(r.fields) == len(best.fields) && r.key < best.key) {
			best = &r
		}
	}

	if best == nil {
		m.memo.Set(key, false, cache.DefaultExpiration)
		return Match{}, ErrNoMatch
	}
	match := Match{Key: best.key, Owner: best.owner}
	m.memo.Set(key, match, cache.DefaultExpiration)
	return match, nil
}
