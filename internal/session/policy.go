package session

import "time"

// Policy holds the configurable session rules.
type Policy struct {
	// OneVotePerParticipant allows a single answer per participant name per question
	// and requires a joined participant to answer at all.
	OneVotePerParticipant bool
	// RequirePresenter restricts ask, kick and close to presenter connections.
	RequirePresenter bool
	// DefaultTimeLimit applies when a question arrives without a time limit.
	DefaultTimeLimit int
	MaxOptions       int
	PersistTimeout   time.Duration
	PersistRetries   int
	PersistBackoff   time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		OneVotePerParticipant: true,
		RequirePresenter:      false,
		DefaultTimeLimit:      60,
		MaxOptions:            10,
		PersistTimeout:        5 * time.Second,
		PersistRetries:        2,
		PersistBackoff:        200 * time.Millisecond,
	}
}
