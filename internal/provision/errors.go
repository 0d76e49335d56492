package provision

import "errors"

// Error taxonomy shared across the engine and transports. Stale reconciliation
// discards are deliberately absent: dropping an out-of-date update is normal
// operation, observable only through diagnostics.
var (
	// ErrInvalidRequest rejects a malformed submission before any job exists.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTransition rejects an illegal stage change; the job record is
	// left unchanged.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrTransportDisconnected surfaces to a subscriber whose bounded
	// reconnect attempts were exhausted. It never affects the job itself.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrSubjectNotFound indicates no snapshot exists for the subject.
	ErrSubjectNotFound = errors.New("subject not found")
)
