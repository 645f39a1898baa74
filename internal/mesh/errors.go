package mesh

import "errors"

var (
	ErrNegotiation   = errors.New("negotiation failed")
	ErrUnknownPeer   = errors.New("peer unknown")
	ErrInvalidState  = errors.New("invalid negotiation state")
	ErrAlreadyJoined = errors.New("room session already started")
	ErrLeft          = errors.New("room session left")
	ErrNotJoined     = errors.New("room session not joined")
)

// NegotiationError is fatal to one PeerLink only.
type NegotiationError struct {
	PeerID string
	Step   string
	Err    error
}

func (e *NegotiationError) Error() string {
	return "negotiation with " + e.PeerID + " failed at " + e.Step + ": " + e.Err.Error()
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }
