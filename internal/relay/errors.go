package relay

import "errors"

var (
	ErrRoomFull      = errors.New("room is full")
	ErrDuplicateID   = errors.New("participant id already present in room")
	ErrNotMember     = errors.New("not a room member")
	ErrInvalidTarget = errors.New("envelope target not in room")
)
