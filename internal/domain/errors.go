package domain

import "errors"

// Sentinel errors returned by repositories. The service layer translates
// them into the transport error taxonomy.
var (
	// ErrNotFound means the referenced row does not exist
	ErrNotFound = errors.New("not found")

	// ErrActiveCallExists means the match already has a ringing/ongoing call
	ErrActiveCallExists = errors.New("active call already exists for match")

	// ErrStatusConflict means a compare-and-swap transition lost the race:
	// the call was no longer in the expected status
	ErrStatusConflict = errors.New("call status changed concurrently")
)
