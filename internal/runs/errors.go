package runs

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrLocked         = errors.New("run is locked by another orchestrator")
	ErrLeaseLost      = errors.New("run lease lost")
	ErrNotActive      = errors.New("run is not active")
	ErrNotResumable   = errors.New("run is not resumable")
	ErrInvalidSubject = errors.New("subject name is required")

	errNoChange = errors.New("no change")
)
