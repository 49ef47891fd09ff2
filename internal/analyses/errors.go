package analyses

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrStatusConflict    = errors.New("status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingFile       = errors.New("file is required")
	ErrFileTooLarge      = errors.New("file too large")
	ErrReportNotReady    = errors.New("report not ready")
)
