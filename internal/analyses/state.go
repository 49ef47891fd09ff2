package analyses

// IsTerminal reports whether no further pipeline progress occurs without operator action.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsProcessing reports whether a pipeline run owns the record.
func (s Status) IsProcessing() bool {
	switch s {
	case StatusSummarizing, StatusIdentifying, StatusAnalyzing, StatusReviewing:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusSummarizing, StatusIdentifying, StatusAnalyzing, StatusReviewing,
		StatusCompleted, StatusCancelling, StatusCancelled, StatusError, StatusDeleted:
		return true
	default:
		return false
	}
}

var forward = map[Status]Status{
	StatusUploading:   StatusSummarizing,
	StatusSummarizing: StatusIdentifying,
	StatusIdentifying: StatusAnalyzing,
	StatusAnalyzing:   StatusReviewing,
	StatusReviewing:   StatusCompleted,
}

// CanTransition reports whether moving a record from one status to another is allowed.
// Staying in the same status is allowed so checkpoints can rewrite progress.
func CanTransition(from, to Status) bool {
	if from == to {
		return from != StatusDeleted && from != StatusCancelled
	}
	switch from {
	case StatusDeleted:
		return false
	case StatusCancelled:
		return to == StatusDeleted
	}
	switch to {
	case StatusDeleted:
		return true
	case StatusError:
		return from != StatusCancelling
	case StatusCancelling:
		return !from.IsTerminal()
	case StatusCancelled:
		return from == StatusCancelling
	case StatusSummarizing:
		// upload completion, operator retry, operator reprocess
		return from == StatusUploading || from == StatusError || from == StatusCompleted
	}
	return forward[from] == to
}
