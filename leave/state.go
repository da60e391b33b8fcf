package leave

import "strings"

// externalStates maps engine state and activity names to local statuses.
// Keys are lower case; lookups fold case.
var externalStates = map[string]Status{
	"leaverequestcreated": StatusCreated,
	"created":             StatusCreated,
	"draft":               StatusCreated,
	"managersigning":      StatusManagerSigning,
	"hrsigning":           StatusHRSigning,
	"approved":            StatusApproved,
	"final":               StatusApproved,
	"rejected":            StatusRejected,
	"cancelled":           StatusCancelled,
	"canceled":            StatusCancelled,
	"cancel":              StatusCancelled,
}

// StatusForState maps an engine state name to a local status.
func StatusForState(name string) (Status, bool) {
	s, ok := externalStates[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// CanTransition reports whether a request in from may move to to.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	return to.Rank() > from.Rank()
}
