package measurements

// Status represents the processing lifecycle of one image set within a run.
type Status string

const (
	StatusUnprocessed     Status = "Unprocessed"
	StatusInProcess       Status = "InProcess"
	StatusFinishedWaiting Status = "FinishedWaitingMeasurements"
	StatusDone            Status = "Done"
)

var allStatuses = []Status{
	StatusUnprocessed,
	StatusInProcess,
	StatusFinishedWaiting,
	StatusDone,
}

// Statuses returns the lifecycle statuses in progression order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// Known reports whether s is one of the lifecycle statuses.
func (s Status) Known() bool {
	return s.rank() >= 0
}

func (s Status) rank() int {
	for i, status := range allStatuses {
		if s == status {
			return i
		}
	}
	return -1
}

// Before reports whether s precedes other in the lifecycle. Statuses only
// advance within a run; a transition where Before is false is a regression.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}
