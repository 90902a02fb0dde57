package requests

import "fmt"

// transitions lists every legal lifecycle edge. Any pair not listed here is rejected.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusBillGenerated, StatusCancelled},
	StatusAccepted:         {StatusBillGenerated, StatusCancelled},
	StatusBillGenerated:    {StatusPaymentConfirmed},
	StatusPaymentConfirmed: {StatusCompleted},
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *StateError naming the pair when the transition is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &StateError{From: from, To: to}
}

// StateError reports an out-of-order lifecycle transition. The request is left untouched.
type StateError struct {
	From Status
	To   Status
}

func (e *StateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
