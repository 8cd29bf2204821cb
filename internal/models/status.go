package models

// Status enumerates lifecycle states persisted in the store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusScheduled, StatusProcessing, StatusSent,
	StatusDelivered, StatusRetry, StatusFailed, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no scheduler-driven transition may leave s.
// FAILED can still be corrected to DELIVERED by a late callback.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// PreDispatch reports whether the reminder has not been claimed by a worker yet.
// Only these states accept cancel, update and claim.
func (s Status) PreDispatch() bool {
	return s == StatusPending || s == StatusScheduled || s == StatusRetry
}

// ClaimableStatuses are the states a worker may move into PROCESSING.
var ClaimableStatuses = []Status{StatusPending, StatusScheduled, StatusRetry}

var transitions = map[Status][]Status{
	StatusPending:    {StatusScheduled, StatusProcessing, StatusCancelled, StatusFailed},
	StatusScheduled:  {StatusScheduled, StatusProcessing, StatusCancelled, StatusFailed},
	StatusRetry:      {StatusRetry, StatusScheduled, StatusProcessing, StatusCancelled, StatusFailed, StatusDelivered},
	StatusProcessing: {StatusSent, StatusRetry, StatusFailed},
	StatusSent:       {StatusDelivered, StatusRetry, StatusFailed},
	StatusFailed:     {StatusDelivered},
}

// CanTransition reports whether from -> to is an edge of the reminder state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
