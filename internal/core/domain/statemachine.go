package domain

var transitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled, BookingExpired},
	BookingConfirmed: {BookingCancelled, BookingRefunded},
	BookingCancelled: {BookingRefunded},
	BookingExpired:   {BookingCancelled},
	BookingRefunded:  {},
}

func CanTransition(from, to BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of b moved to status to. It has no side effects;
// persisting the result is up to the caller.
func Transition(b Booking, to BookingStatus) (Booking, error) {
	if !CanTransition(b.Status, to) {
		return b, &InvalidTransitionError{From: b.Status, To: to}
	}

	b.Status = to
	if to != BookingPending {
		b.ExpiresAt = nil
	}
	return b, nil
}
