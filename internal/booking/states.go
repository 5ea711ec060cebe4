package booking

import "github.com/shaxa2505/fudly-bot-sub003/internal/db"

// transitions enumerates every legal status change. Anything not listed
// is refused; attempts out of a terminal state are treated as no-ops by
// the service so duplicate worker passes and duplicate user taps stay
// harmless.
var transitions = map[string][]string{
	db.BookingStatusPending: {
		db.BookingStatusConfirmed,
		db.BookingStatusCancelled,
		db.BookingStatusExpired,
	},
	db.BookingStatusConfirmed: {
		db.BookingStatusReady,
		db.BookingStatusCompleted,
		db.BookingStatusCancelled,
		db.BookingStatusExpired,
	},
	db.BookingStatusReady: {
		db.BookingStatusCompleted,
		db.BookingStatusCancelled,
		db.BookingStatusExpired,
	},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
