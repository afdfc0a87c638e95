package logic

import "errors"

// Auction outcomes. Everything except ErrTechnical is an ordinary no-fill and
// is reported structurally rather than logged.
var (
	ErrFraudulent           = errors.New("request classified as fraudulent")
	ErrNoEligibleCandidates = errors.New("no eligible candidates")
	ErrFilteredOut          = errors.New("all candidates filtered out")
	ErrNoWinnerSelected     = errors.New("no winner selected")
	ErrPacingLimited        = errors.New("campaign held back by pacing")
	ErrBudgetInsufficient   = errors.New("insufficient budget")
	ErrReservationRaceLost  = errors.New("reservation lost to a concurrent bid")
	ErrDeadlineExceeded     = errors.New("auction deadline exceeded")
	ErrTechnical            = errors.New("technical error")
)

// Outcome returns the metric label for an auction outcome error. A nil error
// is a bid.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "bid"
	case errors.Is(err, ErrFraudulent):
		return "fraudulent"
	case errors.Is(err, ErrNoEligibleCandidates):
		return "no_candidates"
	case errors.Is(err, ErrFilteredOut):
		return "filtered_out"
	case errors.Is(err, ErrNoWinnerSelected):
		return "no_winner"
	case errors.Is(err, ErrPacingLimited):
		return "paced"
	case errors.Is(err, ErrBudgetInsufficient):
		return "budget_insufficient"
	case errors.Is(err, ErrReservationRaceLost):
		return "race_lost"
	case errors.Is(err, ErrDeadlineExceeded):
		return "timeout"
	default:
		return "technical_error"
	}
}
