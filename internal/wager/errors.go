package wager

import "errors"

// Kind groups errors by how the caller is expected to react.
type Kind int

const (
	KindIntegrity Kind = iota
	KindValidation
	KindBusiness
	KindConcurrency
	KindFairness
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindConcurrency:
		return "concurrency"
	case KindFairness:
		return "fairness"
	default:
		return "integrity"
	}
}

// Error is a classified failure whose Code is safe to send to clients.
type Error struct {
	Kind Kind
	Code string
}

func (e *Error) Error() string { return e.Code }

func newError(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	ErrInvalidRequest   = newError(KindValidation, "invalid_request")
	ErrInvalidBetAmount = newError(KindValidation, "invalid_bet_amount")
	ErrInvalidMineCount = newError(KindValidation, "invalid_mine_count")
	ErrInvalidCell      = newError(KindValidation, "invalid_cell")
	ErrInvalidMode      = newError(KindValidation, "invalid_mode")
	ErrInvalidCases     = newError(KindValidation, "invalid_cases")
	ErrInvalidSeat      = newError(KindValidation, "invalid_seat")

	ErrNotFound             = newError(KindBusiness, "not_found")
	ErrInsufficientBalance  = newError(KindBusiness, "insufficient_balance")
	ErrInvalidUser          = newError(KindBusiness, "invalid_user")
	ErrInvalidTarget        = newError(KindBusiness, "invalid_target")
	ErrAlreadyClaimed       = newError(KindBusiness, "already_claimed")
	ErrGameInProgress       = newError(KindBusiness, "game_in_progress")
	ErrNoActiveGame         = newError(KindBusiness, "no_active_game")
	ErrCellAlreadyRevealed  = newError(KindBusiness, "cell_already_revealed")
	ErrNothingToCashout     = newError(KindBusiness, "nothing_to_cashout")
	ErrRoomNotFound         = newError(KindBusiness, "room_not_found")
	ErrRoomNotJoinable      = newError(KindBusiness, "room_not_joinable")
	ErrSeatTaken            = newError(KindBusiness, "seat_taken")
	ErrRoomFull             = newError(KindBusiness, "room_full")
	ErrWalletMismatch       = newError(KindBusiness, "wallet_mismatch")
	ErrAlreadyInRoom        = newError(KindBusiness, "already_in_room")
	ErrNotInRoom            = newError(KindBusiness, "not_in_room")
	ErrNotCreator           = newError(KindBusiness, "not_creator")
	ErrCannotSponsorOwnSeat = newError(KindBusiness, "cannot_sponsor_own_seat")
	ErrSeatAlreadySponsored = newError(KindBusiness, "seat_already_sponsored")
	ErrCaseNotFound         = newError(KindBusiness, "case_not_found")
	ErrCaseCostExceeded     = newError(KindBusiness, "case_cost_exceeded")

	ErrBusy     = newError(KindConcurrency, "try_again")
	ErrConflict = newError(KindConcurrency, "conflict")

	ErrStaleCommitment = newError(KindFairness, "stale_commitment")
)

// KindOf reports the kind of err. Unclassified errors are integrity failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIntegrity
}

// PublicCode returns the reason string that may be shown to a user.
// Integrity failures never leak their detail.
func PublicCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindConcurrency {
			return ErrBusy.Code
		}
		return e.Code
	}
	return "internal_error"
}

// Retryable reports whether the caller may simply try the operation again.
func Retryable(err error) bool {
	return KindOf(err) == KindConcurrency
}
