package domain

import "errors"

// Kind buckets an error into the taxonomy the API layer translates to HTTP
// status codes.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindPreconditionFailed  Kind = "precondition_failed"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// Error is a classified error carrying enough context for the API layer to
// map it to a status code without string-sniffing.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, code, msg string, cause error) *Error {
	return &Error{Kind: k, Code: code, Message: msg, Err: cause}
}

func InvalidInput(code, msg string) *Error      { return newErr(KindInvalidInput, code, msg, nil) }
func Unauthenticated(code, msg string) *Error   { return newErr(KindUnauthenticated, code, msg, nil) }
func Forbidden(code, msg string) *Error         { return newErr(KindForbidden, code, msg, nil) }
func NotFound(code, msg string) *Error          { return newErr(KindNotFound, code, msg, nil) }
func Conflict(code, msg string) *Error          { return newErr(KindConflict, code, msg, nil) }
func PreconditionFailed(code, msg string) *Error { return newErr(KindPreconditionFailed, code, msg, nil) }
func Unavailable(code, msg string) *Error       { return newErr(KindUnavailable, code, msg, nil) }
func Internal(code, msg string, cause error) *Error {
	return newErr(KindInternal, code, msg, cause)
}

// Sentinel errors used for fine-grained handling inside the ledger/risk
// packages; each is already an *Error, so API handlers read it through As.
var (
	ErrInsufficientMargin = InvalidInput("insufficient_margin", "insufficient margin for requested size and leverage")
	ErrInvalidLeverage    = InvalidInput("invalid_leverage", "leverage exceeds the challenge type's maximum")
	ErrPriceUnavailable   = Unavailable("price_unavailable", "no fresh price available for symbol")
	ErrChallengeTerminal  = PreconditionFailed("challenge_terminal", "challenge is in a terminal state")
	ErrInvalidTpSl        = InvalidInput("invalid_tp_sl", "take-profit/stop-loss is on the wrong side of entry")
	ErrSymbolUnknown      = InvalidInput("symbol_unknown", "symbol is not tracked by the price feed")
	ErrPositionConflict   = Conflict("position_conflict", "position was modified concurrently, retry")
	ErrChallengeNotFound  = NotFound("challenge_not_found", "challenge does not exist")
	ErrPositionNotFound   = NotFound("position_not_found", "position does not exist or is already closed")
	ErrNotChallengeOwner  = Forbidden("not_owner", "challenge does not belong to caller")
)

// As is a small convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
