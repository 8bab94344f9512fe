package appcred

import (
	"errors"
	"net/http"

	"github.com/stephnangue/latch/logical"
)

// Sentinel errors returned by the package. Callers test them with
// errors.Is; the wrapped message carries the specifics.
var (
	ErrValidation              = errors.New("invalid application credential request")
	ErrRoleNotAssigned         = errors.New("role not assigned to user on project")
	ErrInvalidExpirationFormat = errors.New("invalid expiration format")
	ErrExpirationInPast        = errors.New("expiration must be in the future")
	ErrNotFound                = errors.New("application credential not found")
	ErrUserNotFound            = errors.New("user not found")
	ErrForbidden               = errors.New("forbidden")
	ErrUnauthorized            = errors.New("invalid application credential")
	ErrConflict                = errors.New("application credential already exists")
)

// ToCodedError maps an error from this package onto the status taxonomy of
// the request layer. Errors it does not recognize become a 500 whose message
// hides the cause; the caller is expected to log the original.
func ToCodedError(err error) *logical.CodedError {
	var coded *logical.CodedError
	if errors.As(err, &coded) {
		return coded
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrRoleNotAssigned),
		errors.Is(err, ErrInvalidExpirationFormat),
		errors.Is(err, ErrExpirationInPast):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		// never carries detail about the target
		return logical.ErrForbidden(ErrForbidden.Error())
	case errors.Is(err, ErrUnauthorized):
		return logical.ErrUnauthorized(ErrUnauthorized.Error())
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	default:
		return logical.ErrInternal("internal error")
	}
	return logical.WrapWithCode(status, err)
}
