package matrixclient

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
)

// Matrix error codes the sync core classifies on.
const (
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
)

// Error is a failed request. RespError is empty when the server answered
// without a Matrix error object or was not reached at all.
type Error struct {
	mautrix.RespError
	Op    string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("matrixclient: %s: %s: %s", e.Op, e.ErrCode, e.Err)
	}

	return fmt.Sprintf("matrixclient: %s: %s", e.Op, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// wrapError turns a mautrix error into *Error, lifting the Matrix errcode
// out of mautrix.HTTPError.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}

	merr := &Error{Op: op, cause: err}

	var (
		respErr    mautrix.RespError
		httpErrPtr *mautrix.HTTPError
		httpErr    mautrix.HTTPError
	)

	switch {
	case errors.As(err, &respErr):
		merr.RespError = respErr
	case errors.As(err, &httpErrPtr) && httpErrPtr.RespError != nil:
		merr.RespError = *httpErrPtr.RespError
	case errors.As(err, &httpErr) && httpErr.RespError != nil:
		merr.RespError = *httpErr.RespError
	}

	return merr
}

func asError(err error) (*Error, bool) {
	var merr *Error
	if errors.As(err, &merr) {
		return merr, true
	}

	return nil, false
}

// IsRateLimited reports whether err is a rate-limit response.
func IsRateLimited(err error) bool {
	merr, ok := asError(err)
	return ok && merr.ErrCode == ErrCodeLimitExceeded
}

// IsNotFound reports whether err is a not-found response. Optional lookups
// treat this as "absent".
func IsNotFound(err error) bool {
	merr, ok := asError(err)
	return ok && merr.ErrCode == ErrCodeNotFound
}
