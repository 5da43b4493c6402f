package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalid      = errors.New("invalid")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal")
	ErrPrecondition = errors.New("precondition failed")
	ErrUnavailable  = errors.New("unavailable")
	ErrBadResponse  = errors.New("malformed ai response")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}
