package database

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate")
	ErrCollectionNotFound  = notFound("collection not found")
	ErrIndexNotFound       = notFound("index not found")
	ErrInvalidIndexOptions = errors.New("invalid index options")
	ErrInvalidFilter       = errors.New("invalid filter")
)

// notFoundError is a more specific not-found condition that still matches
// ErrNotFound.
type notFoundError struct {
	msg string
}

func notFound(msg string) error {
	return &notFoundError{msg: msg}
}

func (e *notFoundError) Error() string {
	return e.msg
}

func (*notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
