package queue

import "errors"

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrDuplicateJob = errors.New("job id already exists")
	ErrJobNotFound  = errors.New("job not found")
	ErrNotActive    = errors.New("job is not active")
)

// Permanent marks a handler error as non-retryable: the job fails terminally
// on this attempt regardless of how many attempts remain.
//
//	return queue.Permanent(fmt.Errorf("decode payload: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
