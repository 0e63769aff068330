package router

import "errors"

// RoutingError is the only error the engine returns. When it carries a
// provider failure, Message is that failure's text, unchanged.
type RoutingError struct {
	Message string
	Err     error
}

func (e *RoutingError) Error() string { return e.Message }

func (e *RoutingError) Unwrap() error { return e.Err }

func asRoutingError(err error) *RoutingError {
	var re *RoutingError
	if errors.As(err, &re) {
		return re
	}
	return &RoutingError{Message: err.Error(), Err: err}
}

// IsRoutingError reports whether err came out of the engine.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}
