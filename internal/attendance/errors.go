package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrValidation          = errors.New("validation failed")
	ErrUnknownStudent      = fmt.Errorf("%w: unknown student", ErrValidation)
	ErrDuplicateSubmission = errors.New("attendance already recorded for this date and class")
)
