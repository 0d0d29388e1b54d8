package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrMalformedResponse = errors.New("malformed message source response")
)
