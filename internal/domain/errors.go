package domain

import "errors"

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrBuildFailed          = errors.New("build failed")
	ErrBuildInProgress      = errors.New("build in progress")
	ErrNotFound             = errors.New("not found")
	ErrNoFirmware           = errors.New("no firmware yet")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrInvalidVersion       = errors.New("invalid version")
)
