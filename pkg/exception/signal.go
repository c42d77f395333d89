package exception

import "errors"

var (
	ErrSignalStale             = errors.New("signal: newer signal already published")
	ErrSignalInvalidConfidence = errors.New("signal: confidence out of [0,1]")
	ErrSignalInvalidTTL        = errors.New("signal: ttl must be > 0")
	ErrSignalUnknownInstrument = errors.New("signal: unknown instrument")
	ErrSignalInvalidDirection  = errors.New("signal: invalid direction")
)
