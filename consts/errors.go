package consts

import "errors"

// Pool and routing errors. Callers distinguish "no capacity right now" from
// "mapping problem" from "transient storage failure" with Classify.
var (
	ErrPoolExhausted   = errors.New("pool exhausted")
	ErrCheckoutTimeout = errors.New("timed out waiting for a pooled connection")
	ErrCreateFailed    = errors.New("could not create connection")
	ErrPoolClosed      = errors.New("pool is closed")

	ErrUnknownPool        = errors.New("unknown pool")
	ErrDestroyRefused     = errors.New("pool destruction refused")
	ErrAssignmentNotFound = errors.New("tenant assignment not found")

	ErrSchemaSwitchFailed = errors.New("schema switch failed")
	ErrStorage            = errors.New("storage error")

	ErrConnectionReturned = errors.New("connection already returned")
)

// ErrorKind groups errors by the retry policy a caller should apply.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindCapacity: no capacity right now, retry later.
	KindCapacity
	// KindConfiguration: mapping or registry problem, retrying will not help.
	KindConfiguration
	// KindTransient: storage or endpoint failure that may clear up.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify returns the kind of err by walking its wrap chain.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrCheckoutTimeout), errors.Is(err, ErrPoolClosed):
		return KindCapacity
	case errors.Is(err, ErrUnknownPool), errors.Is(err, ErrAssignmentNotFound), errors.Is(err, ErrDestroyRefused):
		return KindConfiguration
	case errors.Is(err, ErrStorage), errors.Is(err, ErrCreateFailed), errors.Is(err, ErrSchemaSwitchFailed):
		return KindTransient
	default:
		return KindUnknown
	}
}
