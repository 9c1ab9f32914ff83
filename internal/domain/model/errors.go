package model

import "errors"

// ErrMalformedResponse marks a tracker response that could not be mapped to
// merge request snapshots (bad JSON, missing or non-positive ids, unknown state).
var ErrMalformedResponse = errors.New("malformed tracker response")

// ErrCorruptState marks persisted notified-set data that exists but cannot be
// decoded. It is never treated as an empty set.
var ErrCorruptState = errors.New("corrupt notified state")

// FailureKind categorizes why a poll cycle was aborted.
type FailureKind string

const (
	FailureFetch     FailureKind = "fetch"
	FailureMalformed FailureKind = "malformed"
	FailureStore     FailureKind = "store"
	FailureDelivery  FailureKind = "delivery"
)
