package domain

import "errors"

var (
	// ErrInput marks a missing or empty required field.
	ErrInput = errors.New("invalid input")
	// ErrUpstream marks a failed or empty model / issue-source call.
	ErrUpstream = errors.New("upstream failure")
	// ErrNotFound marks an absent document or file.
	ErrNotFound = errors.New("not found")
	// ErrPersistence marks an unreachable store or failed write.
	ErrPersistence = errors.New("persistence failure")
	// ErrIO marks a failed artifact write.
	ErrIO = errors.New("artifact io failure")
	// ErrReconciliationMiss means the central status map was written but no
	// embedded record matched the title.
	ErrReconciliationMiss = errors.New("no embedded test case matched")
)
