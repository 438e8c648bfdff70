package scheduler

import "errors"

var (
	// ErrNodeNotFound is returned for an unknown node ID
	ErrNodeNotFound = errors.New("node not found")

	// ErrCapacityExhausted means no node can take the request and none can be woken.
	// Callers should retry later; requests are never queued.
	ErrCapacityExhausted = errors.New("gpu capacity exhausted")

	// ErrNodeFull is returned by acquire when every slot on the node is taken
	ErrNodeFull = errors.New("node has no free slot")

	// ErrWakeTimeout is returned to waiters when a node does not become ready in time
	ErrWakeTimeout = errors.New("node did not become ready before startup timeout")

	// ErrWakeFailed is returned to waiters when the resume call itself failed
	ErrWakeFailed = errors.New("node wake failed")

	// ErrInvalidTransition is returned when the state machine forbids an operation
	ErrInvalidTransition = errors.New("invalid node state transition")

	// ErrNodeUnreachable is returned for nodes excluded from routing
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrPauseInterrupted means shutdown cut a pause call short. The claim is
	// dropped and the node left as it was.
	ErrPauseInterrupted = errors.New("pause interrupted by shutdown")
)
