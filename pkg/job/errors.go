package job

import "errors"

// Step cancellation causes. The watchdog cancels the step context with one
// of these; any of them classifies the step as Aborted.
var (
	ErrStepAborted     = errors.New("step abort requested by coordinator")
	ErrStepTimeout     = errors.New("step exceeded maximum duration")
	ErrAbortPollFailed = errors.New("step abort poll failed")
)

// errStepFinished ends the step scope once the body has returned
var errStepFinished = errors.New("step finished")

func isStepAbort(cause error) bool {
	return errors.Is(cause, ErrStepAborted) ||
		errors.Is(cause, ErrStepTimeout) ||
		errors.Is(cause, ErrAbortPollFailed)
}
