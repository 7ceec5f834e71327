package models

import (
	"errors"
	"fmt"
)

var (
	ErrSubmission          = errors.New("job submission failed")
	ErrTransientPoll       = errors.New("transient status check failure")
	ErrAuth                = errors.New("credential invalid or expired")
	ErrJobFailed           = errors.New("generator reported job failure")
	ErrTaskTimedOut        = errors.New("task timed out before a terminal status")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrSettlementFailed    = errors.New("job completed but settlement failed")
	ErrCreditFailed        = errors.New("purchase succeeded but credit failed")
	ErrPurchaseCancelled   = errors.New("purchase cancelled by user")
	ErrAlreadyOwned        = errors.New("product already owned")
	ErrTaskCancelled       = errors.New("task cancelled")
)

// FailureReason discriminates terminal task outcomes.
type FailureReason string

const (
	ReasonSubmission          FailureReason = "submission"
	ReasonAuth                FailureReason = "auth"
	ReasonJobFailed           FailureReason = "job_failed"
	ReasonTimedOut            FailureReason = "timed_out"
	ReasonInsufficientBalance FailureReason = "insufficient_balance"
	ReasonSettlementFailed    FailureReason = "settlement_failed"
	ReasonCancelled           FailureReason = "cancelled"
)

var reasonSentinels = map[FailureReason]error{
	ReasonSubmission:          ErrSubmission,
	ReasonAuth:                ErrAuth,
	ReasonJobFailed:           ErrJobFailed,
	ReasonTimedOut:            ErrTaskTimedOut,
	ReasonInsufficientBalance: ErrInsufficientBalance,
	ReasonSettlementFailed:    ErrSettlementFailed,
	ReasonCancelled:           ErrTaskCancelled,
}

// TaskError is the terminal failure of a generation task.
// errors.Is matches both the reason sentinel and the underlying cause.
type TaskError struct {
	Reason FailureReason
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	msg := string(e.Reason)
	if sentinel, ok := reasonSentinels[e.Reason]; ok {
		msg = sentinel.Error()
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("task %s: %s", e.TaskID, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := reasonSentinels[e.Reason]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ReasonOf extracts the failure reason, or "" when err is not a TaskError.
func ReasonOf(err error) FailureReason {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Reason
	}
	return ""
}
