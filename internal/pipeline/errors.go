package pipeline

import (
	"errors"
	"fmt"
)

// 写入运行记录 error 字段、由客户端直接展示的文案
const (
	CancelledMessage        = "Processing cancelled by user"
	NoQualifyingJobsMessage = "no jobs met the minimum match score"
	InterruptedMessage      = "processing interrupted"
	ShutdownMessage         = "processing interrupted by server shutdown"

	msgResumeNotReady  = "resume is missing or has not been parsed"
	msgNoKeywords      = "job search keywords are empty"
	msgDailyLimitFmt   = "daily application limit reached (%d/%d)"
	msgSubmitFailedFmt = "failed to submit any application: %v"
)

// RunError 终止运行或拒绝启动的错误。BaseErr 为 types 中的分类错误，Detail 为展示给用户的原因
type RunError struct {
	RunID   string
	UserID  string
	Op      string
	BaseErr error
	Detail  string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message())
}

// Message 写入运行记录的文案
func (e *RunError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.BaseErr != nil {
		return e.BaseErr.Error()
	}
	return "unknown error"
}

func (e *RunError) Unwrap() error {
	return e.BaseErr
}

// Is 允许 errors.Is(err, &RunError{Op: "start"}) 按操作匹配
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

func newRunError(runID, userID, op string, base error, detail string) *RunError {
	return &RunError{RunID: runID, UserID: userID, Op: op, BaseErr: base, Detail: detail}
}

// runMessage 取错误对应的运行记录文案
func runMessage(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Message()
	}
	return err.Error()
}
