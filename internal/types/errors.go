package types

import "errors"

// 流水线错误分类
var (
	ErrRateLimited              = errors.New("rate limited")
	ErrAlreadyProcessing        = errors.New("a run is already processing for this user")
	ErrPreconditionFailed       = errors.New("precondition failed")
	ErrDiscoveryFailed          = errors.New("job discovery failed")
	ErrNoResults                = errors.New("job discovery returned no results")
	ErrDiscoveryRejected        = errors.New("job discovery rejected the request")
	ErrSubmissionPartialFailure = errors.New("some applications failed to submit")
	ErrCancelled                = errors.New("processing cancelled")
	ErrNotProcessing            = errors.New("run is not processing")
)

// 存储层错误
var (
	ErrRunNotFound          = errors.New("运行记录不存在")
	ErrRunNotActive         = errors.New("运行已结束")
	ErrActiveRunExists      = errors.New("用户已有进行中的运行")
	ErrDuplicateApplication = errors.New("该职位已投递")
	ErrProfileNotFound      = errors.New("用户资料不存在")
)
