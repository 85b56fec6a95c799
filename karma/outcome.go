package karma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Outcome 上游一次调用结果的分型。
// 重试循环只认 Transient，Permanent 立即终止。
type Outcome int

const (
	// OutcomeOK 调用成功
	OutcomeOK Outcome = iota
	// OutcomeTransient 瞬时故障（网络、超时、5xx），值得重试
	OutcomeTransient
	// OutcomePermanent 永久故障（4xx、取消），重试无意义
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// StatusError 上游返回的非 2xx HTTP 状态。
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Classify 把上游错误归入三型。
// 规则：5xx、408、429、网络错误、超时为瞬时；其余 4xx 为永久；
// 调用方取消视为永久（再试也只会再次被取消）。
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500:
			return OutcomeTransient
		case se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests:
			return OutcomeTransient
		case se.Code >= 400:
			return OutcomePermanent
		default:
			return OutcomeTransient
		}
	}

	if errors.Is(err, context.Canceled) {
		return OutcomePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return OutcomeTransient
	}

	// 未知错误按瞬时处理，重试上限兜底
	return OutcomeTransient
}
