// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	// 下单
	CodeDuplicateOrderID Code = "DUPLICATE_ORDER_ID"
	CodeOrderRejected    Code = "ORDER_REJECTED"

	// 风控拒单原因
	CodeKillSwitchActive       Code = "KILL_SWITCH_ACTIVE"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeExposureLimitExceeded  Code = "EXPOSURE_LIMIT_EXCEEDED"
	CodeLeverageLimitExceeded  Code = "LEVERAGE_LIMIT_EXCEEDED"
	CodeOrderSizeLimitExceeded Code = "ORDER_SIZE_LIMIT_EXCEEDED"
	CodeRiskCheckError         Code = "RISK_CHECK_ERROR"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault message 为空时使用错误码本身
func NewWithDefault(code Code, message string) *Error {
	if code == "" {
		code = CodeUnknown
	}
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// IsRejection 是否为风控拒单原因
func IsRejection(code Code) bool {
	switch code {
	case CodeKillSwitchActive, CodeInsufficientBalance, CodeExposureLimitExceeded,
		CodeLeverageLimitExceeded, CodeOrderSizeLimitExceeded, CodeRiskCheckError:
		return true
	default:
		return false
	}
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeKillSwitchActive, CodeRiskCheckError:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeOrderRejected,
		CodeKillSwitchActive, CodeInsufficientBalance, CodeExposureLimitExceeded,
		CodeLeverageLimitExceeded, CodeOrderSizeLimitExceeded, CodeRiskCheckError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeDuplicateOrderID:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrDuplicateOrderID = New(CodeDuplicateOrderID, "order id already pending")
	ErrTimeout          = New(CodeTimeout, "Order processing timeout")
	ErrUnavailable      = New(CodeUnavailable, "event bus unavailable")
)
