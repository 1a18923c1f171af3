package services

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误分类；具体错误通过 %w 包装其中之一
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidInput = errors.New("invalid input")
	ErrTransient    = errors.New("temporarily unavailable")
)

var (
	ErrAlreadyAssigned   = fmt.Errorf("%w: session already assigned", ErrInvalidState)
	ErrSessionClosed     = fmt.Errorf("%w: session is closed", ErrInvalidState)
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidState)
	ErrInvalidContent    = fmt.Errorf("%w: message content is empty", ErrInvalidInput)
	ErrInvalidOperator   = fmt.Errorf("%w: user is not an operator", ErrInvalidInput)
	ErrNotIdentified     = fmt.Errorf("%w: connection not identified", ErrForbidden)
	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this session", ErrForbidden)
)

// Kind 对外暴露的错误码
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindInvalidState Kind = "invalid_state"
	KindInvalidInput Kind = "invalid_input"
	KindTransient    Kind = "transient"
	KindInternal     Kind = "internal"
)

// KindOf 将错误归类
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// HTTPStatus 错误分类对应的 HTTP 状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// transient 将存储层故障包装为可重试错误，保留原始错误链
func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
