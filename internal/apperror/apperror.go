// Package apperror описывает закрытый набор ошибок, видимых вызывающей стороне.
package apperror

import (
	"errors"
	"net/http"
)

// Kind задаёт вид ошибки. Числовые значения стабильны и видны клиентам.
type Kind int

const (
	KindUnauthorized          Kind = 100
	KindInvalidAmount         Kind = 101
	KindInvalidRecipient      Kind = 102
	KindTransferFailed        Kind = 103
	KindInvalidTokenType      Kind = 104
	KindInvalidRewardRate     Kind = 105
	KindInvalidUsernameLength Kind = 106
	KindUsernameTaken         Kind = 107
)

var kindNames = map[Kind]string{
	KindUnauthorized:          "Unauthorized",
	KindInvalidAmount:         "InvalidAmount",
	KindInvalidRecipient:      "InvalidRecipient",
	KindTransferFailed:        "TransferFailed",
	KindInvalidTokenType:      "InvalidTokenType",
	KindInvalidRewardRate:     "InvalidRewardRate",
	KindInvalidUsernameLength: "InvalidUsernameLength",
	KindUsernameTaken:         "UsernameTaken",
}

var kindStatus = map[Kind]int{
	KindUnauthorized:          http.StatusForbidden,
	KindInvalidAmount:         http.StatusBadRequest,
	KindInvalidRecipient:      http.StatusBadRequest,
	KindTransferFailed:        http.StatusPaymentRequired,
	KindInvalidTokenType:      http.StatusBadRequest,
	KindInvalidRewardRate:     http.StatusBadRequest,
	KindInvalidUsernameLength: http.StatusBadRequest,
	KindUsernameTaken:         http.StatusConflict,
}

// String возвращает имя вида ошибки.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Code возвращает стабильный целочисленный код.
func (k Kind) Code() int { return int(k) }

// HTTPStatus возвращает HTTP-статус для вида ошибки.
func (k Kind) HTTPStatus() int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error описывает ошибку операции с видом и необязательной причиной.
type Error struct {
	Kind Kind
	Err  error
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap возвращает причину ошибки.
func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает ошибки по виду, чтобы errors.Is(err, ErrTransferFailed) работал для обёрнутых причин.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Wrap создаёт ошибку указанного вида с причиной.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf извлекает вид ошибки из цепочки.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrInvalidAmount         = &Error{Kind: KindInvalidAmount}
	ErrInvalidRecipient      = &Error{Kind: KindInvalidRecipient}
	ErrTransferFailed        = &Error{Kind: KindTransferFailed}
	ErrInvalidTokenType      = &Error{Kind: KindInvalidTokenType}
	ErrInvalidRewardRate     = &Error{Kind: KindInvalidRewardRate}
	ErrInvalidUsernameLength = &Error{Kind: KindInvalidUsernameLength}
	ErrUsernameTaken         = &Error{Kind: KindUsernameTaken}
)
