package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = NewErr("NOT_FOUND", "drop not found", http.StatusNotFound)
	ErrPasswordRequired  = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrIncorrectPassword = NewErr("INCORRECT_PASSWORD", "incorrect password", http.StatusUnauthorized)
	ErrDecryptionFailed  = NewErr("DECRYPTION_FAILED", "decryption failed", http.StatusInternalServerError)
	ErrContentTooLarge   = NewErr("CONTENT_TOO_LARGE", "content too large", http.StatusBadRequest)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidExpiration = NewErr("INVALID_EXPIRATION", "invalid expiration", http.StatusBadRequest)
	ErrInvalidFileType   = NewErr("INVALID_FILE_TYPE", "file type not allowed", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimited       = NewErr("RATE_LIMITED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrBlocked           = NewErr("BLOCKED", "address blocked", http.StatusForbidden)
	ErrUnauthorized      = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInternal          = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGeneration      = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string      `json:"code"`
	Msg  string      `json:"message"`
	Meta interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
