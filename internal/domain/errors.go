package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 业务错误分类
type ErrorKind string

const (
	KindInvalidSpeaker ErrorKind = "invalid_speaker"
	KindMalformedInput ErrorKind = "malformed_input"
	KindRecordNotFound ErrorKind = "record_not_found"
	KindEmptyRecord    ErrorKind = "empty_record"
	KindTrainingFailed ErrorKind = "training_failed"
)

// 哨兵错误，仅用于 errors.Is 判断
var (
	ErrInvalidSpeaker = &Error{Kind: KindInvalidSpeaker}
	ErrMalformedInput = &Error{Kind: KindMalformedInput}
	ErrRecordNotFound = &Error{Kind: KindRecordNotFound}
	ErrEmptyRecord    = &Error{Kind: KindEmptyRecord}
	ErrTrainingFailed = &Error{Kind: KindTrainingFailed}
)

// Error 带分类的业务错误
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同分类即视为相等
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// TrainingFailure 包装训练链路上的不透明错误
func TrainingFailure(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindTrainingFailed, Err: err}
}

// KindOf 返回错误分类，未分类错误视为训练失败
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTrainingFailed
}
