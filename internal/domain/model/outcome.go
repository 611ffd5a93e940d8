package model

import (
	"errors"
	"time"
)

// OutcomeKind 会话最终结果类型
type OutcomeKind string

const (
	OutcomeMatched  OutcomeKind = "matched"
	OutcomeTimedOut OutcomeKind = "timed_out"
	OutcomeFailed   OutcomeKind = "failed"
)

// ErrorKind classifies why a session failed or an exchange was skipped.
type ErrorKind string

const (
	ErrKindNone               ErrorKind = ""
	ErrKindInput              ErrorKind = "input_error"
	ErrKindNavigation         ErrorKind = "navigation_error"
	ErrKindDriverDisconnected ErrorKind = "driver_disconnected"
	ErrKindDriver             ErrorKind = "driver_error"
	ErrKindParse              ErrorKind = "parse_error"
	ErrKindCanceled           ErrorKind = "canceled"
)

var (
	ErrInvalidTarget = errors.New("invalid target url")
	ErrDisconnected  = errors.New("browser disconnected")
)

// Record 匹配成功后提取出的请求/响应记录
type Record struct {
	Url             string            `json:"url"`
	Method          string            `json:"method"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	RequestBody     string            `json:"requestBody,omitempty"`
	Status          int               `json:"status"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	ResponseBody    any               `json:"responseBody,omitempty"`
	ResponseText    string            `json:"responseText,omitempty"`
	Unparseable     bool              `json:"unparseable,omitempty"`
}

// Outcome is the single value a capture session produces.
type Outcome struct {
	Kind    OutcomeKind
	Record  *Record
	Cause   ErrorKind
	Err     error
	Elapsed time.Duration
}

func Matched(rec *Record, elapsed time.Duration) *Outcome {
	return &Outcome{Kind: OutcomeMatched, Record: rec, Elapsed: elapsed}
}

func TimedOut(elapsed time.Duration) *Outcome {
	return &Outcome{Kind: OutcomeTimedOut, Elapsed: elapsed}
}

func Failed(cause ErrorKind, err error, elapsed time.Duration) *Outcome {
	return &Outcome{Kind: OutcomeFailed, Cause: cause, Err: err, Elapsed: elapsed}
}

func (o *Outcome) String() string {
	if o.Kind == OutcomeFailed && o.Err != nil {
		return string(o.Kind) + "(" + string(o.Cause) + "): " + o.Err.Error()
	}
	return string(o.Kind)
}
