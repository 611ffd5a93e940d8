package types

import (
	"context"
	"strings"
	"sync"
)

// Decision 资源过滤结果
type Decision int

const (
	Allow Decision = iota
	Abort
)

func (d Decision) String() string {
	if d == Abort {
		return "abort"
	}
	return "allow"
}

// PendingRequest 即将发出的请求,用于资源过滤
type PendingRequest struct {
	ResourceType string
	Url          string
}

// BodyLoader 按需读取响应体
type BodyLoader func(ctx context.Context) ([]byte, error)

// Exchange 一次完整的请求/响应交换,只在匹配判断期间存在
type Exchange struct {
	Url             string
	Method          string
	ResourceType    string
	RequestHeaders  map[string]string
	RequestBody     []byte
	Status          int
	ResponseHeaders map[string]string
	MimeType        string
	Body            BodyLoader
}

// LoadBody reads the response body through the exchange's loader.
func (e *Exchange) LoadBody(ctx context.Context) ([]byte, error) {
	if e.Body == nil {
		return nil, nil
	}
	return e.Body(ctx)
}

// OnceBody wraps a loader so the driver is asked for the body at most once.
// Concurrent callers share the first call's result.
func OnceBody(load BodyLoader) BodyLoader {
	var (
		once sync.Once
		body []byte
		err  error
	)
	return func(ctx context.Context) ([]byte, error) {
		once.Do(func() {
			body, err = load(ctx)
		})
		return body, err
	}
}

// NormalizeResourceType lower-cases CDP resource type names (XHR, Fetch, Image...).
func NormalizeResourceType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
