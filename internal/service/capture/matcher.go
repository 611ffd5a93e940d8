package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/LouYuanbo1/apicapture/internal/infra/crawler/types"
	"github.com/LouYuanbo1/apicapture/internal/service/capture/param"
	"go.uber.org/zap"
)

const (
	UnparseableReject = "reject"
	UnparseableAccept = "accept"
)

var errNotJSON = errors.New("response body is not json")

// ResponseMatcher 判断一次网络交换是否为目标接口, 并提取记录. 不保存任何跨交换的状态
type ResponseMatcher struct {
	hostFragment   string
	pathFragments  []string
	methods        map[string]struct{}
	requiredFields []string
	fieldEquals    map[string]string
	acceptText     bool
	maxBodyBytes   int
	logger         *zap.Logger
}

func NewResponseMatcher(cfg param.Matcher, logger *zap.Logger) (*ResponseMatcher, error) {
	m := &ResponseMatcher{
		hostFragment:   cfg.HostFragment,
		requiredFields: cfg.RequiredFields,
		fieldEquals:    cfg.FieldEquals,
		maxBodyBytes:   cfg.MaxBodyBytes,
		logger:         logger,
	}
	for _, p := range cfg.PathFragments {
		if p != "" {
			m.pathFragments = append(m.pathFragments, p)
		}
	}
	if len(cfg.Methods) > 0 {
		m.methods = make(map[string]struct{}, len(cfg.Methods))
		for _, method := range cfg.Methods {
			m.methods[strings.ToUpper(method)] = struct{}{}
		}
	}
	switch strings.ToLower(cfg.OnUnparseable) {
	case "", UnparseableReject:
	case UnparseableAccept:
		m.acceptText = true
	default:
		return nil, fmt.Errorf("未知的 on_unparseable 取值: %q", cfg.OnUnparseable)
	}
	return m, nil
}

// MatchURL 只检查 URL, 不读取响应体
func (m *ResponseMatcher) MatchURL(url string) bool {
	if m.hostFragment != "" && !strings.Contains(url, m.hostFragment) {
		return false
	}
	if len(m.pathFragments) == 0 {
		return true
	}
	for _, p := range m.pathFragments {
		if strings.Contains(url, p) {
			return true
		}
	}
	return false
}

func (m *ResponseMatcher) hasPredicate() bool {
	return len(m.requiredFields) > 0 || len(m.fieldEquals) > 0
}

// Match loads the body under ctx and returns the extracted record when the
// exchange is the target. A body that cannot be loaded is never a match.
func (m *ResponseMatcher) Match(ctx context.Context, ex *types.Exchange) (*model.Record, bool) {
	if !m.MatchURL(ex.Url) {
		return nil, false
	}
	if m.methods != nil {
		if _, ok := m.methods[strings.ToUpper(ex.Method)]; !ok {
			return nil, false
		}
	}

	body, err := ex.LoadBody(ctx)
	if err != nil {
		m.logger.Debug("load response body",
			zap.String("url", ex.Url),
			zap.String("kind", string(model.ErrKindParse)),
			zap.Error(err),
		)
		return nil, false
	}

	rec := &model.Record{
		Url:             ex.Url,
		Method:          ex.Method,
		RequestHeaders:  ex.RequestHeaders,
		RequestBody:     string(ex.RequestBody),
		Status:          ex.Status,
		ResponseHeaders: ex.ResponseHeaders,
	}

	parsed, err := decodeJSON(body)
	if err != nil {
		if m.hasPredicate() || !m.acceptText {
			m.logger.Debug("candidate rejected, body not json", zap.String("url", ex.Url))
			return nil, false
		}
		rec.Unparseable = true
		rec.ResponseText = m.truncate(body)
		return rec, true
	}

	if !m.satisfies(parsed) {
		m.logger.Debug("candidate rejected by field predicate", zap.String("url", ex.Url))
		return nil, false
	}
	rec.ResponseBody = parsed
	return rec, true
}

func (m *ResponseMatcher) truncate(body []byte) string {
	if m.maxBodyBytes > 0 && len(body) > m.maxBodyBytes {
		body = body[:m.maxBodyBytes]
	}
	return string(body)
}

func (m *ResponseMatcher) satisfies(doc any) bool {
	for _, path := range m.requiredFields {
		if _, ok := lookup(doc, path); !ok {
			return false
		}
	}
	for path, want := range m.fieldEquals {
		v, ok := lookup(doc, path)
		if !ok || stringify(v) != want {
			return false
		}
	}
	return true
}

// decodeJSON 要求整个响应体是一个 JSON 值, 数字保留为 json.Number
func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotJSON, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", errNotJSON)
	}
	return v, nil
}

// lookup resolves a dotted path such as "data.items.0.id". Object keys are
// matched exactly first, then case-insensitively.
func lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				v, ok = foldKey(node, seg)
			}
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func foldKey(node map[string]any, seg string) (any, bool) {
	for k, v := range node {
		if strings.EqualFold(k, seg) {
			return v, true
		}
	}
	return nil, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
