package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const maxRequestBody = 64 << 10

type captureRequest struct {
	URL     string      `json:"url"`
	Timeout json.Number `json:"timeout"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseCaptureRequest(r)
	if err != nil {
		writeInputError(w, err.Error())
		return
	}
	if req.URL == "" {
		writeInputError(w, "url parameter is required")
		return
	}
	timeout, err := parseTimeout(string(req.Timeout))
	if err != nil {
		writeInputError(w, err.Error())
		return
	}

	session := s.service.NewSession(req.URL, timeout)
	w.Header().Set("X-Capture-Session", session.ID)
	logger := s.logger.With(zap.String("session_id", session.ID))
	if err := session.Validate(); err != nil {
		logger.Info("rejected capture request", zap.String("url", req.URL), zap.Error(err))
		writeInputError(w, err.Error())
		return
	}

	if err := s.sessions.Acquire(r.Context(), 1); err != nil {
		logger.Warn("server busy, request abandoned while queued", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Success: false, Error: "server busy"})
		return
	}
	defer s.sessions.Release(1)

	out := s.service.Capture(r.Context(), session)
	status, env := NewEnvelope(out)
	logger.Info("capture request served", zap.Int("status", status), zap.Stringer("outcome", out))
	writeJSON(w, status, env)
}

// parseCaptureRequest 合并查询参数和 JSON 请求体, 查询参数优先
func parseCaptureRequest(r *http.Request) (captureRequest, error) {
	var req captureRequest
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return req, fmt.Errorf("read request body: %w", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.UseNumber()
			if err := dec.Decode(&req); err != nil {
				return req, fmt.Errorf("invalid json body: %w", err)
			}
		}
	}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("url")); v != "" {
		req.URL = v
	}
	if v := strings.TrimSpace(q.Get("timeout")); v != "" {
		req.Timeout = json.Number(v)
	}
	req.URL = strings.TrimSpace(req.URL)
	return req, nil
}

var errTimeout = errors.New("timeout must be an integer number of seconds")

func parseTimeout(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errTimeout
	}
	return n, nil
}

func writeInputError(w http.ResponseWriter, msg string) {
	status, env := InputError(msg)
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
