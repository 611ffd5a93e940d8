package server

import (
	"net/http"
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/capture", s.handleCapture)
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
