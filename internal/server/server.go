// Package server exposes the knowledge-base service over HTTP: JSON bodies,
// {code,msg,data} envelopes, multipart upload, and an SSE progress stream
// for index rebuilds.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/kb"
)

// Server is the HTTP front end of the KB service.
type Server struct {
	manager *kb.Manager
	cfg     *config.Config
	httpSrv *http.Server
}

// New builds the server and its route table.
func New(cfg *config.Config, manager *kb.Manager) *Server {
	s := &Server{manager: manager, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /list_knowledge_bases", s.handleListKBs)
	mux.HandleFunc("GET /list_knowledge_base_details", s.handleListKBDetails)
	mux.HandleFunc("POST /create_knowledge_base", s.handleCreateKB)
	mux.HandleFunc("POST /delete_knowledge_base", s.handleDeleteKB)
	mux.HandleFunc("POST /update_kb_info", s.handleUpdateKBInfo)
	mux.HandleFunc("POST /recreate_vector_store", s.handleRecreateVectorStore)
	mux.HandleFunc("POST /search_docs", s.handleSearchDocs)
	mux.HandleFunc("GET /list_kb_file_details", s.handleListKBFileDetails)
	mux.HandleFunc("POST /upload_files", s.handleUploadFiles)
	mux.HandleFunc("POST /update_files", s.handleUpdateFiles)
	mux.HandleFunc("POST /delete_files", s.handleDeleteFiles)
	mux.HandleFunc("POST /download_file", s.handleDownloadFile)
	mux.HandleFunc("POST /list_file_docs", s.handleListFileDocs)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.withLogging(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("http_listening", slog.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// withLogging logs each request with duration.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)))
	})
}

// envelope is the uniform response shape.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write_response_failed", slog.String("error", err.Error()))
	}
}

func success(w http.ResponseWriter, msg string, data any) {
	if msg == "" {
		msg = "success"
	}
	writeJSON(w, envelope{Code: 200, Msg: msg, Data: data})
}

// fail maps an error to the envelope code from its kind.
func fail(w http.ResponseWriter, err error) {
	msg := err.Error()
	var fe *errors.Error
	if stderrors.As(err, &fe) {
		msg = fe.Message
	}
	writeJSON(w, envelope{Code: errors.HTTPStatus(err), Msg: msg})
}

func failMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, envelope{Code: code, Msg: msg})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Validation("请求体解析失败: %v", err)
	}
	return nil
}
