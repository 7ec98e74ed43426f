package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xiaojinlii/fastsearch/internal/kb"
)

// handleRecreateVectorStore rebuilds a KB's index from the blobs on disk and
// streams progress as server-sent events, one JSON object per event. A
// failed KB lookup emits a single 404 event and ends the stream.
func (s *Server) handleRecreateVectorStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		AllowEmptyKB      *bool  `json:"allow_empty_kb"`
		ChunkSize         *int   `json:"chunk_size"`
		ChunkOverlap      *int   `json:"chunk_overlap"`
		ZhTitleEnhance    *bool  `json:"zh_title_enhance"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		failMsg(w, 500, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(event kb.ProgressEvent) {
		payload, err := json.Marshal(event)
		if err != nil {
			slog.Warn("sse_encode_failed", slog.String("error", err.Error()))
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	svc, err := s.manager.GetService(r.Context(), req.KnowledgeBaseName)
	if err != nil {
		emit(kb.ProgressEvent{Code: 404, Msg: fmt.Sprintf("未找到知识库 '%s'", req.KnowledgeBaseName)})
		return
	}

	names, err := svc.ListFiles()
	if err != nil {
		emit(kb.ProgressEvent{Code: 500, Msg: err.Error()})
		return
	}
	if len(names) == 0 && req.AllowEmptyKB != nil && !*req.AllowEmptyKB {
		emit(kb.ProgressEvent{Code: 404, Msg: fmt.Sprintf("未找到知识库 '%s'", req.KnowledgeBaseName)})
		return
	}

	opts := s.splitOptions(req.ChunkSize, req.ChunkOverlap, req.ZhTitleEnhance)
	if err := svc.RecreateVectorStore(r.Context(), opts, emit); err != nil {
		emit(kb.ProgressEvent{Code: 500, Msg: err.Error()})
	}
}
