package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/xiaojinlii/fastsearch/internal/kb"
	"github.com/xiaojinlii/fastsearch/internal/pipeline"
)

// docPayload is the wire shape of one retrieved chunk.
type docPayload struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
	Score       float64        `json:"score"`
	ID          string         `json:"id"`
}

func docPayloads(docs []kb.DocumentWithID) []docPayload {
	out := make([]docPayload, len(docs))
	for i, d := range docs {
		out[i] = docPayload{
			PageContent: d.Document.PageContent,
			Metadata:    d.Document.Metadata,
			Score:       d.Score,
			ID:          d.ID,
		}
	}
	return out
}

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	names, err := s.manager.ListKBNames(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	success(w, "", names)
}

func (s *Server) handleListKBDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.manager.ListKBDetails(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	success(w, "", details)
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		VectorStoreType   string `json:"vector_store_type"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	if err := kb.ValidateKBName(req.KnowledgeBaseName); err != nil {
		fail(w, err)
		return
	}
	if err := s.manager.CreateKB(r.Context(), req.KnowledgeBaseName, req.VectorStoreType); err != nil {
		fail(w, err)
		return
	}
	success(w, fmt.Sprintf("已新增知识库 %s", req.KnowledgeBaseName), nil)
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	name := unquote(req.KnowledgeBaseName)
	if err := kb.ValidateKBName(name); err != nil {
		fail(w, err)
		return
	}
	if !s.manager.ExistKB(r.Context(), name) {
		failMsg(w, 404, fmt.Sprintf("未找到知识库 %s", name))
		return
	}
	if err := s.manager.DeleteKB(r.Context(), name); err != nil {
		fail(w, err)
		return
	}
	success(w, fmt.Sprintf("成功删除知识库 %s", name), nil)
}

func (s *Server) handleUpdateKBInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		KBInfo            string `json:"kb_info"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	if err := kb.ValidateKBName(req.KnowledgeBaseName); err != nil {
		fail(w, err)
		return
	}
	svc, err := s.manager.GetService(r.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(w, err)
		return
	}
	if err := svc.UpdateKBInfo(r.Context(), req.KBInfo); err != nil {
		fail(w, err)
		return
	}
	success(w, "知识库介绍修改完成", map[string]string{"kb_info": req.KBInfo})
}

func (s *Server) handleSearchDocs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query             string   `json:"query"`
		KnowledgeBaseName string   `json:"knowledge_base_name"`
		TopK              *int     `json:"top_k"`
		ScoreThreshold    *float64 `json:"score_threshold"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	topK := s.cfg.Search.TopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	threshold := s.cfg.Search.ScoreThreshold
	if req.ScoreThreshold != nil {
		threshold = *req.ScoreThreshold
	}
	if topK < 0 {
		failMsg(w, 403, "top_k 不能为负数")
		return
	}
	if threshold < 0 || threshold > 2 {
		failMsg(w, 403, "score_threshold 取值范围为 0-2")
		return
	}

	svc, err := s.manager.GetService(r.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(w, err)
		return
	}

	docs, err := svc.SearchDocs(r.Context(), req.Query, topK, threshold)
	if err != nil {
		fail(w, err)
		return
	}
	success(w, "", docPayloads(docs))
}

func (s *Server) handleListKBFileDetails(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("knowledge_base_name")
	svc, err := s.manager.GetService(r.Context(), name)
	if err != nil {
		fail(w, err)
		return
	}
	details, err := svc.ListKBFileDetails(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	success(w, "", details)
}

func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		failMsg(w, 403, fmt.Sprintf("解析上传表单失败: %v", err))
		return
	}

	name := r.FormValue("knowledge_base_name")
	svc, err := s.manager.GetService(r.Context(), name)
	if err != nil {
		fail(w, err)
		return
	}

	override := formBool(r, "override", false)
	toVectorStore := formBool(r, "to_vector_store", true)
	opts := pipeline.Options{
		ChunkSize:      formInt(r, "chunk_size", s.cfg.Split.ChunkSize),
		ChunkOverlap:   formInt(r, "chunk_overlap", s.cfg.Split.ChunkOverlap),
		ZhTitleEnhance: formBool(r, "zh_title_enhance", s.cfg.Split.ZhTitleEnhance),
	}

	var uploads []kb.Upload
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			if err != nil {
				failMsg(w, 500, fmt.Sprintf("读取上传文件失败: %v", err))
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				failMsg(w, 500, fmt.Sprintf("读取上传文件失败: %v", err))
				return
			}
			uploads = append(uploads, kb.Upload{FileName: header.Filename, Data: data})
		}
	}

	saved, failed := svc.UploadFiles(uploads, override)
	if toVectorStore && len(saved) > 0 {
		for file, msg := range svc.UpdateFiles(r.Context(), saved, opts) {
			failed[file] = msg
		}
	}

	success(w, "文件上传与向量化完成", map[string]any{"failed_files": failed})
}

func (s *Server) handleUpdateFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string   `json:"knowledge_base_name"`
		FileNames         []string `json:"file_names"`
		ChunkSize         *int     `json:"chunk_size"`
		ChunkOverlap      *int     `json:"chunk_overlap"`
		ZhTitleEnhance    *bool    `json:"zh_title_enhance"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	svc, err := s.manager.GetService(r.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(w, err)
		return
	}

	failed := svc.UpdateFiles(r.Context(), req.FileNames, s.splitOptions(req.ChunkSize, req.ChunkOverlap, req.ZhTitleEnhance))
	success(w, "更新文档完成", map[string]any{"failed_files": failed})
}

func (s *Server) handleDeleteFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string   `json:"knowledge_base_name"`
		FileNames         []string `json:"file_names"`
		DeleteContent     bool     `json:"delete_content"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	name := unquote(req.KnowledgeBaseName)
	if err := kb.ValidateKBName(name); err != nil {
		fail(w, err)
		return
	}
	svc, err := s.manager.GetService(r.Context(), name)
	if err != nil {
		fail(w, err)
		return
	}

	failed := make(map[string]string)
	for _, fileName := range req.FileNames {
		exists, err := svc.FileExists(r.Context(), fileName)
		if err != nil {
			failed[fileName] = err.Error()
			continue
		}
		if !exists {
			failed[fileName] = fmt.Sprintf("未找到文件 %s", fileName)
		}
		if err := svc.DeleteFile(r.Context(), fileName, req.DeleteContent); err != nil {
			failed[fileName] = fmt.Sprintf("%s 文件删除失败，错误信息：%v", fileName, err)
		}
	}
	success(w, "文件删除完成", map[string]any{"failed_files": failed})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("knowledge_base_name")
	fileName := r.URL.Query().Get("file_name")
	preview := r.URL.Query().Get("preview") == "true"

	if err := kb.ValidateKBName(name); err != nil {
		fail(w, err)
		return
	}
	svc, err := s.manager.GetService(r.Context(), name)
	if err != nil {
		fail(w, err)
		return
	}

	data, err := svc.ReadFile(fileName)
	if err != nil {
		fail(w, err)
		return
	}

	disposition := "attachment"
	if preview {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`%s; filename="%s"`, disposition, url.PathEscape(path.Base(fileName))))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleListFileDocs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnowledgeBaseName string         `json:"knowledge_base_name"`
		FileName          string         `json:"file_name"`
		Metadata          map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	svc, err := s.manager.GetService(r.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(w, err)
		return
	}

	docs, err := svc.ListFileDocs(r.Context(), req.FileName, req.Metadata)
	if err != nil {
		fail(w, err)
		return
	}

	payloads := make([]docPayload, len(docs))
	for i, d := range docs {
		payloads[i] = docPayload{
			PageContent: d.Document.PageContent,
			Metadata:    d.Document.Metadata,
			ID:          d.ID,
		}
	}
	success(w, "", payloads)
}

// splitOptions builds pipeline options from optional request fields.
func (s *Server) splitOptions(chunkSize, chunkOverlap *int, zhTitleEnhance *bool) pipeline.Options {
	opts := pipeline.Options{
		ChunkSize:      s.cfg.Split.ChunkSize,
		ChunkOverlap:   s.cfg.Split.ChunkOverlap,
		ZhTitleEnhance: s.cfg.Split.ZhTitleEnhance,
	}
	if chunkSize != nil {
		opts.ChunkSize = *chunkSize
	}
	if chunkOverlap != nil {
		opts.ChunkOverlap = *chunkOverlap
	}
	if zhTitleEnhance != nil {
		opts.ZhTitleEnhance = *zhTitleEnhance
	}
	return opts
}

func formBool(r *http.Request, key string, def bool) bool {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func formInt(r *http.Request, key string, def int) int {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func unquote(name string) string {
	if decoded, err := url.QueryUnescape(name); err == nil {
		return decoded
	}
	return name
}
