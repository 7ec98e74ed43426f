package kb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xiaojinlii/fastsearch/internal/pipeline"
)

// ProgressEvent is one frame of the recreate-vector-store stream.
type ProgressEvent struct {
	Code     int    `json:"code"`
	Msg      string `json:"msg"`
	Total    int    `json:"total,omitempty"`
	Finished int    `json:"finished,omitempty"`
	Doc      string `json:"doc,omitempty"`
}

// RecreateVectorStore rebuilds the KB's index from the blobs on disk: clear
// the index and catalog rows, then re-ingest every file under the content
// root, emitting a 200 progress event for each file that loads and a 500
// event for each file that fails to load or to be added. emit is called from
// this goroutine.
func (s *Service) RecreateVectorStore(ctx context.Context, opts pipeline.Options, emit func(ProgressEvent)) error {
	opts = s.splitOptions(opts)

	if err := s.ClearKB(ctx); err != nil {
		return err
	}

	names, err := s.ListFiles()
	if err != nil {
		return err
	}

	var files []*pipeline.KnowledgeFile
	for _, name := range names {
		kf, err := pipeline.NewKnowledgeFile(s.manager.blob, s.kbName, name)
		if err != nil {
			emit(ProgressEvent{Code: 500, Msg: err.Error(), Doc: name})
			continue
		}
		files = append(files, kf)
	}

	total := len(names)
	finished := 0

	s.kbMu.RLock()
	defer s.kbMu.RUnlock()

	for outcome := range pipeline.Run(ctx, files, opts) {
		finished++
		name := outcome.File.FileName

		if outcome.Err != nil {
			msg := fmt.Sprintf("添加文件'%s'到知识库'%s'时出错：%v。已跳过。", name, s.kbName, outcome.Err)
			slog.Error("recreate_file_failed", slog.String("kb", s.kbName), slog.String("file", name))
			emit(ProgressEvent{Code: 500, Msg: msg})
			continue
		}

		emit(ProgressEvent{
			Code:     200,
			Msg:      fmt.Sprintf("(%d / %d): %s", finished, total, name),
			Total:    total,
			Finished: finished,
			Doc:      name,
		})

		unlock := s.fileLocks.lock(s.fileKey(name))
		err := s.addFileLocked(ctx, outcome.File, opts)
		unlock()
		if err != nil {
			emit(ProgressEvent{Code: 500, Msg: fmt.Sprintf("添加文件'%s'到知识库'%s'时出错：%v。已跳过。", name, s.kbName, err)})
		}
	}
	return nil
}
