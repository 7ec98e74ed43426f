package kb

import (
	"context"
	"fmt"
)

// Drift is one consistency violation found by CheckConsistency.
type Drift struct {
	FileName string `json:"file_name"`
	Issue    string `json:"issue"`
}

// CheckConsistency audits the three-way invariant for this KB: every catalog
// file must have a blob on disk and at least one resolvable chunk in the
// index. Only catalog files are checked; index chunks whose source has no
// catalog row are not detected.
// When a content watcher is installed, files whose blobs changed on disk
// since their last ingest are reported too. The report lists violations; an
// empty report means the KB is consistent.
func (s *Service) CheckConsistency(ctx context.Context) ([]Drift, error) {
	s.kbMu.RLock()
	defer s.kbMu.RUnlock()

	var report []Drift

	files, err := s.manager.catalog.ListFiles(ctx, s.kbName)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]struct{}, len(files))
	for _, name := range files {
		tracked[name] = struct{}{}

		if !s.manager.blob.FileExists(s.kbName, name) {
			report = append(report, Drift{FileName: name, Issue: "catalog row has no blob on disk"})
		}

		detail, err := s.manager.catalog.GetFileDetail(ctx, s.kbName, name)
		if err != nil {
			return nil, err
		}

		rows, err := s.manager.catalog.ListFileDocs(ctx, s.kbName, name, nil)
		if err != nil {
			return nil, err
		}
		if detail != nil && detail.DocsCount != len(rows) {
			report = append(report, Drift{
				FileName: name,
				Issue:    fmt.Sprintf("docs_count %d != %d chunk rows", detail.DocsCount, len(rows)),
			})
		}

		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		resolved, err := s.vectorKB.GetDocsByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 && len(resolved) == 0 {
			report = append(report, Drift{FileName: name, Issue: "no catalog chunk id resolves in the index"})
		}
	}

	if w := s.manager.watcher; w != nil {
		for _, name := range w.Dirty(s.kbName) {
			issue := "blob changed on disk since last ingest; re-ingest to update the index"
			if _, ok := tracked[name]; !ok {
				issue = "blob appeared on disk but is not ingested"
			}
			report = append(report, Drift{FileName: name, Issue: issue})
		}
	}

	return report, nil
}
