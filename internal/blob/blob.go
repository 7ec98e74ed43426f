// Package blob manages the on-disk file store: one subtree per knowledge
// base, original uploads under <root>/<kb>/content/.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaojinlii/fastsearch/internal/errors"
)

// skipPrefixes are directory-walk entries ignored by basename prefix.
var skipPrefixes = []string{"temp", "tmp", ".", "~$"}

// Store is rooted at the configured kb_root_path.
type Store struct {
	root string
}

// NewStore creates a blob store rooted at root, creating it if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.Validation("blob store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Internal("create kb root", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store root path.
func (s *Store) Root() string { return s.root }

// KBPath returns the directory of a knowledge base.
func (s *Store) KBPath(kbName string) string {
	return filepath.Join(s.root, kbName)
}

// ContentPath returns the content root of a knowledge base.
func (s *Store) ContentPath(kbName string) string {
	return filepath.Join(s.root, kbName, "content")
}

// FilePath returns the absolute path of a file within a KB's content root.
// The relative name must not escape the content root.
func (s *Store) FilePath(kbName, fileName string) (string, error) {
	content := s.ContentPath(kbName)
	abs := filepath.Join(content, filepath.FromSlash(fileName))
	rel, err := filepath.Rel(content, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Validation("非法文件名：%s", fileName)
	}
	return abs, nil
}

// CreateKBDirs creates the KB directory and its content root.
func (s *Store) CreateKBDirs(kbName string) error {
	if err := os.MkdirAll(s.ContentPath(kbName), 0o755); err != nil {
		return errors.Internal("create kb directories", err)
	}
	return nil
}

// DeleteKBTree removes the entire KB subtree.
func (s *Store) DeleteKBTree(kbName string) error {
	if err := os.RemoveAll(s.KBPath(kbName)); err != nil {
		return errors.Internal("delete kb tree", err)
	}
	return nil
}

// KBExists reports whether the KB directory exists.
func (s *Store) KBExists(kbName string) bool {
	info, err := os.Stat(s.KBPath(kbName))
	return err == nil && info.IsDir()
}

// FileExists reports whether a file exists under the KB content root.
func (s *Store) FileExists(kbName, fileName string) bool {
	path, err := s.FilePath(kbName, fileName)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SaveUpload writes uploaded bytes. When the target exists with the same
// size and override is false, AlreadyExists is returned and the file is
// untouched. Writes go to a temp file first, then rename.
func (s *Store) SaveUpload(kbName, fileName string, data []byte, override bool) error {
	path, err := s.FilePath(kbName, fileName)
	if err != nil {
		return err
	}

	if info, statErr := os.Stat(path); statErr == nil && !override && info.Size() == int64(len(data)) {
		return errors.AlreadyExists("文件 %s 已存在。", fileName)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Internal("create upload directory", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf("tmp-%s", uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Internal("write upload", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Internal("finalize upload", err)
	}
	return nil
}

// DeleteFile removes a blob by absolute path. Missing files are not an error.
func (s *Store) DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Internal("delete blob", err)
	}
	return nil
}

// ReadFile returns the blob bytes for (kb, filename).
func (s *Store) ReadFile(kbName, fileName string) ([]byte, error) {
	path, err := s.FilePath(kbName, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFound("未找到文件 %s", fileName)
	}
	if err != nil {
		return nil, errors.Internal("read blob", err)
	}
	return data, nil
}

// ListKBs returns the KB directory names under the root.
func (s *Store) ListKBs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Internal("list kb root", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !isSkipped(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ListFiles walks a KB's content root and returns posix-style paths relative
// to it. Entries whose basename starts with a skip prefix are ignored.
// Symlinks are followed, but cycles are broken by tracking visited real paths.
func (s *Store) ListFiles(kbName string) ([]string, error) {
	content := s.ContentPath(kbName)
	if _, err := os.Stat(content); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("文件管理中不存在知识库目录：%s", kbName)
		}
		return nil, errors.Internal("stat content root", err)
	}

	var result []string
	visited := make(map[string]struct{})
	if err := s.walk(content, content, visited, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) walk(contentRoot, dir string, visited map[string]struct{}, out *[]string) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return errors.Internal("resolve directory", err)
	}
	if _, seen := visited[real]; seen {
		return nil
	}
	visited[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Internal("read directory", err)
	}

	for _, entry := range entries {
		if isSkipped(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		info, err := os.Stat(path) // follows symlinks
		if err != nil {
			continue // dangling symlink
		}

		if info.IsDir() {
			if err := s.walk(contentRoot, path, visited, out); err != nil {
				return err
			}
			continue
		}

		rel, err := filepath.Rel(contentRoot, path)
		if err != nil {
			continue
		}
		*out = append(*out, filepath.ToSlash(rel))
	}
	return nil
}

func isSkipped(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
