// Package loader converts files into raw text documents. A static registry
// maps file extensions to loader constructors; anything unregistered, and any
// loader that fails, falls back to the generic text loader with automatic
// encoding detection.
package loader

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// Loader converts one file into a sequence of raw documents.
type Loader interface {
	// Name is the registry name recorded in the catalog (e.g. "TextLoader").
	Name() string
	// Load reads the file at path and yields its documents.
	Load(path string) ([]*schema.Document, error)
}

// registry maps extension -> loader constructor.
var registry = map[string]func() Loader{
	".txt":   func() Loader { return &TextLoader{} },
	".md":    func() Loader { return &TextLoader{} },
	".csv":   func() Loader { return &CSVLoader{} },
	".json":  func() Loader { return &JSONLoader{} },
	".jsonl": func() Loader { return &JSONLinesLoader{} },
	".html":  func() Loader { return &HTMLLoader{} },
	".mhtml": func() Loader { return &HTMLLoader{} },
}

// ForExtension returns the loader registered for ext (case-insensitive).
// Unregistered extensions get the generic text loader.
func ForExtension(ext string) Loader {
	if ctor, ok := registry[strings.ToLower(ext)]; ok {
		return ctor()
	}
	return &TextLoader{}
}

// NameForExtension returns the registry name without constructing a loader.
func NameForExtension(ext string) string {
	return ForExtension(ext).Name()
}

// Load runs the loader for path's extension. When a registered loader fails,
// it retries with the generic text loader before reporting the error.
func Load(path string) ([]*schema.Document, string, error) {
	ld := ForExtension(filepath.Ext(path))
	docs, err := ld.Load(path)
	if err == nil {
		return docs, ld.Name(), nil
	}

	if _, isText := ld.(*TextLoader); !isText {
		slog.Warn("loader_failed_falling_back",
			slog.String("path", path),
			slog.String("loader", ld.Name()),
			slog.String("error", err.Error()))
		fallback := &TextLoader{}
		docs, ferr := fallback.Load(path)
		if ferr == nil {
			return docs, fallback.Name(), nil
		}
	}
	return nil, ld.Name(), err
}
