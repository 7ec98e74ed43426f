package loader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// CSVLoader yields one document per data row, "header: value" pairs joined
// by newlines. The file's charset is autodetected.
type CSVLoader struct{}

// Name implements Loader.
func (l *CSVLoader) Name() string { return "CSVLoader" }

// Load implements Loader.
func (l *CSVLoader) Load(path string) ([]*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "read csv: "+err.Error(), err)
	}
	text, err := decodeToUTF8(data)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "decode csv: "+err.Error(), err)
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.New(errors.KindLoader, "parse csv: "+err.Error(), err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	docs := make([]*schema.Document, 0, len(records)-1)
	for i, row := range records[1:] {
		var sb strings.Builder
		for col, value := range row {
			name := fmt.Sprintf("col%d", col)
			if col < len(header) {
				name = header[col]
			}
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\n")
		}
		doc := schema.New(strings.TrimRight(sb.String(), "\n"))
		doc.SetSource(path)
		doc.Metadata["row"] = i + 1
		docs = append(docs, doc)
	}
	return docs, nil
}

// JSONLoader loads a whole JSON document as one text document.
type JSONLoader struct{}

// Name implements Loader.
func (l *JSONLoader) Name() string { return "JSONLoader" }

// Load implements Loader.
func (l *JSONLoader) Load(path string) ([]*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "read json: "+err.Error(), err)
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, errors.New(errors.KindLoader, "parse json: "+err.Error(), err)
	}

	doc := schema.New(renderJSON(value))
	doc.SetSource(path)
	return []*schema.Document{doc}, nil
}

// JSONLinesLoader yields one document per line of a .jsonl file.
type JSONLinesLoader struct{}

// Name implements Loader.
func (l *JSONLinesLoader) Name() string { return "JSONLinesLoader" }

// Load implements Loader.
func (l *JSONLinesLoader) Load(path string) ([]*schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "read jsonl: "+err.Error(), err)
	}
	defer func() { _ = f.Close() }()

	var docs []*schema.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, errors.New(errors.KindLoader,
				fmt.Sprintf("parse jsonl line %d: %v", line, err), err)
		}
		doc := schema.New(renderJSON(value))
		doc.SetSource(path)
		doc.Metadata["seq_num"] = line
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(errors.KindLoader, "scan jsonl: "+err.Error(), err)
	}
	return docs, nil
}

// renderJSON flattens a decoded JSON value to text for indexing.
func renderJSON(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(out)
	}
}

// HTMLLoader strips markup and yields the visible text as one document.
type HTMLLoader struct{}

// Name implements Loader.
func (l *HTMLLoader) Name() string { return "HTMLLoader" }

var (
	htmlDropPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagPattern  = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// Load implements Loader.
func (l *HTMLLoader) Load(path string) ([]*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "read html: "+err.Error(), err)
	}
	text, err := decodeToUTF8(data)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "decode html: "+err.Error(), err)
	}

	text = htmlDropPattern.ReplaceAllString(text, "")
	text = htmlTagPattern.ReplaceAllString(text, "\n")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	cleaned := blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")

	doc := schema.New(cleaned)
	doc.SetSource(path)
	return []*schema.Document{doc}, nil
}
