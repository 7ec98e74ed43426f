package loader

import (
	"os"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/xiaojinlii/fastsearch/internal/errors"
	"github.com/xiaojinlii/fastsearch/internal/schema"
)

// TextLoader reads a whole file as one document, decoding to UTF-8 with
// automatic charset detection.
type TextLoader struct{}

// Name implements Loader.
func (l *TextLoader) Name() string { return "TextLoader" }

// Load implements Loader.
func (l *TextLoader) Load(path string) ([]*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "read file: "+err.Error(), err)
	}

	text, err := decodeToUTF8(data)
	if err != nil {
		return nil, errors.New(errors.KindLoader, "decode file: "+err.Error(), err)
	}

	doc := schema.New(text)
	doc.SetSource(path)
	return []*schema.Document{doc}, nil
}

// decodeToUTF8 converts raw bytes to a UTF-8 string, sniffing the charset.
// Undetectable input is treated as UTF-8.
func decodeToUTF8(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}

	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil || result.Charset == "" {
		return string(data), nil
	}

	charset := result.Charset
	switch charset {
	case "UTF-8", "ASCII":
		return string(data), nil
	case "UTF-16LE":
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return string(data), nil
		}
		return string(out), nil
	case "UTF-16BE":
		dec := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return string(data), nil
		}
		return string(out), nil
	}

	enc, err := htmlindex.Get(charsetLabel(charset))
	if err != nil {
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data), nil
	}
	return string(out), nil
}

// charsetLabel maps detector names to the labels htmlindex understands.
func charsetLabel(charset string) string {
	switch charset {
	case "GB-18030":
		return "gb18030"
	case "ISO-2022-JP":
		return "iso-2022-jp"
	default:
		return charset
	}
}
