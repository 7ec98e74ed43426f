package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaojinlii/fastsearch/internal/blob"
	"github.com/xiaojinlii/fastsearch/internal/catalog"
	"github.com/xiaojinlii/fastsearch/internal/config"
	"github.com/xiaojinlii/fastsearch/internal/embedding"
	"github.com/xiaojinlii/fastsearch/internal/kb"
	_ "github.com/xiaojinlii/fastsearch/internal/vectordb/local" // register the local backend
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.KB.RootPath = t.TempDir()
	cfg.KB.DefaultVSType = "local"
	cfg.Embed.Dimensions = 64

	cat, err := catalog.Open(cfg.CatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	blobStore, err := blob.NewStore(cfg.KB.RootPath)
	require.NoError(t, err)

	manager := kb.NewManager(cfg, cat, blobStore, embedding.NewStatic(64))
	t.Cleanup(func() { _ = manager.Close() })

	srv := httptest.NewServer(New(cfg, manager).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) envelope {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func getJSON(t *testing.T, srv *httptest.Server, path string) envelope {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func createKB(t *testing.T, srv *httptest.Server, name string) {
	t.Helper()
	env := postJSON(t, srv, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": name,
		"vector_store_type":   "local",
	})
	require.Equal(t, 200, env.Code, env.Msg)
}

func uploadFile(t *testing.T, srv *httptest.Server, kbName, fileName, content string, toVectorStore bool) envelope {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", fileName)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("knowledge_base_name", kbName))
	require.NoError(t, mw.WriteField("override", "false"))
	require.NoError(t, mw.WriteField("to_vector_store", fmt.Sprint(toVectorStore)))
	require.NoError(t, mw.WriteField("chunk_size", "250"))
	require.NoError(t, mw.WriteField("chunk_overlap", "50"))
	require.NoError(t, mw.WriteField("zh_title_enhance", "false"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/upload_files", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func failedFiles(t *testing.T, env envelope) map[string]any {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	failed, ok := data["failed_files"].(map[string]any)
	require.True(t, ok)
	return failed
}

// S1: create then list.
func TestScenarioCreateAndList(t *testing.T) {
	srv := newTestServer(t)

	createKB(t, srv, "samples")

	env := getJSON(t, srv, "/list_knowledge_bases")
	require.Equal(t, 200, env.Code)
	assert.Contains(t, env.Data, "samples")
}

// S2: upload foo.md and inspect file details.
func TestScenarioUploadMarkdown(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")

	env := uploadFile(t, srv, "samples", "foo.md", "# H1\n\nhello world", true)
	require.Equal(t, 200, env.Code, env.Msg)
	assert.Empty(t, failedFiles(t, env))

	details := getJSON(t, srv, "/list_kb_file_details?knowledge_base_name=samples")
	require.Equal(t, 200, details.Code)

	rows, ok := details.Data.([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "foo.md", row["file_name"])
	assert.GreaterOrEqual(t, row["docs_count"].(float64), float64(1))
	assert.Equal(t, "MarkdownHeaderTextSplitter", row["text_splitter"])

	docsEnv := postJSON(t, srv, "/list_file_docs", map[string]any{
		"knowledge_base_name": "samples",
		"file_name":           "foo.md",
	})
	require.Equal(t, 200, docsEnv.Code)
	chunks, ok := docsEnv.Data.([]any)
	require.True(t, ok)
	require.NotEmpty(t, chunks)

	foundH1 := false
	for _, c := range chunks {
		md := c.(map[string]any)["metadata"].(map[string]any)
		if md["head1"] == "H1" {
			foundH1 = true
		}
	}
	assert.True(t, foundH1)
}

// S3: search returns the hello chunk, reproducibly.
func TestScenarioSearch(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")
	uploadFile(t, srv, "samples", "foo.md", "# H1\n\nhello world", true)

	search := func() []any {
		env := postJSON(t, srv, "/search_docs", map[string]any{
			"query":               "hello",
			"knowledge_base_name": "samples",
			"top_k":               3,
			"score_threshold":     1.0,
		})
		require.Equal(t, 200, env.Code, env.Msg)
		data, ok := env.Data.([]any)
		require.True(t, ok)
		return data
	}

	first := search()
	require.NotEmpty(t, first)
	top := first[0].(map[string]any)
	assert.Contains(t, top["page_content"], "hello world")

	second := search()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t,
			first[i].(map[string]any)["page_content"],
			second[i].(map[string]any)["page_content"])
	}
}

// S4: delete file without content keeps the blob, empties search.
func TestScenarioDeleteFiles(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")
	uploadFile(t, srv, "samples", "foo.md", "# H1\n\nhello world", true)

	env := postJSON(t, srv, "/delete_files", map[string]any{
		"knowledge_base_name": "samples",
		"file_names":          []string{"foo.md"},
		"delete_content":      false,
	})
	require.Equal(t, 200, env.Code)
	assert.Empty(t, failedFiles(t, env))

	searchEnv := postJSON(t, srv, "/search_docs", map[string]any{
		"query":               "hello",
		"knowledge_base_name": "samples",
		"top_k":               3,
		"score_threshold":     1.0,
	})
	require.Equal(t, 200, searchEnv.Code)
	data, _ := searchEnv.Data.([]any)
	assert.Empty(t, data)

	// Blob still downloadable.
	resp, err := http.Post(srv.URL+"/download_file?knowledge_base_name=samples&file_name=foo.md", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hello world")
}

// S5: delete KB removes everything.
func TestScenarioDeleteKB(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")
	uploadFile(t, srv, "samples", "foo.md", "# H1\n\nhello world", true)

	env := postJSON(t, srv, "/delete_knowledge_base", map[string]any{
		"knowledge_base_name": "samples",
	})
	require.Equal(t, 200, env.Code, env.Msg)

	listed := getJSON(t, srv, "/list_knowledge_bases")
	assert.NotContains(t, listed.Data, "samples")
}

// S6: duplicate creation conflicts with a localized message.
func TestScenarioCreateConflict(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")

	env := postJSON(t, srv, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": "samples",
		"vector_store_type":   "local",
	})
	assert.NotEqual(t, 200, env.Code)
	assert.Contains(t, env.Msg, "已存在")
}

func TestCreateKBRejectsTraversal(t *testing.T) {
	srv := newTestServer(t)

	env := postJSON(t, srv, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": "../evil",
	})
	assert.NotEqual(t, 200, env.Code)
	assert.Equal(t, "Don't attack me", env.Msg)
}

func TestSearchValidation(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")

	env := postJSON(t, srv, "/search_docs", map[string]any{
		"query":               "x",
		"knowledge_base_name": "samples",
		"score_threshold":     2.5,
	})
	assert.NotEqual(t, 200, env.Code)

	env = postJSON(t, srv, "/search_docs", map[string]any{
		"query":               "x",
		"knowledge_base_name": "samples",
		"top_k":               -1,
	})
	assert.NotEqual(t, 200, env.Code)
}

func TestSearchTopKBoundaries(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")
	uploadFile(t, srv, "samples", "foo.md", "# H1\n\nhello world", true)

	search := func(topK int) []any {
		env := postJSON(t, srv, "/search_docs", map[string]any{
			"query":               "hello",
			"knowledge_base_name": "samples",
			"top_k":               topK,
			"score_threshold":     1.0,
		})
		require.Equal(t, 200, env.Code, "top_k=%d", topK)
		data, _ := env.Data.([]any)
		return data
	}

	// An explicit zero is not the omitted-field default: it returns nothing.
	assert.Empty(t, search(0))
	assert.NotEmpty(t, search(20))

	// Omitting top_k falls back to the configured default.
	env := postJSON(t, srv, "/search_docs", map[string]any{
		"query":               "hello",
		"knowledge_base_name": "samples",
		"score_threshold":     1.0,
	})
	require.Equal(t, 200, env.Code)
	data, _ := env.Data.([]any)
	assert.NotEmpty(t, data)
}

func TestUpdateKBInfo(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")

	env := postJSON(t, srv, "/update_kb_info", map[string]any{
		"knowledge_base_name": "samples",
		"kb_info":             "这是一个知识库",
	})
	require.Equal(t, 200, env.Code)

	details := getJSON(t, srv, "/list_knowledge_base_details")
	require.Equal(t, 200, details.Code)
	rows, _ := details.Data.([]any)
	require.NotEmpty(t, rows)
	found := false
	for _, r := range rows {
		row := r.(map[string]any)
		if row["kb_name"] == "samples" {
			assert.Equal(t, "这是一个知识库", row["kb_info"])
			assert.Equal(t, true, row["in_db"])
			assert.Equal(t, true, row["in_folder"])
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeleteMissingKB(t *testing.T) {
	srv := newTestServer(t)

	env := postJSON(t, srv, "/delete_knowledge_base", map[string]any{
		"knowledge_base_name": "ghost",
	})
	assert.Equal(t, 404, env.Code)
	assert.Contains(t, env.Msg, "未找到知识库")
}

func TestUploadConflictReportsFailedFile(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")

	first := uploadFile(t, srv, "samples", "dup.txt", "same content", false)
	require.Empty(t, failedFiles(t, first))

	second := uploadFile(t, srv, "samples", "dup.txt", "same content", false)
	failed := failedFiles(t, second)
	require.Contains(t, failed, "dup.txt")
	assert.Contains(t, failed["dup.txt"], "已存在")
}

func TestRecreateVectorStoreSSE(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")
	uploadFile(t, srv, "samples", "a.txt", "alpha content", true)
	uploadFile(t, srv, "samples", "b.txt", "beta content", true)

	payload, _ := json.Marshal(map[string]any{"knowledge_base_name": "samples"})
	resp, err := http.Post(srv.URL+"/recreate_vector_store", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var events []map[string]any
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "data: ") {
			var e map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			events = append(events, e)
		}
	}
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, float64(200), e["code"])
		assert.Equal(t, float64(2), e["total"])
	}
}

func TestRecreateVectorStoreMissingKBEmitsSingle404(t *testing.T) {
	srv := newTestServer(t)

	payload, _ := json.Marshal(map[string]any{"knowledge_base_name": "ghost"})
	resp, err := http.Post(srv.URL+"/recreate_vector_store", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	lines := 0
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "data: ") {
			lines++
			assert.Contains(t, line, "404")
			assert.Contains(t, line, "未找到知识库")
		}
	}
	assert.Equal(t, 1, lines, "exactly one 404 event, then the stream ends")
}

func TestUpdateFilesEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "samples")
	uploadFile(t, srv, "samples", "a.txt", "alpha content", false)

	env := postJSON(t, srv, "/update_files", map[string]any{
		"knowledge_base_name": "samples",
		"file_names":          []string{"a.txt", "missing.txt"},
	})
	require.Equal(t, 200, env.Code)
	failed := failedFiles(t, env)
	assert.NotContains(t, failed, "a.txt")
	assert.Contains(t, failed, "missing.txt")
}
