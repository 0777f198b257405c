package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "v", r.Header.Get("X-Default"))
		assert.Equal(t, "1", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte("world"))
	}))
	defer ts.Close()

	c := NewClient(ts.Client()).SetRoot(ts.URL)
	c.SetHeader("X-Default", "v")
	resp, err := c.Call(context.Background(), &Opts{
		Method:     "GET",
		Path:       "/hello",
		Parameters: url.Values{"q": {"1"}},
	})
	require.NoError(t, err)
	body, err := ReadBody(resp)
	require.NoError(t, err)
	assert.Equal(t, "world", string(body))
}

func TestCallErrorHandler(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer ts.Close()

	c := NewClient(ts.Client()).SetRoot(ts.URL)
	_, err := c.Call(context.Background(), &Opts{Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
	assert.Contains(t, err.Error(), "short and stout")
}

func TestCallJSON(t *testing.T) {
	type echo struct {
		Name string `json:"name"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in echo
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(echo{Name: in.Name + "!"})
	}))
	defer ts.Close()

	c := NewClient(ts.Client()).SetRoot(ts.URL)
	var out echo
	_, err := c.CallJSON(context.Background(), &Opts{Method: "POST", Path: "/"}, &echo{Name: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi!", out.Name)
}

func TestCallNDJSON(t *testing.T) {
	type line struct {
		Key string `json:"key"`
	}
	var gotLines []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			gotLines = append(gotLines, scanner.Text())
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client()).SetRoot(ts.URL)
	var out struct {
		OK bool `json:"ok"`
	}
	_, err := c.CallNDJSON(context.Background(), &Opts{Method: "POST", Path: "/"},
		[]interface{}{line{Key: "header"}, line{Key: "file"}}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, []string{`{"key":"header"}`, `{"key":"file"}`}, gotLines)
}

func TestMultipartUpload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "meta", r.FormValue("payload_json"))
		file, header, err := r.FormFile("files[0]")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		assert.Equal(t, "hello.txt", header.Filename)
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "file body", string(content))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(ts.Client()).SetRoot(ts.URL)
	var out struct{}
	_, err := c.CallJSON(context.Background(), &Opts{
		Method:               "POST",
		Path:                 "/",
		Body:                 strings.NewReader("file body"),
		MultipartParams:      url.Values{"payload_json": {"meta"}},
		MultipartContentName: "files[0]",
		MultipartFileName:    "hello.txt",
	}, nil, &out)
	require.NoError(t, err)
}

func TestParseSizeFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, int64(-1), ParseSizeFromHeaders(h))

	h.Set("Content-Length", "42")
	assert.Equal(t, int64(42), ParseSizeFromHeaders(h))

	// Content-Range carries the full size and wins over Content-Length
	h.Set("Content-Range", "bytes 0-9/1234")
	assert.Equal(t, int64(1234), ParseSizeFromHeaders(h))

	h.Set("Content-Range", "bytes 0-9/*")
	assert.Equal(t, int64(42), ParseSizeFromHeaders(h))
}

func TestURLPathEscape(t *testing.T) {
	assert.Equal(t, "a%20b/c", URLPathEscape("a b/c"))
}

func TestURLJoin(t *testing.T) {
	base, err := url.Parse("http://example.com/dir/")
	require.NoError(t, err)
	joined, err := URLJoin(base, "file.txt")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/dir/file.txt", joined.String())

	abs, err := URLJoin(base, "http://other.com/x")
	require.NoError(t, err)
	assert.Equal(t, "http://other.com/x", abs.String())
}
