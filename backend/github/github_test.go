package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakongxing/cloudpaste/backend/github/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/lib/gitref"
	"github.com/yakongxing/cloudpaste/lib/rest"
)

func TestNewDriverRequiresOwnerRepo(t *testing.T) {
	_, err := NewDriver(context.Background(), fs.DriverConfig{
		Name:    "gh",
		Type:    "github",
		Payload: json.RawMessage(`{"owner":"octo"}`),
	}, &fs.Env{})
	assert.Equal(t, fs.CodeInvalidConfig, fs.CodeOf(err))
}

// newBareDriver builds a driver without running Init so tests can wire
// in their own state
func newBareDriver(t *testing.T) *Driver {
	d, err := NewDriver(context.Background(), fs.DriverConfig{
		Name:    "gh",
		Type:    "github",
		Payload: json.RawMessage(`{"owner":"octo","repo":"things"}`),
	}, &fs.Env{})
	require.NoError(t, err)
	return d.(*Driver)
}

// newTestDriver points the bare driver at a fake API server in the
// state Init would have left it for a writable branch
func newTestDriver(t *testing.T, ts *httptest.Server) *Driver {
	d := newBareDriver(t)
	d.srv = rest.NewClient(ts.Client()).SetRoot(ts.URL)
	d.srv.SetErrorHandler(errorHandler)
	d.srv.SetHeader("Authorization", "Bearer token")
	d.cdn = rest.NewClient(ts.Client())
	d.cdn.SetErrorHandler(errorHandler)
	d.token = "token"
	d.ref = gitref.Parse("main")
	d.features.Set(fs.CapReader | fs.CapWriter | fs.CapAtomic | fs.CapProxy)
	return d
}

func TestWriteRefusedOnTagRevision(t *testing.T) {
	d := newBareDriver(t)
	d.ref = gitref.Parse("tags/v1.0.0")
	d.features.Set(fs.CapReader | fs.CapProxy)
	d.features.ReadOnlyReason = "revision v1.0.0 is a tag and cannot be written"

	// no server is wired in, so a refusal proves nothing hit the network
	_, err := d.Upload(context.Background(), "/x.txt", strings.NewReader("x"), nil)
	assert.Equal(t, fs.CodeRevisionNotWritable, fs.CodeOf(err))
	assert.Contains(t, err.Error(), "tag")
}

func TestWriteRefusedWithoutToken(t *testing.T) {
	d := newBareDriver(t)
	d.ref = gitref.Parse("main")
	d.features.Set(fs.CapReader | fs.CapProxy)
	d.features.ReadOnlyReason = "a token with write access is required"

	_, err := d.Mkdir(context.Background(), "/new/")
	assert.Equal(t, fs.CodeTokenRequiredForWrite, fs.CodeOf(err))
}

func TestCreateBlobTooLarge(t *testing.T) {
	d := newBareDriver(t)
	_, err := d.createBlob(context.Background(), strings.NewReader(""), maxBlobSize+1)
	assert.Equal(t, fs.CodeFileTooLarge, fs.CodeOf(err))
	assert.Equal(t, 413, fs.StatusOf(err))
}

func TestRawURL(t *testing.T) {
	d := newBareDriver(t)
	d.ref = gitref.Parse("main")
	assert.Equal(t, "https://raw.githubusercontent.com/octo/things/main/dir/a%20b.txt", d.rawURL("/dir/a b.txt"))

	d.opt.CDNProxy = "https://cdn.example.com/"
	assert.Equal(t, "https://cdn.example.com/octo/things/main/dir/a%20b.txt", d.rawURL("/dir/a b.txt"))
}

func TestContentsPath(t *testing.T) {
	d := newBareDriver(t)
	assert.Equal(t, "/repos/octo/things/contents/", d.contentsPath("/"))
	assert.Equal(t, "/repos/octo/things/contents/dir/a%20b.txt", d.contentsPath("/dir/a b.txt"))
}

func TestListSkipsSentinel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/things/contents/docs", r.URL.Path)
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		_ = json.NewEncoder(w).Encode(api.ContentsObject{
			ContentsEntry: api.ContentsEntry{Type: "dir"},
			Entries: []api.ContentsEntry{
				{Name: ".gitkeep", Path: "docs/.gitkeep", Type: "file", SHA: "k"},
				{Name: "guide.md", Path: "docs/guide.md", Type: "file", Size: 42, SHA: "g"},
				{Name: "img", Path: "docs/img", Type: "dir", SHA: "i"},
				{Name: "vendor", Path: "docs/vendor", Type: "submodule", SHA: "v"},
			},
		})
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	listing, err := d.List(context.Background(), "/docs", nil)
	require.NoError(t, err)
	require.Len(t, listing.Items, 3)

	assert.Equal(t, "/docs/guide.md", listing.Items[0].Path)
	require.NotNil(t, listing.Items[0].Size)
	assert.Equal(t, int64(42), *listing.Items[0].Size)

	assert.Equal(t, "/docs/img/", listing.Items[1].Path)
	assert.True(t, listing.Items[1].IsDir)
	assert.Nil(t, listing.Items[1].Size)

	assert.Equal(t, submoduleMimeType, listing.Items[2].MimeType)
}

func TestStatFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/things/contents/docs/guide.md":
			_ = json.NewEncoder(w).Encode(api.ContentsObject{
				ContentsEntry: api.ContentsEntry{Name: "guide.md", Path: "docs/guide.md", Type: "file", Size: 42, SHA: "g"},
			})
		case "/repos/octo/things/commits":
			assert.Equal(t, "docs/guide.md", r.URL.Query().Get("path"))
			_, _ = w.Write([]byte(`[{"sha":"c1","commit":{"committer":{"date":"2024-03-01T12:00:00Z"}}}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	item, err := d.Stat(context.Background(), "/docs/guide.md")
	require.NoError(t, err)
	assert.False(t, item.IsDir)
	assert.Equal(t, "g", item.ETag)
	require.NotNil(t, item.Size)
	assert.Equal(t, int64(42), *item.Size)
	require.NotNil(t, item.Modified)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), item.Modified.UTC())
}

func TestDownloadSubmoduleRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/things/contents/vendor":
			_ = json.NewEncoder(w).Encode(api.ContentsObject{
				ContentsEntry: api.ContentsEntry{Name: "vendor", Path: "vendor", Type: "submodule", SHA: "v"},
			})
		case "/repos/octo/things/commits":
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	_, err := d.Download(context.Background(), "/vendor")
	assert.Equal(t, fs.CodeSubmoduleUnsupported, fs.CodeOf(err))
}

func TestDirectLinkPrivateRefused(t *testing.T) {
	d := newBareDriver(t)
	d.ref = gitref.Parse("main")
	d.private = true
	_, err := d.DirectLink(context.Background(), "/x.txt", nil)
	assert.Equal(t, fs.CodeDirectLinkNotAvailable, fs.CodeOf(err))
}

func TestUploadPipeline(t *testing.T) {
	var gotBlob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	var gotTree api.CreateTreeRequest
	var gotCommit api.CreateCommitRequest
	var gotRef api.UpdateRefRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/ref/heads/main":
			_ = json.NewEncoder(w).Encode(api.Ref{Ref: "refs/heads/main", Object: api.RefObject{Type: "commit", SHA: "head1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/commits/head1":
			_ = json.NewEncoder(w).Encode(api.Commit{SHA: "head1", Tree: api.CommitTree{SHA: "tree1"}})
		case r.Method == "POST" && r.URL.Path == "/repos/octo/things/git/blobs":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBlob))
			_ = json.NewEncoder(w).Encode(api.Blob{SHA: "blob1"})
		case r.Method == "POST" && r.URL.Path == "/repos/octo/things/git/trees":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotTree))
			_ = json.NewEncoder(w).Encode(api.Tree{SHA: "tree2"})
		case r.Method == "POST" && r.URL.Path == "/repos/octo/things/git/commits":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCommit))
			_ = json.NewEncoder(w).Encode(api.Commit{SHA: "commit2"})
		case r.Method == "PATCH" && r.URL.Path == "/repos/octo/things/git/refs/heads/main":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRef))
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	content := "hello pipeline"
	res, err := d.Upload(context.Background(), "/docs/out.txt", strings.NewReader(content),
		&fs.UploadOptions{ContentLength: int64(len(content))})
	require.NoError(t, err)
	assert.Equal(t, "/docs/out.txt", res.StoragePath)

	assert.Equal(t, "base64", gotBlob.Encoding)
	decoded, err := base64.StdEncoding.DecodeString(gotBlob.Content)
	require.NoError(t, err)
	assert.Equal(t, content, string(decoded))

	assert.Equal(t, "tree1", gotTree.BaseTree)
	require.Len(t, gotTree.Tree, 1)
	assert.Equal(t, "docs/out.txt", gotTree.Tree[0].Path)
	require.NotNil(t, gotTree.Tree[0].SHA)
	assert.Equal(t, "blob1", *gotTree.Tree[0].SHA)

	assert.Equal(t, "tree2", gotCommit.Tree)
	assert.Equal(t, []string{"head1"}, gotCommit.Parents)
	assert.Equal(t, "commit2", gotRef.SHA)
	assert.False(t, gotRef.Force)
}

func TestRemoveExpandsDirectory(t *testing.T) {
	var gotTree api.CreateTreeRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/ref/heads/main":
			_ = json.NewEncoder(w).Encode(api.Ref{Object: api.RefObject{SHA: "head1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/commits/head1":
			_ = json.NewEncoder(w).Encode(api.Commit{SHA: "head1", Tree: api.CommitTree{SHA: "tree1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/trees/tree1":
			assert.Equal(t, "1", r.URL.Query().Get("recursive"))
			_ = json.NewEncoder(w).Encode(api.Tree{SHA: "tree1", Tree: []api.TreeEntry{
				{Path: "docs", Type: "tree", SHA: "t"},
				{Path: "docs/a.md", Type: "blob", SHA: "a"},
				{Path: "docs/sub/b.md", Type: "blob", SHA: "b"},
				{Path: "other.txt", Type: "blob", SHA: "o"},
			}})
		case r.Method == "POST" && r.URL.Path == "/repos/octo/things/git/trees":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotTree))
			_ = json.NewEncoder(w).Encode(api.Tree{SHA: "tree2"})
		case r.Method == "POST" && r.URL.Path == "/repos/octo/things/git/commits":
			_ = json.NewEncoder(w).Encode(api.Commit{SHA: "commit2"})
		case r.Method == "PATCH" && r.URL.Path == "/repos/octo/things/git/refs/heads/main":
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	res, err := d.Remove(context.Background(), []string{"/docs/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/"}, res.Success)
	assert.Empty(t, res.Failed)

	require.Len(t, gotTree.Tree, 2)
	for _, e := range gotTree.Tree {
		assert.Nil(t, e.SHA, e.Path)
	}
	assert.Equal(t, "docs/a.md", gotTree.Tree[0].Path)
	assert.Equal(t, "docs/sub/b.md", gotTree.Tree[1].Path)
}

func TestTruncatedTreeFailsBulkOps(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/ref/heads/main":
			_ = json.NewEncoder(w).Encode(api.Ref{Object: api.RefObject{SHA: "head1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/commits/head1":
			_ = json.NewEncoder(w).Encode(api.Commit{SHA: "head1", Tree: api.CommitTree{SHA: "tree1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/trees/tree1":
			_ = json.NewEncoder(w).Encode(api.Tree{SHA: "tree1", Truncated: true})
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	_, err := d.subtreeBlobs(context.Background(), "/docs/")
	assert.Equal(t, fs.CodeTreeTruncated, fs.CodeOf(err))
}

func TestTransferMovesSubmoduleRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/ref/heads/main":
			_ = json.NewEncoder(w).Encode(api.Ref{Object: api.RefObject{SHA: "head1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/commits/head1":
			_ = json.NewEncoder(w).Encode(api.Commit{SHA: "head1", Tree: api.CommitTree{SHA: "tree1"}})
		case r.Method == "GET" && r.URL.Path == "/repos/octo/things/git/trees/tree1":
			_ = json.NewEncoder(w).Encode(api.Tree{SHA: "tree1", Tree: []api.TreeEntry{
				{Path: "docs/vendor", Type: "commit", SHA: "s"},
			}})
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	res, err := d.Rename(context.Background(), "/docs/", "/moved/")
	require.Error(t, err)
	assert.Equal(t, fs.CodeSubmoduleUnsupported, fs.CodeOf(err))
	assert.Equal(t, fs.TransferFailed, res.Status)
}

func TestRemoveRefusesRoot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer ts.Close()
	d := newTestDriver(t, ts)

	res, err := d.Remove(context.Background(), []string{"/"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Success)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Message, "root")

	_, err = d.Rename(context.Background(), "/", "/moved/")
	assert.Equal(t, fs.CodeInvalidPath, fs.CodeOf(err))
	_, err = d.Copy(context.Background(), "/docs/", "/", nil)
	assert.Equal(t, fs.CodeInvalidPath, fs.CodeOf(err))
}

func TestCDNRequestsCarryNoToken(t *testing.T) {
	body := "public bytes"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/octo/things/main/"):
			// the CDN host must never see the API token
			assert.Empty(t, r.Header.Get("Authorization"))
			_, _ = io.WriteString(w, body)
		case r.URL.Path == "/repos/octo/things/contents/pub.txt":
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(api.ContentsObject{
				ContentsEntry: api.ContentsEntry{Name: "pub.txt", Path: "pub.txt", Type: "file", Size: int64(len(body)), SHA: "p"},
			})
		case r.URL.Path == "/repos/octo/things/commits":
			_, _ = w.Write([]byte(`[]`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	d.opt.CDNProxy = ts.URL
	stream, err := d.Download(context.Background(), "/pub.txt")
	require.NoError(t, err)
	rc, err := stream.OpenFull(context.Background())
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestCDNFallbackOnlyOn404(t *testing.T) {
	body := "served via contents"
	contentsCalls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/octo/things/main/blocked.bin":
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, "blocked, see https://example.com/404")
		case "/octo/things/main/moved.bin":
			w.WriteHeader(http.StatusNotFound)
		case "/repos/octo/things/contents/moved.bin":
			contentsCalls++
			if r.Header.Get("Accept") == "application/vnd.github.raw" {
				_, _ = io.WriteString(w, body)
				return
			}
			_ = json.NewEncoder(w).Encode(api.ContentsObject{
				ContentsEntry: api.ContentsEntry{Name: "moved.bin", Path: "moved.bin", Type: "file", SHA: "m"},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	d.opt.CDNProxy = ts.URL

	// a 403 whose message happens to mention 404 is not a miss
	_, err := d.openCDN(context.Background(), "/blocked.bin", nil)
	require.Error(t, err)
	assert.Equal(t, 0, contentsCalls)

	// a real 404 falls back to the Contents API
	resp, err := d.openCDN(context.Background(), "/moved.bin", nil)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, body, string(got))
}

func TestDownloadStream(t *testing.T) {
	body := "file contents here"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/things/contents/a.txt":
			if r.Header.Get("Accept") == "application/vnd.github.raw" {
				if rng := r.Header.Get("Range"); rng == "bytes=5-12" {
					w.Header().Set("Content-Range", "bytes 5-12/18")
					w.WriteHeader(http.StatusPartialContent)
					_, _ = io.WriteString(w, body[5:13])
					return
				}
				_, _ = io.WriteString(w, body)
				return
			}
			size := int64(len(body))
			_ = json.NewEncoder(w).Encode(api.ContentsObject{
				ContentsEntry: api.ContentsEntry{Name: "a.txt", Path: "a.txt", Type: "file", Size: size, SHA: "a"},
			})
		case "/repos/octo/things/commits":
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer ts.Close()

	d := newTestDriver(t, ts)
	d.private = true // force the Contents API raw media path
	stream, err := d.Download(context.Background(), "/a.txt")
	require.NoError(t, err)
	require.NotNil(t, stream.Size)
	assert.Equal(t, int64(len(body)), *stream.Size)

	rc, err := stream.OpenFull(context.Background())
	require.NoError(t, err)
	full, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, string(full))

	part, satisfied, err := stream.OpenWithRange(context.Background(), fs.Range{Start: 5, End: 12})
	require.NoError(t, err)
	assert.True(t, satisfied)
	got, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, body[5:13], string(got))
}
