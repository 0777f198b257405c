package webdav

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakongxing/cloudpaste/fs"
)

const rootMultistatus = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/</d:href>
  <d:propstat>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const fileMultistatus = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/docs/report.pdf</d:href>
  <d:propstat>
   <d:prop>
    <d:getlastmodified>Tue, 19 Dec 2017 22:02:36 GMT</d:getlastmodified>
    <d:getcontentlength>4143665</d:getcontentlength>
    <d:resourcetype/>
    <d:getcontenttype>application/pdf</d:getcontenttype>
    <d:getetag>"abc123"</d:getetag>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const listMultistatus = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/docs/</d:href>
  <d:propstat>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/docs/report.pdf</d:href>
  <d:propstat>
   <d:prop>
    <d:getcontentlength>4143665</d:getcontentlength>
    <d:resourcetype/>
    <d:getcontenttype>application/pdf</d:getcontenttype>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/docs/sub/</d:href>
  <d:propstat>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/docs/tiny.bin</d:href>
  <d:propstat>
   <d:prop>
    <d:getcontentlength>2</d:getcontentlength>
    <d:resourcetype/>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const tinyMultistatus = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/docs/tiny.bin</d:href>
  <d:propstat>
   <d:prop>
    <d:getcontentlength>524288</d:getcontentlength>
    <d:resourcetype/>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

// fakeDAV is a minimal WebDAV endpoint for driver tests
func fakeDAV(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(207)
			switch {
			case r.URL.Path == "/" || r.URL.Path == "":
				_, _ = io.WriteString(w, rootMultistatus)
			case r.URL.Path == "/docs/" && r.Header.Get("Depth") == "1":
				_, _ = io.WriteString(w, listMultistatus)
			case r.URL.Path == "/docs/report.pdf":
				_, _ = io.WriteString(w, fileMultistatus)
			case r.URL.Path == "/docs/tiny.bin":
				_, _ = io.WriteString(w, tinyMultistatus)
			default:
				// overwrite the 207 is not possible; answer an empty multistatus
				_, _ = io.WriteString(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:"></d:multistatus>`)
			}
		case "GET":
			// deliberately ignores Range, like some deployments do
			_, _ = io.WriteString(w, "full resource body")
		case "PUT", "MKCOL":
			w.WriteHeader(http.StatusCreated)
		case "MOVE", "COPY":
			if r.Header.Get("Overwrite") == "F" && strings.Contains(r.Header.Get("Destination"), "exists") {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case "DELETE":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func newTestDriver(t *testing.T, ts *httptest.Server) *Driver {
	d, err := NewDriver(context.Background(), fs.DriverConfig{
		Name:    "dav",
		Type:    "webdav",
		Payload: json.RawMessage(`{"server_url":"` + ts.URL + `","username":"u","password":"p"}`),
	}, &fs.Env{})
	require.NoError(t, err)
	require.NoError(t, d.Init(context.Background()))
	return d.(*Driver)
}

func TestInitSetsCaps(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)
	assert.True(t, d.Features().Has(fs.CapReader|fs.CapWriter|fs.CapAtomic|fs.CapProxy))
	assert.False(t, d.Features().Has(fs.CapDirectLink))
}

func TestStatFile(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	item, err := d.Stat(context.Background(), "/docs/report.pdf")
	require.NoError(t, err)
	assert.False(t, item.IsDir)
	require.NotNil(t, item.Size)
	assert.Equal(t, int64(4143665), *item.Size)
	assert.Equal(t, "application/pdf", item.MimeType)
	assert.Equal(t, "abc123", item.ETag)
	require.NotNil(t, item.Modified)
}

func TestListReStatsSuspectSizes(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	listing, err := d.List(context.Background(), "/docs", nil)
	require.NoError(t, err)
	require.Len(t, listing.Items, 3)

	byName := map[string]fs.Item{}
	for _, item := range listing.Items {
		byName[item.Name] = item
	}
	assert.True(t, byName["sub"].IsDir)
	assert.Equal(t, "/docs/sub/", byName["sub"].Path)
	require.NotNil(t, byName["report.pdf"].Size)
	assert.Equal(t, int64(4143665), *byName["report.pdf"].Size)

	// the listing said 2 bytes; the re-stat got the truth
	require.NotNil(t, byName["tiny.bin"].Size)
	assert.Equal(t, int64(524288), *byName["tiny.bin"].Size)
}

func TestDownloadFallsBackToFull(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	stream, err := d.Download(context.Background(), "/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, fs.FallbackFull, stream.Fallback)

	// the server ignores Range; software slicing is unsafe here so the
	// caller gets the whole resource and satisfied == false
	body, satisfied, err := stream.OpenWithRange(context.Background(), fs.Range{Start: 0, End: 3})
	require.NoError(t, err)
	assert.False(t, satisfied)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "full resource body", string(got))
}

func TestUpload(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	res, err := d.Upload(context.Background(), "/docs/new.txt", strings.NewReader("hi"), &fs.UploadOptions{ContentLength: 2})
	require.NoError(t, err)
	assert.Equal(t, "/docs/new.txt", res.StoragePath)
}

func TestRenameDestinationExists(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	res, err := d.Rename(context.Background(), "/docs/report.pdf", "/docs/exists.pdf")
	require.Error(t, err)
	assert.Equal(t, fs.TransferFailed, res.Status)

	res, err = d.Rename(context.Background(), "/docs/report.pdf", "/docs/fresh.pdf")
	require.NoError(t, err)
	assert.Equal(t, fs.TransferSuccess, res.Status)
}

func TestCopySkipExisting(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	res, err := d.Copy(context.Background(), "/docs/report.pdf", "/docs/exists.pdf", &fs.CopyOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, fs.TransferSkipped, res.Status)
}

func TestRemoveRefusesRoot(t *testing.T) {
	deletes := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(207)
			_, _ = io.WriteString(w, rootMultistatus)
		case "DELETE":
			deletes++
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer ts.Close()
	d := newTestDriver(t, ts)

	res, err := d.Remove(context.Background(), []string{"/"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Success)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Message, "root")
	assert.Equal(t, 0, deletes)

	_, err = d.Rename(context.Background(), "/", "/moved/")
	assert.Equal(t, fs.CodeInvalidPath, fs.CodeOf(err))
	_, err = d.Copy(context.Background(), "/docs/", "/", nil)
	assert.Equal(t, fs.CodeInvalidPath, fs.CodeOf(err))
}

func TestUploadReportsProgress(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	var last uint64
	content := strings.Repeat("x", 4096)
	_, err := d.Upload(context.Background(), "/docs/meter.bin", strings.NewReader(content), &fs.UploadOptions{
		ContentLength: int64(len(content)),
		Progress:      func(n uint64) { last = n },
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), last)
}

func TestRemoveMissingCountsAsSuccess(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	res, err := d.Remove(context.Background(), []string{"/docs/gone.txt"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"/docs/gone.txt"}, res.Success)
}

func TestDirectLinkRefused(t *testing.T) {
	ts := fakeDAV(t)
	defer ts.Close()
	d := newTestDriver(t, ts)

	_, err := d.DirectLink(context.Background(), "/docs/report.pdf", nil)
	assert.Equal(t, fs.CodeDirectLinkNotAvailable, fs.CodeOf(err))
}
