package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yakongxing/cloudpaste/backend/discord/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/lib/rest"
	"github.com/yakongxing/cloudpaste/session"
)

func testNodeStore(t *testing.T, store NodeStore) {
	ctx := context.Background()
	now := time.Now()

	put := func(path string, isDir bool, ref string) {
		node := &Node{
			Path:       path,
			Name:       fs.LeafName(path),
			IsDir:      isDir,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if ref != "" {
			node.ContentRef = json.RawMessage(ref)
		}
		require.NoError(t, store.Put(ctx, node))
	}
	put("/a.txt", false, `{"kind":"discord_attachment_v1"}`)
	put("/docs/", true, "")
	put("/docs/b.txt", false, `{"kind":"discord_attachment_v1"}`)
	put("/docs/sub/", true, "")
	put("/docs/sub/c.txt", false, `{"kind":"discord_attachment_v1"}`)

	node, err := store.Get(ctx, "/docs/b.txt")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "b.txt", node.Name)

	node, err = store.Get(ctx, "/nope")
	require.NoError(t, err)
	assert.Nil(t, node)

	// direct children only
	children, err := store.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/a.txt", children[0].Path)
	assert.Equal(t, "/docs/", children[1].Path)

	children, err = store.List(ctx, "/docs/")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "/docs/b.txt", children[0].Path)
	assert.Equal(t, "/docs/sub/", children[1].Path)

	// move re-roots the whole subtree
	require.NoError(t, store.Move(ctx, "/docs/", "/archive/"))
	node, err = store.Get(ctx, "/archive/sub/c.txt")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "c.txt", node.Name)
	node, err = store.Get(ctx, "/docs/b.txt")
	require.NoError(t, err)
	assert.Nil(t, node)

	// delete takes the subtree with it
	require.NoError(t, store.Delete(ctx, "/archive/"))
	node, err = store.Get(ctx, "/archive/b.txt")
	require.NoError(t, err)
	assert.Nil(t, node)
	node, err = store.Get(ctx, "/a.txt")
	require.NoError(t, err)
	require.NotNil(t, node)

	// mutating a returned node must not leak back into the store
	node.ContentRef[2] = 'X'
	again, err := store.Get(ctx, "/a.txt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"discord_attachment_v1"}`, string(again.ContentRef))
}

func TestMemNodeStore(t *testing.T) {
	testNodeStore(t, NewMemNodeStore())
}

func TestBoltNodeStore(t *testing.T) {
	store, err := NewBoltNodeStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	testNodeStore(t, store)
}

func TestChunkSpans(t *testing.T) {
	// explicit extents win
	spans, err := chunkSpans(&ChunksRef{Parts: []ChunkPart{
		{PartNo: 2, ByteStart: 100, ByteEnd: 199},
		{PartNo: 1, ByteStart: 0, ByteEnd: 99},
	}})
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, int64(0), spans[0].start)
	assert.Equal(t, int64(99), spans[0].end)
	assert.Equal(t, 1, spans[0].part.PartNo)
	assert.Equal(t, int64(100), spans[1].start)

	// offsets derive from sizes when extents are absent
	spans, err = chunkSpans(&ChunksRef{Parts: []ChunkPart{
		{PartNo: 1, Size: 100},
		{PartNo: 2, Size: 50},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(99), spans[0].end)
	assert.Equal(t, int64(100), spans[1].start)
	assert.Equal(t, int64(149), spans[1].end)

	_, err = chunkSpans(&ChunksRef{Parts: []ChunkPart{{PartNo: 1}}})
	assert.Equal(t, fs.CodeInvalidResponse, fs.CodeOf(err))
}

// fakeDiscord is a channel API plus attachment CDN for driver tests.
// The CDN deliberately ignores Range headers.
type fakeDiscord struct {
	mu    sync.Mutex
	ts    *httptest.Server
	files map[string][]byte // message id -> attachment bytes
	names []string          // attachment filenames in post order
	next  int
	posts int
}

func newFakeDiscord(t *testing.T) *fakeDiscord {
	f := &fakeDiscord{files: map[string][]byte{}}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/channels/ch1/messages":
			require.NoError(t, r.ParseMultipartForm(64<<20))
			var payload api.CreateMessagePayload
			require.NoError(t, json.Unmarshal([]byte(r.FormValue("payload_json")), &payload))
			require.Len(t, payload.Attachments, 1)
			file, hdr, err := r.FormFile("files[0]")
			require.NoError(t, err)
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			assert.Equal(t, payload.Attachments[0].Filename, hdr.Filename)

			f.mu.Lock()
			f.posts++
			f.next++
			id := fmt.Sprintf("m%d", f.next)
			f.files[id] = data
			f.names = append(f.names, hdr.Filename)
			f.mu.Unlock()

			_ = json.NewEncoder(w).Encode(api.Message{
				ID:        id,
				ChannelID: "ch1",
				Attachments: []api.Attachment{{
					ID:       "a1",
					Filename: hdr.Filename,
					Size:     int64(len(data)),
					URL:      f.ts.URL + "/cdn/" + id,
				}},
			})
		case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/channels/ch1/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/channels/ch1/messages/")
			f.mu.Lock()
			data, ok := f.files[id]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Unknown Message","code":10008}`))
				return
			}
			_ = json.NewEncoder(w).Encode(api.Message{
				ID:        id,
				ChannelID: "ch1",
				Attachments: []api.Attachment{{
					ID:   "a1",
					Size: int64(len(data)),
					URL:  f.ts.URL + "/cdn/" + id,
				}},
			})
		case strings.HasPrefix(r.URL.Path, "/cdn/"):
			id := strings.TrimPrefix(r.URL.Path, "/cdn/")
			f.mu.Lock()
			data, ok := f.files[id]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	return f
}

func (f *fakeDiscord) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts
}

func newTestDriver(t *testing.T, f *fakeDiscord, opt Options, env *fs.Env) *Driver {
	if opt.ChannelID == "" {
		opt.ChannelID = "ch1"
	}
	if opt.BotToken == "" {
		opt.BotToken = "tok"
	}
	if env == nil {
		env = &fs.Env{}
	}
	d, err := NewDriverWithStore("disc", opt, env, NewMemNodeStore())
	require.NoError(t, err)
	if f != nil {
		d.srv = rest.NewClient(f.ts.Client()).SetRoot(f.ts.URL)
		d.srv.SetErrorHandler(errorHandler)
		d.cdn = rest.NewClient(f.ts.Client())
	}
	d.features.Set(fs.CapReader | fs.CapWriter | fs.CapAtomic | fs.CapProxy | fs.CapMultipart)
	return d
}

func TestUploadDownloadSingleAttachment(t *testing.T) {
	f := newFakeDiscord(t)
	defer f.ts.Close()
	d := newTestDriver(t, f, Options{}, nil)
	ctx := context.Background()

	content := "hello attachment world"
	_, err := d.Upload(ctx, "/notes/hello.txt", strings.NewReader(content),
		&fs.UploadOptions{ContentLength: int64(len(content))})
	require.NoError(t, err)

	item, err := d.Stat(ctx, "/notes/hello.txt")
	require.NoError(t, err)
	require.NotNil(t, item.Size)
	assert.Equal(t, int64(len(content)), *item.Size)
	assert.True(t, strings.HasPrefix(item.MimeType, "text/plain"), item.MimeType)

	// the parent directory materialized in the index
	parent, err := d.Stat(ctx, "/notes/")
	require.NoError(t, err)
	assert.True(t, parent.IsDir)

	stream, err := d.Download(ctx, "/notes/hello.txt")
	require.NoError(t, err)
	rc, err := stream.OpenFull(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, string(got))

	// the CDN ignores Range; the 200 gets sliced down in software
	body, satisfied, err := stream.OpenWithRange(ctx, fs.Range{Start: 6, End: 15})
	require.NoError(t, err)
	assert.True(t, satisfied)
	got, err = io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content[6:16], string(got))
}

func TestUploadTooLarge(t *testing.T) {
	f := newFakeDiscord(t)
	defer f.ts.Close()
	d := newTestDriver(t, f, Options{MaxAttachmentSize: 100}, nil)
	ctx := context.Background()

	_, err := d.Upload(ctx, "/big.bin", strings.NewReader("x"), &fs.UploadOptions{ContentLength: 200})
	assert.Equal(t, fs.CodeFileTooLarge, fs.CodeOf(err))
	assert.Contains(t, err.Error(), "multipart")

	// unknown length gets buffered against the cap before any message
	_, err = d.Upload(ctx, "/big.bin", strings.NewReader(strings.Repeat("y", 200)), nil)
	assert.Equal(t, fs.CodeFileTooLarge, fs.CodeOf(err))
	assert.Equal(t, 0, f.postCount())
}

// cancellingStore fails every index write and cancels the context so the
// retry loop gives up immediately
type cancellingStore struct {
	NodeStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Put(ctx context.Context, node *Node) error {
	s.cancel()
	return pkgerrors.New("index unavailable")
}

func TestUploadIndexWriteFailure(t *testing.T) {
	f := newFakeDiscord(t)
	defer f.ts.Close()
	d := newTestDriver(t, f, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.store = &cancellingStore{NodeStore: NewMemNodeStore(), cancel: cancel}

	_, err := d.Upload(ctx, "/f.bin", strings.NewReader("payload"), &fs.UploadOptions{ContentLength: 7})
	require.Error(t, err)
	assert.Equal(t, fs.CodeDiscordIndexWriteFailed, fs.CodeOf(err))
	assert.Contains(t, err.Error(), "do not re-upload")
	// the message was created before the index failed
	assert.Equal(t, 1, f.postCount())
}

func TestMkdirIdempotent(t *testing.T) {
	d := newTestDriver(t, nil, Options{}, nil)
	ctx := context.Background()

	res, err := d.Mkdir(ctx, "/a/b")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExisted)

	res, err = d.Mkdir(ctx, "/a/b")
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)

	// intermediate directories came along
	item, err := d.Stat(ctx, "/a/")
	require.NoError(t, err)
	assert.True(t, item.IsDir)
}

func seedFile(t *testing.T, d *Driver, path string) {
	ref, err := json.Marshal(AttachmentRef{
		Kind: RefKindAttachment, ChannelID: "ch1", MessageID: "m1", AttachmentID: "a1",
		URL: "https://cdn/x", Size: 3,
	})
	require.NoError(t, err)
	require.NoError(t, d.store.Put(context.Background(), &Node{
		Path: path, Name: fs.LeafName(path), Size: 3,
		CreatedAt: time.Now(), ModifiedAt: time.Now(), ContentRef: ref,
	}))
}

func TestRenameMovesSubtree(t *testing.T) {
	d := newTestDriver(t, nil, Options{}, nil)
	ctx := context.Background()

	_, err := d.Mkdir(ctx, "/docs/sub")
	require.NoError(t, err)
	seedFile(t, d, "/docs/a.txt")
	seedFile(t, d, "/docs/sub/b.txt")

	res, err := d.Rename(ctx, "/docs", "/archive")
	require.NoError(t, err)
	assert.Equal(t, fs.TransferSuccess, res.Status)

	_, err = d.Stat(ctx, "/archive/sub/b.txt")
	require.NoError(t, err)
	_, err = d.Stat(ctx, "/docs/a.txt")
	assert.Equal(t, fs.CodeNotFound, fs.CodeOf(err))

	// renaming onto something that exists is refused
	seedFile(t, d, "/other.txt")
	res, err = d.Rename(ctx, "/other.txt", "/archive/a.txt")
	require.NoError(t, err)
	assert.Equal(t, fs.TransferFailed, res.Status)
}

func TestCopySharesAttachment(t *testing.T) {
	d := newTestDriver(t, nil, Options{}, nil)
	ctx := context.Background()
	seedFile(t, d, "/a.txt")

	res, err := d.Copy(ctx, "/a.txt", "/b.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, fs.TransferSuccess, res.Status)

	src, err := d.store.Get(ctx, "/a.txt")
	require.NoError(t, err)
	dst, err := d.store.Get(ctx, "/b.txt")
	require.NoError(t, err)
	require.NotNil(t, dst)
	assert.JSONEq(t, string(src.ContentRef), string(dst.ContentRef))

	res, err = d.Copy(ctx, "/a.txt", "/b.txt", &fs.CopyOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, fs.TransferSkipped, res.Status)
}

func TestRemoveTouchesOnlyIndex(t *testing.T) {
	d := newTestDriver(t, nil, Options{}, nil)
	ctx := context.Background()
	seedFile(t, d, "/a.txt")

	res, err := d.Remove(ctx, []string{"/a.txt", "/missing.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.txt"}, res.Success)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "/missing.txt", res.Failed[0].Path)

	_, err = d.Stat(ctx, "/a.txt")
	assert.Equal(t, fs.CodeNotFound, fs.CodeOf(err))
}

func TestRemoveRefusesRoot(t *testing.T) {
	d := newTestDriver(t, nil, Options{}, nil)
	ctx := context.Background()
	seedFile(t, d, "/a.txt")

	res, err := d.Remove(ctx, []string{"/"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Success)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Message, "root")

	_, err = d.Rename(ctx, "/", "/moved/")
	assert.Equal(t, fs.CodeInvalidPath, fs.CodeOf(err))
	_, err = d.Copy(ctx, "/a.txt", "/", nil)
	assert.Equal(t, fs.CodeInvalidPath, fs.CodeOf(err))

	// the index is untouched
	_, err = d.Stat(ctx, "/a.txt")
	require.NoError(t, err)
}

func TestUploadSlotsExpand(t *testing.T) {
	sem := uploadSlots("slots-expand-ch", 1)
	require.True(t, sem.TryAcquire(1))
	assert.False(t, sem.TryAcquire(1))

	// a reconstruction registering a higher limit adds the difference
	assert.Same(t, sem, uploadSlots("slots-expand-ch", 3))
	assert.True(t, sem.TryAcquire(1))
	assert.True(t, sem.TryAcquire(1))
	assert.False(t, sem.TryAcquire(1))

	// a lower limit leaves the semaphore alone
	uploadSlots("slots-expand-ch", 1)
	sem.Release(3)
	assert.True(t, sem.TryAcquire(1))
	sem.Release(1)
}

func TestDirectLinkRefused(t *testing.T) {
	d := newTestDriver(t, nil, Options{}, nil)
	_, err := d.DirectLink(context.Background(), "/a.txt", nil)
	assert.Equal(t, fs.CodeDirectLinkNotAvailable, fs.CodeOf(err))
	assert.Equal(t, 403, fs.StatusOf(err))
}

func TestAttachmentURLRefresh(t *testing.T) {
	f := newFakeDiscord(t)
	defer f.ts.Close()
	d := newTestDriver(t, f, Options{}, nil)
	ctx := context.Background()

	content := []byte("refreshed body")
	f.files["m9"] = content
	ref, err := json.Marshal(AttachmentRef{
		Kind: RefKindAttachment, ChannelID: "ch1", MessageID: "m9", AttachmentID: "a1",
		URL: f.ts.URL + "/cdn/expired-signature", Size: int64(len(content)),
	})
	require.NoError(t, err)
	require.NoError(t, d.store.Put(ctx, &Node{
		Path: "/img.png", Name: "img.png", Size: int64(len(content)),
		CreatedAt: time.Now(), ModifiedAt: time.Now(), ContentRef: ref,
	}))

	stream, err := d.Download(ctx, "/img.png")
	require.NoError(t, err)
	rc, err := stream.OpenFull(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// the fresh URL was persisted back into the index
	node, err := d.store.Get(ctx, "/img.png")
	require.NoError(t, err)
	var updated AttachmentRef
	require.NoError(t, json.Unmarshal(node.ContentRef, &updated))
	assert.Equal(t, f.ts.URL+"/cdn/m9", updated.URL)
}

func TestMultipartFlow(t *testing.T) {
	f := newFakeDiscord(t)
	defer f.ts.Close()
	env := &fs.Env{Sessions: session.NewMemStore()}
	d := newTestDriver(t, f, Options{ChunkSize: 100, MaxAttachmentSize: 100}, env)
	ctx := context.Background()

	content := make([]byte, 250)
	for i := range content {
		content[i] = byte(i % 251)
	}

	info, err := d.MultipartInit(ctx, "/big.bin", &fs.UploadOptions{ContentLength: 250, ContentType: "application/octet-stream"})
	require.NoError(t, err)
	assert.Equal(t, session.StrategySingleSession, info.Strategy)
	assert.Equal(t, int64(100), info.PartSize)
	assert.Equal(t, 3, info.TotalParts)

	for part, chunk := range map[int][]byte{
		1: content[0:100],
		2: content[100:200],
		3: content[200:250],
	} {
		p, err := d.MultipartProxyChunk(ctx, info.SessionID, part, bytes.NewReader(chunk), int64(len(chunk)))
		require.NoError(t, err)
		assert.Equal(t, part, p.PartNumber)
		assert.Equal(t, int64(len(chunk)), p.Size)
	}
	assert.Contains(t, f.names, "big.bin.part00001")
	assert.Contains(t, f.names, "big.bin.part00003")

	parts, err := d.MultipartParts(ctx, info.SessionID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, 1, parts[0].PartNumber)

	res, err := d.MultipartComplete(ctx, info.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "/big.bin", res.StoragePath)

	// the index node carries the ordered chunk ref with derived offsets
	node, err := d.store.Get(ctx, "/big.bin")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, int64(250), node.Size)
	var ref ChunksRef
	require.NoError(t, json.Unmarshal(node.ContentRef, &ref))
	assert.Equal(t, RefKindChunks, ref.Kind)
	require.Len(t, ref.Parts, 3)
	assert.Equal(t, int64(100), ref.Parts[1].ByteStart)
	assert.Equal(t, int64(199), ref.Parts[1].ByteEnd)
	assert.Equal(t, int64(250), ref.Size)

	// completing again is a no-op
	res, err = d.MultipartComplete(ctx, info.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "/big.bin", res.StoragePath)

	// aborting a completed session is refused
	err = d.MultipartAbort(ctx, info.SessionID)
	assert.Equal(t, 409, fs.StatusOf(err))

	// reads reassemble across chunk boundaries
	stream, err := d.Download(ctx, "/big.bin")
	require.NoError(t, err)
	rc, err := stream.OpenFull(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, got)

	body, satisfied, err := stream.OpenWithRange(ctx, fs.Range{Start: 50, End: 149})
	require.NoError(t, err)
	assert.True(t, satisfied)
	got, err = io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content[50:150], got)
}

func TestMultipartCompleteMismatch(t *testing.T) {
	f := newFakeDiscord(t)
	defer f.ts.Close()
	env := &fs.Env{Sessions: session.NewMemStore()}
	d := newTestDriver(t, f, Options{ChunkSize: 100, MaxAttachmentSize: 100}, env)
	ctx := context.Background()

	// nothing uploaded
	info, err := d.MultipartInit(ctx, "/x.bin", nil)
	require.NoError(t, err)
	_, err = d.MultipartComplete(ctx, info.SessionID, nil)
	assert.Equal(t, fs.CodeMultipartPartsMismatch, fs.CodeOf(err))

	// a hole in the part numbering
	_, err = d.MultipartProxyChunk(ctx, info.SessionID, 1, strings.NewReader("aa"), 2)
	require.NoError(t, err)
	_, err = d.MultipartProxyChunk(ctx, info.SessionID, 3, strings.NewReader("cc"), 2)
	require.NoError(t, err)
	_, err = d.MultipartComplete(ctx, info.SessionID, nil)
	assert.Equal(t, fs.CodeMultipartPartsMismatch, fs.CodeOf(err))

	// fewer parts than the declared total
	info, err = d.MultipartInit(ctx, "/y.bin", &fs.UploadOptions{ContentLength: 250})
	require.NoError(t, err)
	_, err = d.MultipartProxyChunk(ctx, info.SessionID, 1, strings.NewReader(strings.Repeat("a", 100)), 100)
	require.NoError(t, err)
	_, err = d.MultipartComplete(ctx, info.SessionID, nil)
	assert.Equal(t, fs.CodeMultipartPartsMismatch, fs.CodeOf(err))
}

func TestMultipartChunkValidation(t *testing.T) {
	env := &fs.Env{Sessions: session.NewMemStore()}
	d := newTestDriver(t, nil, Options{ChunkSize: 100, MaxAttachmentSize: 100}, env)
	ctx := context.Background()

	info, err := d.MultipartInit(ctx, "/x.bin", nil)
	require.NoError(t, err)

	_, err = d.MultipartProxyChunk(ctx, info.SessionID, 0, strings.NewReader("a"), 1)
	assert.Equal(t, fs.CodeInvalidConfig, fs.CodeOf(err))

	_, err = d.MultipartProxyChunk(ctx, info.SessionID, 1, strings.NewReader("a"), 101)
	assert.Equal(t, fs.CodeFileTooLarge, fs.CodeOf(err))

	// after an abort every chunk is refused
	require.NoError(t, d.MultipartAbort(ctx, info.SessionID))
	_, err = d.MultipartProxyChunk(ctx, info.SessionID, 1, strings.NewReader("a"), 1)
	assert.Equal(t, fs.CodeAborted, fs.CodeOf(err))
}
