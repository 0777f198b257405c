// Package discord provides a driver storing files as channel message
// attachments, with the directory tree kept in an external index.
//
// Message storage is append-only: uploads create messages, while
// rename, copy and delete touch only the index. A file bigger than one
// attachment is chunked across several messages and reassembled on
// read.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/yakongxing/cloudpaste/backend/discord/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/fs/fserrors"
	"github.com/yakongxing/cloudpaste/fs/fshttp"
	"github.com/yakongxing/cloudpaste/lib/pacer"
	"github.com/yakongxing/cloudpaste/lib/rest"
)

const (
	apiRoot = "https://discord.com/api/v10"

	minSleep      = 100 * time.Millisecond
	maxSleep      = 60 * time.Second
	decayConstant = 2
	readRetries   = 4

	// One attachment tops out here; anything bigger goes through the
	// chunked multipart path.
	defaultMaxAttachment = 10 * 1024 * 1024
	defaultChunkSize     = 8 * 1024 * 1024

	defaultConcurrency = 2

	// After a durable upload the index write is retried this many
	// times. Giving up leaves the bytes orphaned in the channel, so the
	// resulting error must never trigger a re-upload.
	indexRetries    = 6
	indexRetrySleep = 250 * time.Millisecond

	sniffLen = 3072
)

func init() {
	fs.Register(&fs.RegInfo{
		Type:        "discord",
		Description: "Channel message attachments",
		NewDriver:   NewDriver,
	})
}

// Options defines the configuration for this backend
type Options struct {
	ChannelID         string `json:"channel_id"`
	BotToken          string `json:"bot_token"`
	IndexPath         string `json:"index_path,omitempty"`         // bbolt file for the index; in-memory if empty
	ChunkSize         int64  `json:"chunk_size,omitempty"`         // part size for chunked uploads
	MaxAttachmentSize int64  `json:"max_attachment_size,omitempty"`
	UploadConcurrency int    `json:"upload_concurrency,omitempty"` // simultaneous message uploads per channel
}

// Driver maps the driver contract onto one channel plus an index.
type Driver struct {
	name          string
	opt           Options
	env           *fs.Env
	features      *fs.Features
	srv           *rest.Client // authenticated bot API client
	cdn           *rest.Client // attachment CDN, no credentials
	pacer         *pacer.Pacer
	token         string
	store         NodeStore
	sem           *semaphore.Weighted
	chunkSize     int64
	maxAttachment int64
}

// NewDriver constructs an uninitialized discord driver.
func NewDriver(ctx context.Context, cfg fs.DriverConfig, env *fs.Env) (fs.Driver, error) {
	opt := Options{}
	if err := cfg.DecodeOptions(&opt); err != nil {
		return nil, err
	}
	return newDriver(cfg.Name, opt, env, nil)
}

// NewDriverWithStore constructs a driver around an externally managed
// index store.
func NewDriverWithStore(name string, opt Options, env *fs.Env, store NodeStore) (*Driver, error) {
	return newDriver(name, opt, env, store)
}

func newDriver(name string, opt Options, env *fs.Env, store NodeStore) (*Driver, error) {
	if opt.ChannelID == "" {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "discord: channel_id is required")
	}
	if opt.BotToken == "" {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "discord: bot_token is required")
	}
	maxAttachment := opt.MaxAttachmentSize
	if maxAttachment <= 0 {
		maxAttachment = defaultMaxAttachment
	}
	chunkSize := opt.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize > maxAttachment {
		chunkSize = maxAttachment
	}
	concurrency := opt.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Driver{
		name:          name,
		opt:           opt,
		env:           env,
		features:      &fs.Features{},
		pacer:         pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant).SetRetries(readRetries),
		store:         store,
		sem:           uploadSlots(opt.ChannelID, int64(concurrency)),
		chunkSize:     chunkSize,
		maxAttachment: maxAttachment,
	}, nil
}

// Name returns the configured instance name.
func (d *Driver) Name() string { return d.name }

// Type returns the backend type.
func (d *Driver) Type() string { return "discord" }

// Features returns the capability set.
func (d *Driver) Features() *fs.Features { return d.features }

// String returns a description of the driver for logs
func (d *Driver) String() string {
	return "discord channel '" + d.opt.ChannelID + "'"
}

// errorHandler parses a non 2xx error response into an *api.Error
func errorHandler(resp *http.Response) error {
	body, err := rest.ReadBody(resp)
	if err != nil {
		return errors.Wrap(err, "error reading error body")
	}
	apiErr := new(api.Error)
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}

var retryErrorCodes = []int{
	429, // Too Many Requests
	500, // Internal Server Error
	502, // Bad Gateway
	503, // Service Unavailable
	504, // Gateway Time-out
}

// shouldRetry decides whether a call deserves a retry. The retry_after
// in the 429 body dominates the rate limit headers.
func (d *Driver) shouldRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if fserrors.ContextError(ctx, &err) {
		return false, err
	}
	apiErr := new(api.Error)
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
		return true, fserrors.NewErrorRetryAfter(time.Duration(apiErr.RetryAfter * float64(time.Second)))
	}
	if fserrors.ShouldRetryHTTP(resp, retryErrorCodes) {
		if after := fserrors.RetryAfterFromResponse(resp); after > 0 {
			return true, fserrors.NewErrorRetryAfter(after)
		}
		return true, err
	}
	return fserrors.ShouldRetry(err), err
}

// mapError attaches a semantic code to an upstream failure
func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	apiErr := new(api.Error)
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fs.NotFound(path).WithCause(err)
		case http.StatusUnauthorized:
			return fs.Errf(fs.CodeTokenRequired, 401, "discord: bad or missing bot token").WithCause(err)
		case http.StatusForbidden:
			return fs.Errf(fs.CodeForbidden, 403, "discord: access denied").WithCause(err)
		case http.StatusTooManyRequests:
			return fs.Errf(fs.CodeTooManyRequests, 429, "discord: rate limited").WithCause(err)
		}
	}
	return err
}

// Init resolves the token, opens the index store, probes the channel
// and computes the capability set.
func (d *Driver) Init(ctx context.Context) error {
	token, err := d.env.ResolveCredential(ctx, d.opt.BotToken)
	if err != nil {
		return err
	}
	d.token = token
	client := fshttp.NewClient(&fshttp.Options{})
	d.srv = rest.NewClient(client).SetRoot(apiRoot)
	d.srv.SetErrorHandler(errorHandler)
	d.srv.SetHeader("Authorization", "Bot "+token)
	d.cdn = rest.NewClient(fshttp.NewClient(&fshttp.Options{}))

	if d.store == nil {
		if d.opt.IndexPath != "" {
			store, err := NewBoltNodeStore(d.opt.IndexPath)
			if err != nil {
				return fs.Errf(fs.CodeInvalidConfig, 500, "discord: couldn't open index at %q", d.opt.IndexPath).WithCause(err)
			}
			d.store = store
		} else {
			d.store = NewMemNodeStore()
		}
	}

	var channel api.Channel
	opts := rest.Opts{Method: "GET", Path: "/channels/" + d.opt.ChannelID}
	err = d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &channel)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return mapError(err, d.opt.ChannelID)
	}

	// Attachment URLs are signed and expire, so there is no direct
	// link to hand a browser.
	d.features.Set(fs.CapReader | fs.CapWriter | fs.CapAtomic | fs.CapProxy | fs.CapMultipart)
	return nil
}

// fileKey normalizes path into the index key of a file node.
func fileKey(path string) (string, error) {
	return fs.NormalizePath(path, false)
}

// dirKey normalizes path into the index key of a directory node.
func dirKey(path string) (string, error) {
	return fs.NormalizePath(path, true)
}

// node returns the file or directory node at path, or nil.
func (d *Driver) node(ctx context.Context, path string) (*Node, error) {
	fk, err := fileKey(path)
	if err != nil {
		return nil, err
	}
	node, err := d.store.Get(ctx, fk)
	if err != nil {
		return nil, errors.Wrap(err, "index read failed")
	}
	if node != nil {
		return node, nil
	}
	dk, err := dirKey(path)
	if err != nil {
		return nil, err
	}
	node, err = d.store.Get(ctx, dk)
	if err != nil {
		return nil, errors.Wrap(err, "index read failed")
	}
	return node, nil
}

func (d *Driver) nodeItem(n *Node) fs.Item {
	item := fs.Item{
		Path:    strings.TrimSuffix(n.Path, "/"),
		Name:    n.Name,
		IsDir:   n.IsDir,
		Backend: d.name,
	}
	if n.IsDir && item.Path == "" {
		item.Path = "/"
	}
	if !n.IsDir {
		size := n.Size
		item.Size = &size
		item.MimeType = n.ContentType
	}
	if !n.ModifiedAt.IsZero() {
		t := n.ModifiedAt
		item.Modified = &t
	}
	return item
}

// Stat returns the index record at path.
func (d *Driver) Stat(ctx context.Context, path string) (*fs.Item, error) {
	if fs.IsRoot(path) {
		return &fs.Item{Path: "/", Name: "", IsDir: true, Backend: d.name}, nil
	}
	node, err := d.node(ctx, path)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fs.NotFound(path)
	}
	item := d.nodeItem(node)
	return &item, nil
}

// List lists the direct children recorded in the index.
func (d *Driver) List(ctx context.Context, path string, opt *fs.ListOptions) (*fs.Listing, error) {
	dk, err := dirKey(path)
	if err != nil {
		return nil, err
	}
	isRoot := fs.IsRoot(path)
	if !isRoot {
		node, err := d.store.Get(ctx, dk)
		if err != nil {
			return nil, errors.Wrap(err, "index read failed")
		}
		if node == nil {
			return nil, fs.NotFound(path)
		}
	}
	nodes, err := d.store.List(ctx, dk)
	if err != nil {
		return nil, errors.Wrap(err, "index list failed")
	}
	listing := &fs.Listing{IsRoot: isRoot, Items: make([]fs.Item, 0, len(nodes))}
	for _, n := range nodes {
		listing.Items = append(listing.Items, d.nodeItem(n))
	}
	return listing, nil
}

// fileNode returns the file node at path or a coded error.
func (d *Driver) fileNode(ctx context.Context, path string) (*Node, error) {
	node, err := d.node(ctx, path)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fs.NotFound(path)
	}
	if node.IsDir {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "%q is a directory", path)
	}
	return node, nil
}

// Download returns a stream descriptor resolving the node's content
// ref. Both ref kinds are slice safe, so a 200 answer to a ranged CDN
// request is cut down in software.
func (d *Driver) Download(ctx context.Context, path string) (*fs.Stream, error) {
	node, err := d.fileNode(ctx, path)
	if err != nil {
		return nil, err
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(node.ContentRef, &probe); err != nil {
		return nil, fs.Errf(fs.CodeInvalidJSON, 502, "discord: bad content ref for %q", path).WithCause(err)
	}
	switch probe.Kind {
	case RefKindAttachment:
		ref := new(AttachmentRef)
		if err := json.Unmarshal(node.ContentRef, ref); err != nil {
			return nil, fs.Errf(fs.CodeInvalidJSON, 502, "discord: bad content ref for %q", path).WithCause(err)
		}
		return d.attachmentStream(node, ref), nil
	case RefKindChunks:
		ref := new(ChunksRef)
		if err := json.Unmarshal(node.ContentRef, ref); err != nil {
			return nil, fs.Errf(fs.CodeInvalidJSON, 502, "discord: bad content ref for %q", path).WithCause(err)
		}
		return d.chunksStream(node, ref)
	default:
		return nil, fs.Errf(fs.CodeInvalidResponse, 502, "discord: unknown content ref kind %q", probe.Kind)
	}
}

func (d *Driver) attachmentStream(node *Node, ref *AttachmentRef) *fs.Stream {
	size := ref.Size
	s := &fs.Stream{
		Size:          &size,
		ContentType:   ref.ContentType,
		SupportsRange: true,
		Fallback:      fs.FallbackHonor206,
	}
	if !node.ModifiedAt.IsZero() {
		t := node.ModifiedAt
		s.LastModified = &t
	}
	s.OpenFull = func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := d.openAttachment(ctx, node, ref, nil)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	s.OpenRange = func(ctx context.Context, r fs.Range) (*fs.StreamBody, error) {
		resp, err := d.openAttachment(ctx, node, ref, &r)
		if err != nil {
			return nil, err
		}
		return &fs.StreamBody{
			Body:      resp.Body,
			Satisfied: resp.StatusCode == http.StatusPartialContent,
		}, nil
	}
	s.OpenHead = func(ctx context.Context) (*fs.StreamHead, error) {
		head := &fs.StreamHead{Size: &size, ContentType: ref.ContentType}
		head.LastModified = s.LastModified
		return head, nil
	}
	return s
}

// openAttachment fetches the attachment, optionally ranged. Signed CDN
// URLs expire; a 403 or 404 is answered by re-reading the message once
// for a fresh URL.
func (d *Driver) openAttachment(ctx context.Context, node *Node, ref *AttachmentRef, rng *fs.Range) (*http.Response, error) {
	fetchURL := ref.URL
	for attempt := 0; ; attempt++ {
		opts := rest.Opts{Method: "GET", RootURL: fetchURL}
		if rng != nil {
			opts.ExtraHeaders = map[string]string{"Range": rng.Header()}
		}
		var resp *http.Response
		err := d.pacer.Call(func() (bool, error) {
			var err error
			resp, err = d.cdn.Call(ctx, &opts)
			return d.shouldRetry(ctx, resp, err)
		})
		if err == nil {
			return resp, nil
		}
		stale := resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound)
		if !stale || attempt > 0 {
			return nil, errors.Wrapf(err, "attachment fetch failed for %q", node.Path)
		}
		fresh, err := d.refreshAttachmentURL(ctx, node, ref)
		if err != nil {
			return nil, err
		}
		fetchURL = fresh
	}
}

// refreshAttachmentURL re-reads the backing message and returns the
// current signed URL, persisting it into the index best effort.
func (d *Driver) refreshAttachmentURL(ctx context.Context, node *Node, ref *AttachmentRef) (string, error) {
	att, err := d.fetchAttachment(ctx, ref.ChannelID, ref.MessageID, ref.AttachmentID, node.Path)
	if err != nil {
		return "", err
	}
	ref.URL = att.URL
	if data, err := json.Marshal(ref); err == nil {
		node.ContentRef = data
		if err := d.store.Put(ctx, node); err != nil {
			fs.Debugf(d, "couldn't persist refreshed url for %q: %v", node.Path, err)
		}
	}
	return att.URL, nil
}

// fetchAttachment reads one message and picks the attachment out of it.
// A missing message means the backing storage is gone.
func (d *Driver) fetchAttachment(ctx context.Context, channelID, messageID, attachmentID, path string) (*api.Attachment, error) {
	if channelID == "" {
		channelID = d.opt.ChannelID
	}
	var msg api.Message
	opts := rest.Opts{Method: "GET", Path: "/channels/" + channelID + "/messages/" + messageID}
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &msg)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, mapError(err, path)
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == attachmentID {
			return &msg.Attachments[i], nil
		}
	}
	return nil, fs.NotFound(path).WithDetail("message_id", messageID)
}

// span is one chunk placed at its absolute offsets.
type span struct {
	part  *ChunkPart
	start int64
	end   int64 // inclusive
}

// chunkSpans lays the parts out by offset, deriving offsets from the
// part sizes when the ref doesn't carry them.
func chunkSpans(ref *ChunksRef) ([]span, error) {
	parts := make([]*ChunkPart, len(ref.Parts))
	for i := range ref.Parts {
		parts[i] = &ref.Parts[i]
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNo < parts[j].PartNo })
	spans := make([]span, 0, len(parts))
	offset := int64(0)
	for _, p := range parts {
		sp := span{part: p}
		switch {
		case p.ByteEnd > 0 && p.ByteEnd >= p.ByteStart:
			sp.start, sp.end = p.ByteStart, p.ByteEnd
		case p.Size > 0:
			sp.start, sp.end = offset, offset+p.Size-1
		default:
			return nil, fs.Errf(fs.CodeInvalidResponse, 502, "discord: chunk %d has no size", p.PartNo)
		}
		spans = append(spans, sp)
		offset = sp.end + 1
	}
	return spans, nil
}

func (d *Driver) chunksStream(node *Node, ref *ChunksRef) (*fs.Stream, error) {
	spans, err := chunkSpans(ref)
	if err != nil {
		return nil, err
	}
	size := ref.Size
	if size == 0 && len(spans) > 0 {
		size = spans[len(spans)-1].end + 1
	}
	s := &fs.Stream{
		Size:          &size,
		ContentType:   ref.ContentType,
		SupportsRange: true,
		Fallback:      fs.FallbackHonor206,
	}
	if !node.ModifiedAt.IsZero() {
		t := node.ModifiedAt
		s.LastModified = &t
	}
	s.OpenFull = func(ctx context.Context) (io.ReadCloser, error) {
		return d.newChunkReader(ctx, node, ref, spans, fs.Range{Start: 0, End: -1}), nil
	}
	s.OpenRange = func(ctx context.Context, r fs.Range) (*fs.StreamBody, error) {
		return &fs.StreamBody{
			Body:      d.newChunkReader(ctx, node, ref, spans, r),
			Satisfied: true,
		}, nil
	}
	s.OpenHead = func(ctx context.Context) (*fs.StreamHead, error) {
		head := &fs.StreamHead{Size: &size, ContentType: ref.ContentType}
		head.LastModified = s.LastModified
		return head, nil
	}
	return s, nil
}

// chunkReader reads the requested range by opening the covering chunks
// one at a time.
type chunkReader struct {
	ctx   context.Context
	d     *Driver
	node  *Node
	ref   *ChunksRef
	spans []span
	want  fs.Range
	idx   int
	cur   io.ReadCloser
}

func (d *Driver) newChunkReader(ctx context.Context, node *Node, ref *ChunksRef, spans []span, want fs.Range) *chunkReader {
	return &chunkReader{ctx: ctx, d: d, node: node, ref: ref, spans: spans, want: want}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur != nil {
			n, err := r.cur.Read(p)
			if err == io.EOF {
				_ = r.cur.Close()
				r.cur = nil
				r.idx++
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		if r.idx >= len(r.spans) {
			return 0, io.EOF
		}
		sp := r.spans[r.idx]
		if sp.end < r.want.Start || (r.want.End >= 0 && sp.start > r.want.End) {
			r.idx++
			continue
		}
		local := fs.Range{Start: 0, End: sp.end - sp.start}
		if r.want.Start > sp.start {
			local.Start = r.want.Start - sp.start
		}
		if r.want.End >= 0 && r.want.End < sp.end {
			local.End = r.want.End - sp.start
		}
		body, err := r.d.openChunk(r.ctx, r.node, r.ref, sp.part, local)
		if err != nil {
			return 0, err
		}
		r.cur = body
	}
}

func (r *chunkReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// openChunk fetches one chunk for the local byte range, refreshing a
// stale or missing URL through the message API and slicing a 200
// answer down in software.
func (d *Driver) openChunk(ctx context.Context, node *Node, ref *ChunksRef, part *ChunkPart, local fs.Range) (io.ReadCloser, error) {
	fetchURL := part.URL
	refreshed := false
	for {
		if fetchURL == "" {
			fresh, err := d.refreshChunkURL(ctx, node, ref, part)
			if err != nil {
				return nil, err
			}
			fetchURL = fresh
			refreshed = true
		}
		opts := rest.Opts{
			Method:       "GET",
			RootURL:      fetchURL,
			ExtraHeaders: map[string]string{"Range": local.Header()},
		}
		var resp *http.Response
		err := d.pacer.Call(func() (bool, error) {
			var err error
			resp, err = d.cdn.Call(ctx, &opts)
			return d.shouldRetry(ctx, resp, err)
		})
		if err == nil {
			if resp.StatusCode == http.StatusPartialContent {
				return resp.Body, nil
			}
			return fs.SliceBody(resp.Body, local), nil
		}
		stale := resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound)
		if !stale || refreshed {
			return nil, errors.Wrapf(err, "chunk %d fetch failed for %q", part.PartNo, node.Path)
		}
		fetchURL = ""
	}
}

// refreshChunkURL re-reads the chunk's message and persists the fresh
// URL into the whole ref best effort.
func (d *Driver) refreshChunkURL(ctx context.Context, node *Node, ref *ChunksRef, part *ChunkPart) (string, error) {
	channelID := part.ChannelID
	if channelID == "" {
		channelID = ref.ChannelID
	}
	att, err := d.fetchAttachment(ctx, channelID, part.MessageID, part.AttachmentID, node.Path)
	if err != nil {
		return "", err
	}
	part.URL = att.URL
	if data, err := json.Marshal(ref); err == nil {
		node.ContentRef = data
		if err := d.store.Put(ctx, node); err != nil {
			fs.Debugf(d, "couldn't persist refreshed chunk url for %q: %v", node.Path, err)
		}
	}
	return att.URL, nil
}

// DirectLink is refused: attachment URLs are signed and expire, so
// there is nothing stable to hand a browser.
func (d *Driver) DirectLink(ctx context.Context, path string, opt *fs.LinkOptions) (*fs.Link, error) {
	return nil, fs.Errf(fs.CodeDirectLinkNotAvailable, 403, "attachment links expire; use the proxy")
}

// ProxyLink mints a proxy URL for path.
func (d *Driver) ProxyLink(ctx context.Context, path string) (*fs.Link, error) {
	return d.env.ProxyLinkFor(d.name, path), nil
}

// sniffContentType detects the content type from the stream head when
// the caller didn't say, handing back a reader with the head restored.
func sniffContentType(in io.Reader, contentType string) (io.Reader, string, error) {
	if contentType != "" {
		return in, contentType, nil
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(in, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, "", err
	}
	head = head[:n]
	detected := mimetype.Detect(head).String()
	return io.MultiReader(bytes.NewReader(head), in), detected, nil
}

// postAttachment creates one message carrying in as its attachment.
// Uploads are never retried: a failed response doesn't prove the
// message wasn't created, and a blind retry would duplicate storage.
func (d *Driver) postAttachment(ctx context.Context, filename, contentType string, in io.Reader, size int64) (*api.Message, *api.Attachment, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fs.Aborted(err)
	}
	defer d.sem.Release(1)
	payload, err := json.Marshal(api.CreateMessagePayload{
		Attachments: []api.PayloadAttachment{{ID: 0, Filename: filename}},
	})
	if err != nil {
		return nil, nil, err
	}
	opts := rest.Opts{
		Method:               "POST",
		Path:                 "/channels/" + d.opt.ChannelID + "/messages",
		Body:                 in,
		MultipartParams:      url.Values{"payload_json": {string(payload)}},
		MultipartContentName: "files[0]",
		MultipartFileName:    filename,
	}
	if size >= 0 {
		opts.ContentLength = &size
	}
	var msg api.Message
	err = d.pacer.CallNoRetry(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &msg)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, nil, mapError(errors.Wrap(err, "message upload failed"), filename)
	}
	if len(msg.Attachments) == 0 {
		return nil, nil, fs.Errf(fs.CodeInvalidResponse, 502, "discord: message created without attachment")
	}
	att := msg.Attachments[0]
	if att.ContentType == "" {
		att.ContentType = contentType
	}
	return &msg, &att, nil
}

// putNodeDurable writes node into the index, retrying with backoff.
// The bytes are already durable upstream when this runs, so exhausting
// the retries raises a code the transport must never answer with a
// re-upload.
func (d *Driver) putNodeDurable(ctx context.Context, node *Node, messageID string) error {
	var err error
	for attempt := 0; attempt < indexRetries; attempt++ {
		if err = d.store.Put(ctx, node); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		fs.Debugf(d, "index write for %q failed (attempt %d/%d): %v", node.Path, attempt+1, indexRetries, err)
		time.Sleep(indexRetrySleep << uint(attempt))
	}
	return fs.Errf(fs.CodeDiscordIndexWriteFailed, 502,
		"upload is stored in message %s but the index write failed; do not re-upload", messageID).
		WithCause(err).
		WithDetail("message_id", messageID).
		WithDetail("channel_id", d.opt.ChannelID)
}

// ensureParentDirs materializes the ancestor directory nodes of path.
func (d *Driver) ensureParentDirs(ctx context.Context, path string) error {
	var missing []string
	for dir := fs.ParentPath(path); !fs.IsRoot(dir); dir = fs.ParentPath(dir) {
		dk, err := dirKey(dir)
		if err != nil {
			return err
		}
		node, err := d.store.Get(ctx, dk)
		if err != nil {
			return errors.Wrap(err, "index read failed")
		}
		if node != nil {
			break
		}
		missing = append(missing, dk)
	}
	// create top down
	for i := len(missing) - 1; i >= 0; i-- {
		now := time.Now()
		err := d.store.Put(ctx, &Node{
			Path:       missing[i],
			Name:       fs.LeafName(missing[i]),
			IsDir:      true,
			CreatedAt:  now,
			ModifiedAt: now,
		})
		if err != nil {
			return errors.Wrap(err, "index write failed")
		}
	}
	return nil
}

// Upload stores in as a single attachment. Content above the
// attachment cap must go through the chunked multipart path.
func (d *Driver) Upload(ctx context.Context, path string, in io.Reader, opt *fs.UploadOptions) (*fs.UploadResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	fk, err := fileKey(path)
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = &fs.UploadOptions{ContentLength: -1}
	}
	size := opt.ContentLength
	if size > d.maxAttachment {
		return nil, fs.Errf(fs.CodeFileTooLarge, 413, "%d bytes is over the %d byte attachment limit, use a multipart upload", size, d.maxAttachment)
	}
	filename := opt.Filename
	if filename == "" {
		filename = fs.LeafName(fk)
	}
	in, contentType, err := sniffContentType(in, opt.ContentType)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		// size unknown: buffer up to the cap so oversize input fails
		// before any message is created
		data, err := io.ReadAll(io.LimitReader(in, d.maxAttachment+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > d.maxAttachment {
			return nil, fs.Errf(fs.CodeFileTooLarge, 413, "content is over the %d byte attachment limit, use a multipart upload", d.maxAttachment)
		}
		size = int64(len(data))
		in = bytes.NewReader(data)
	}
	msg, att, err := d.postAttachment(ctx, filename, contentType, in, size)
	if err != nil {
		return nil, err
	}
	if err := d.ensureParentDirs(ctx, fk); err != nil {
		return nil, err
	}
	ref := AttachmentRef{
		Kind:         RefKindAttachment,
		ChannelID:    d.opt.ChannelID,
		MessageID:    msg.ID,
		AttachmentID: att.ID,
		URL:          att.URL,
		Size:         att.Size,
		ContentType:  att.ContentType,
		Filename:     att.Filename,
	}
	refData, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	created := now
	if prev, err := d.store.Get(ctx, fk); err == nil && prev != nil {
		created = prev.CreatedAt
	}
	node := &Node{
		Path:        fk,
		Name:        fs.LeafName(fk),
		Size:        att.Size,
		ContentType: att.ContentType,
		CreatedAt:   created,
		ModifiedAt:  now,
		ContentRef:  refData,
	}
	if err := d.putNodeDurable(ctx, node, msg.ID); err != nil {
		return nil, err
	}
	return &fs.UploadResult{StoragePath: path}, nil
}

// Update overwrites the file at path. The old message stays in the
// channel; only the index moves to the new attachment.
func (d *Driver) Update(ctx context.Context, path string, in io.Reader, size int64) (*fs.UpdateResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	if _, err := d.fileNode(ctx, path); err != nil {
		return nil, err
	}
	if _, err := d.Upload(ctx, path, in, &fs.UploadOptions{ContentLength: size}); err != nil {
		return nil, err
	}
	return &fs.UpdateResult{Path: path}, nil
}

// Mkdir records a directory node in the index.
func (d *Driver) Mkdir(ctx context.Context, path string) (*fs.MkdirResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	dk, err := dirKey(path)
	if err != nil {
		return nil, err
	}
	if fs.IsRoot(dk) {
		return &fs.MkdirResult{Path: path, AlreadyExisted: true}, nil
	}
	existing, err := d.store.Get(ctx, dk)
	if err != nil {
		return nil, errors.Wrap(err, "index read failed")
	}
	if existing != nil {
		return &fs.MkdirResult{Path: path, AlreadyExisted: true}, nil
	}
	if err := d.ensureParentDirs(ctx, dk); err != nil {
		return nil, err
	}
	now := time.Now()
	err = d.store.Put(ctx, &Node{
		Path:       dk,
		Name:       fs.LeafName(dk),
		IsDir:      true,
		CreatedAt:  now,
		ModifiedAt: now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "index write failed")
	}
	return &fs.MkdirResult{Path: path}, nil
}

// keyFor resolves path into its index key, looking at what actually
// exists so directories keep their trailing slash.
func (d *Driver) keyFor(ctx context.Context, path string) (key string, isDir bool, err error) {
	node, err := d.node(ctx, path)
	if err != nil {
		return "", false, err
	}
	if node == nil {
		return "", false, fs.NotFound(path)
	}
	return node.Path, node.IsDir, nil
}

// Rename moves src to dst in the index only; the channel messages are
// untouched.
func (d *Driver) Rename(ctx context.Context, src, dst string) (*fs.TransferResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	if fs.IsRoot(src) || fs.IsRoot(dst) {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "refusing to move the root")
	}
	srcKey, isDir, err := d.keyFor(ctx, src)
	if err != nil {
		return nil, err
	}
	dstKey, err := fs.NormalizePath(dst, isDir)
	if err != nil {
		return nil, err
	}
	if existing, err := d.node(ctx, dst); err != nil {
		return nil, err
	} else if existing != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, nil
	}
	if err := d.ensureParentDirs(ctx, dstKey); err != nil {
		return nil, err
	}
	if err := d.store.Move(ctx, srcKey, dstKey); err != nil {
		return nil, errors.Wrap(err, "index move failed")
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Copy duplicates the index nodes for src under dst. The copies share
// the same backing attachments.
func (d *Driver) Copy(ctx context.Context, src, dst string, opt *fs.CopyOptions) (*fs.TransferResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	if fs.IsRoot(src) || fs.IsRoot(dst) {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "refusing to copy the root")
	}
	srcKey, isDir, err := d.keyFor(ctx, src)
	if err != nil {
		return nil, err
	}
	dstKey, err := fs.NormalizePath(dst, isDir)
	if err != nil {
		return nil, err
	}
	if existing, err := d.node(ctx, dst); err != nil {
		return nil, err
	} else if existing != nil {
		if opt != nil && opt.SkipExisting {
			return &fs.TransferResult{Status: fs.TransferSkipped}, nil
		}
		return &fs.TransferResult{Status: fs.TransferFailed}, nil
	}
	if err := d.ensureParentDirs(ctx, dstKey); err != nil {
		return nil, err
	}
	if err := d.copyTree(ctx, srcKey, dstKey); err != nil {
		return nil, err
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

func (d *Driver) copyTree(ctx context.Context, srcKey, dstKey string) error {
	node, err := d.store.Get(ctx, srcKey)
	if err != nil {
		return errors.Wrap(err, "index read failed")
	}
	if node == nil {
		return fs.NotFound(srcKey)
	}
	dup := *node
	dup.Path = dstKey
	dup.Name = fs.LeafName(dstKey)
	if err := d.store.Put(ctx, &dup); err != nil {
		return errors.Wrap(err, "index write failed")
	}
	if !node.IsDir {
		return nil
	}
	children, err := d.store.List(ctx, srcKey)
	if err != nil {
		return errors.Wrap(err, "index list failed")
	}
	for _, child := range children {
		if err := d.copyTree(ctx, child.Path, dstKey+child.Path[len(srcKey):]); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the given paths from the index. Backing messages stay
// in the channel.
func (d *Driver) Remove(ctx context.Context, paths, display []string) (*fs.RemoveResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	result := &fs.RemoveResult{}
	for i, path := range paths {
		disp := path
		if display != nil {
			disp = display[i]
		}
		if fs.IsRoot(path) {
			err := fs.Errf(fs.CodeInvalidPath, 400, "refusing to delete the root")
			result.Failed = append(result.Failed, fs.RemoveFailure{Path: path, Display: disp, Message: err.Error()})
			continue
		}
		key, _, err := d.keyFor(ctx, path)
		if err != nil {
			result.Failed = append(result.Failed, fs.RemoveFailure{Path: path, Display: disp, Message: err.Error()})
			continue
		}
		if err := d.store.Delete(ctx, key); err != nil {
			result.Failed = append(result.Failed, fs.RemoveFailure{Path: path, Display: disp, Message: err.Error()})
			continue
		}
		result.Success = append(result.Success, disp)
	}
	return result, nil
}
