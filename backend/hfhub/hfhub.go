// Package hfhub provides a driver for dataset hub repositories backed
// by Git + LFS, speaking the hub's HTTP APIs.
package hfhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yakongxing/cloudpaste/backend/hfhub/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/fs/fserrors"
	"github.com/yakongxing/cloudpaste/fs/fshttp"
	"github.com/yakongxing/cloudpaste/lib/pacer"
	"github.com/yakongxing/cloudpaste/lib/rest"
)

const (
	defaultEndpoint = "https://huggingface.co"
	defaultRevision = "main"

	minSleep      = 10 * time.Millisecond
	maxSleep      = 30 * time.Second
	decayConstant = 2

	// tree pages cache briefly so paging back and forth doesn't
	// re-fetch; refs and paths-info have their own windows
	treeCacheTTL      = 10 * time.Second
	refsCacheTTL      = 60 * time.Second
	pathsInfoCacheTTL = 30 * time.Second

	pathsInfoBatchSize   = 200
	pathsInfoConcurrency = 2

	// the backend pages at 100 entries when expand is requested, 1000
	// otherwise
	treeLimitExpand = 100
	treeLimit       = 1000
)

func init() {
	fs.Register(&fs.RegInfo{
		Type:        "hfhub",
		Description: "Dataset hub repository (Git + LFS)",
		NewDriver:   NewDriver,
	})
}

// Options defines the configuration for this backend
type Options struct {
	RepoID            string `json:"repo_id"`             // "owner/name"
	RepoType          string `json:"repo_type,omitempty"` // dataset (default), model or space
	Revision          string `json:"revision,omitempty"`
	Endpoint          string `json:"endpoint,omitempty"`
	Token             string `json:"token,omitempty"`
	UseXet            bool   `json:"use_xet,omitempty"`
	DeleteLFSOnRemove bool   `json:"delete_lfs_on_remove,omitempty"`
}

// Driver maps the driver contract onto one hub repository at one
// revision.
type Driver struct {
	name     string
	opt      Options
	env      *fs.Env
	features *fs.Features
	srv      *rest.Client
	plain    *rest.Client // unauthenticated, for presigned URLs
	pacer    *pacer.Pacer
	token    string

	revIsCommit bool
	private     bool
	gated       bool

	treeCache  *gocache.Cache // tree pages
	pathsCache *gocache.Cache // paths-info batches
	refsCache  *gocache.Cache // refs probe
	refsGroup  singleflight.Group

	mu sync.Mutex // guards multipart session bookkeeping
}

var commitIDRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// NewDriver constructs an uninitialized hub driver.
func NewDriver(ctx context.Context, cfg fs.DriverConfig, env *fs.Env) (fs.Driver, error) {
	opt := Options{}
	if err := cfg.DecodeOptions(&opt); err != nil {
		return nil, err
	}
	if opt.RepoID == "" || !strings.Contains(opt.RepoID, "/") {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "hfhub: repo_id must be \"owner/name\"")
	}
	switch opt.RepoType {
	case "", "dataset", "model", "space":
	default:
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "hfhub: unknown repo_type %q", opt.RepoType)
	}
	if opt.RepoType == "" {
		opt.RepoType = "dataset"
	}
	if opt.Revision == "" {
		opt.Revision = defaultRevision
	}
	if opt.Endpoint == "" {
		opt.Endpoint = defaultEndpoint
	}
	opt.Endpoint = strings.TrimRight(opt.Endpoint, "/")
	return &Driver{
		name:        cfg.Name,
		opt:         opt,
		env:         env,
		features:    &fs.Features{},
		pacer:       pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant),
		revIsCommit: commitIDRe.MatchString(opt.Revision),
		treeCache:   gocache.New(treeCacheTTL, time.Minute),
		pathsCache:  gocache.New(pathsInfoCacheTTL, time.Minute),
		refsCache:   gocache.New(refsCacheTTL, 5*time.Minute),
	}, nil
}

// Name returns the configured instance name.
func (d *Driver) Name() string { return d.name }

// Type returns the backend type.
func (d *Driver) Type() string { return "hfhub" }

// Features returns the capability set.
func (d *Driver) Features() *fs.Features { return d.features }

// String returns a description of the driver for logs
func (d *Driver) String() string {
	return "hfhub " + d.opt.RepoType + " '" + d.opt.RepoID + "@" + d.opt.Revision + "'"
}

// apiBase is the API path prefix for this repository
func (d *Driver) apiBase() string {
	return "/api/" + d.opt.RepoType + "s/" + d.opt.RepoID
}

// repoPrefix is the web path prefix for resolve and LFS URLs
func (d *Driver) repoPrefix() string {
	switch d.opt.RepoType {
	case "dataset":
		return "/datasets/" + d.opt.RepoID
	case "space":
		return "/spaces/" + d.opt.RepoID
	}
	return "/" + d.opt.RepoID
}

// resolveURL is the content URL for a file at the configured revision
func (d *Driver) resolveURL(path string) string {
	return d.opt.Endpoint + d.repoPrefix() + "/resolve/" + url.PathEscape(d.opt.Revision) + "/" + fs.EscapePath(fs.SubPath(path))
}

// errorHandler parses a non 2xx error response into an *api.Error
func errorHandler(resp *http.Response) error {
	body, err := rest.ReadBody(resp)
	if err != nil {
		return errors.Wrap(err, "error reading error body")
	}
	apiErr := new(api.Error)
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
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

func (d *Driver) shouldRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if fserrors.ContextError(ctx, &err) {
		return false, err
	}
	if fserrors.ShouldRetryHTTP(resp, retryErrorCodes) {
		if after := fserrors.RetryAfterFromResponse(resp); after > 0 {
			return true, fserrors.NewErrorRetryAfter(after)
		}
		return true, err
	}
	return fserrors.ShouldRetry(err), err
}

// statusIs reports whether err is an upstream error with the given code
func statusIs(err error, statusCode int) bool {
	apiErr := new(api.Error)
	return errors.As(err, &apiErr) && apiErr.StatusCode == statusCode
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
			return fs.Errf(fs.CodeTokenRequired, 401, "hub: authentication required").WithCause(err)
		case http.StatusForbidden:
			return fs.Errf(fs.CodeForbidden, 403, "hub: access denied").WithCause(err)
		case http.StatusTooManyRequests:
			return fs.Errf(fs.CodeTooManyRequests, 429, "hub: rate limited").WithCause(err)
		}
	}
	return err
}

// Init resolves the token, probes repository metadata and computes the
// capability set. The set is optimistic about writability; the lazy
// refs probe may downgrade it later.
func (d *Driver) Init(ctx context.Context) error {
	token, err := d.env.ResolveCredential(ctx, d.opt.Token)
	if err != nil {
		return err
	}
	d.token = token
	client := fshttp.NewClient(&fshttp.Options{})
	d.srv = rest.NewClient(client).SetRoot(d.opt.Endpoint)
	d.srv.SetErrorHandler(errorHandler)
	if token != "" {
		d.srv.SetHeader("Authorization", "Bearer "+token)
	}
	// presigned storage URLs must not see the token
	d.plain = rest.NewClient(fshttp.NewClient(&fshttp.Options{}))

	var info api.RepoInfo
	opts := rest.Opts{Method: "GET", Path: d.apiBase()}
	err = d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &info)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return mapError(err, d.opt.RepoID)
	}
	d.private = info.Private
	d.gated = info.IsGated()

	d.features.Set(fs.CapReader | fs.CapDirectLink | fs.CapProxy | fs.CapPagedList)
	switch {
	case d.revIsCommit:
		d.features.ReadOnlyReason = "revision " + d.opt.Revision + " is a commit id and cannot be written"
	case d.token == "":
		d.features.ReadOnlyReason = "a token with write access is required"
	default:
		d.features.Set(fs.CapWriter | fs.CapAtomic | fs.CapMultipart)
	}
	return nil
}

// refs fetches the repository references, single-flighted and cached.
func (d *Driver) refs(ctx context.Context) (*api.RefsResponse, error) {
	if cached, ok := d.refsCache.Get("refs"); ok {
		return cached.(*api.RefsResponse), nil
	}
	v, err, _ := d.refsGroup.Do("refs", func() (interface{}, error) {
		var refs api.RefsResponse
		opts := rest.Opts{Method: "GET", Path: d.apiBase() + "/refs"}
		err := d.pacer.Call(func() (bool, error) {
			resp, err := d.srv.CallJSON(ctx, &opts, nil, &refs)
			return d.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return nil, err
		}
		d.refsCache.SetDefault("refs", &refs)
		return &refs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.RefsResponse), nil
}

// checkWritableRef refuses writes to revisions that aren't branches.
// A refs probe failure does not block the write; the backend rejects
// truly unwritable revisions anyway.
func (d *Driver) checkWritableRef(ctx context.Context) error {
	if err := d.features.CheckWritable(); err != nil {
		if d.revIsCommit {
			return fs.Errf(fs.CodeRevisionNotWritable, 403, "%s", d.features.ReadOnlyReason)
		}
		return err
	}
	refs, err := d.refs(ctx)
	if err != nil {
		fs.Debugf(d, "Refs probe failed, letting the write through: %v", err)
		return nil
	}
	for _, b := range refs.Branches {
		if b.Name == d.opt.Revision {
			return nil
		}
	}
	for _, t := range refs.Tags {
		if t.Name == d.opt.Revision {
			return fs.Errf(fs.CodeRevisionNotWritable, 403, "revision %q is a tag and cannot be written", d.opt.Revision)
		}
	}
	// unknown revision: let the backend decide
	return nil
}

// parseNextCursor extracts the cursor of the rel="next" link from a
// Link header
func parseNextCursor(linkHeader string) string {
	for _, part := range strings.Split(linkHeader, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start < 0 || end <= start {
			continue
		}
		u, err := url.Parse(part[start+1 : end])
		if err != nil {
			continue
		}
		return u.Query().Get("cursor")
	}
	return ""
}

// treePage is one fetched page of a tree listing
type treePage struct {
	Entries    []api.TreeEntry
	NextCursor string
}

// fetchTreePage fetches one page of the tree listing, cached briefly
// unless refresh is set.
func (d *Driver) fetchTreePage(ctx context.Context, path string, expand, recursive bool, limit int, cursor string, refresh bool) (*treePage, error) {
	key := fmt.Sprintf("tree|%s|%v|%v|%d|%s", path, expand, recursive, limit, cursor)
	if !refresh {
		if cached, ok := d.treeCache.Get(key); ok {
			return cached.(*treePage), nil
		}
	}
	treePath := d.apiBase() + "/tree/" + url.PathEscape(d.opt.Revision)
	if sub := fs.SubPath(path); sub != "" {
		treePath += "/" + fs.EscapePath(sub)
	}
	params := url.Values{}
	params.Set("limit", fmt.Sprint(limit))
	if expand {
		params.Set("expand", "true")
	}
	if recursive {
		params.Set("recursive", "true")
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	opts := rest.Opts{
		Method:     "GET",
		Path:       treePath,
		Parameters: params,
	}
	var entries []api.TreeEntry
	var resp *http.Response
	err := d.pacer.Call(func() (bool, error) {
		var err error
		resp, err = d.srv.CallJSON(ctx, &opts, nil, &entries)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		// invalid-limit rejections come back verbatim
		if statusIs(err, http.StatusBadRequest) {
			return nil, fs.Errf(fs.CodeInvalidConfig, 400, "%v", err).WithCause(err)
		}
		return nil, mapError(err, path)
	}
	page := &treePage{
		Entries:    entries,
		NextCursor: parseNextCursor(resp.Header.Get("Link")),
	}
	d.treeCache.SetDefault(key, page)
	return page, nil
}

// entryToItem converts a tree entry to an Item. LFS entries report the
// logical content size, not the pointer size.
func (d *Driver) entryToItem(e *api.TreeEntry) fs.Item {
	isDir := e.Type == "directory"
	item := fs.Item{
		Path:    "/" + e.Path,
		Name:    fs.LeafName("/" + e.Path),
		IsDir:   isDir,
		Backend: d.name,
	}
	if isDir {
		item.Path += "/"
	} else {
		size := e.Size
		etag := e.OID
		if e.LFS != nil {
			size = e.LFS.Size
			etag = e.LFS.OID
		}
		item.Size = &size
		item.ETag = etag
	}
	if e.LastCommit != nil {
		t := e.LastCommit.Date
		item.Modified = &t
	}
	return item
}

// List lists the directory at path. Non-paged calls walk the cursor
// chain; a repeating cursor terminates the walk.
func (d *Driver) List(ctx context.Context, path string, opt *fs.ListOptions) (*fs.Listing, error) {
	path, err := fs.NormalizePath(path, true)
	if err != nil {
		return nil, err
	}
	if opt == nil {
		opt = &fs.ListOptions{}
	}
	limit := opt.Limit
	if limit <= 0 {
		limit = treeLimit
	}
	listing := &fs.Listing{IsRoot: fs.IsRoot(path)}
	if opt.Paged {
		page, err := d.fetchTreePage(ctx, path, false, false, limit, opt.Cursor, opt.Refresh)
		if err != nil {
			return nil, err
		}
		for i := range page.Entries {
			listing.Items = append(listing.Items, d.entryToItem(&page.Entries[i]))
		}
		listing.NextCursor = page.NextCursor
		listing.HasMore = page.NextCursor != ""
		return listing, nil
	}
	seen := map[string]bool{}
	cursor := ""
	for {
		if cursor != "" && seen[cursor] {
			fs.Debugf(d, "Cursor %q repeated, stopping pagination", cursor)
			break
		}
		seen[cursor] = true
		page, err := d.fetchTreePage(ctx, path, false, false, limit, cursor, opt.Refresh)
		if err != nil {
			return nil, err
		}
		for i := range page.Entries {
			listing.Items = append(listing.Items, d.entryToItem(&page.Entries[i]))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return listing, nil
}

// pathsInfo queries file metadata for a set of repo-relative paths in
// batches, two in flight at a time, with a short cache.
func (d *Driver) pathsInfo(ctx context.Context, paths []string, expand bool) (map[string]*api.TreeEntry, error) {
	out := make(map[string]*api.TreeEntry, len(paths))
	var mu sync.Mutex
	var misses []string
	authMode := "anon"
	if d.token != "" {
		authMode = "token"
	}
	keyFor := func(p string) string {
		return fmt.Sprintf("pi|%s|%v|%s", authMode, expand, p)
	}
	for _, p := range paths {
		if cached, ok := d.pathsCache.Get(keyFor(p)); ok {
			out[p] = cached.(*api.TreeEntry)
			continue
		}
		misses = append(misses, p)
	}
	if len(misses) == 0 {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pathsInfoConcurrency)
	for start := 0; start < len(misses); start += pathsInfoBatchSize {
		end := start + pathsInfoBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]
		g.Go(func() error {
			req := api.PathsInfoRequest{Paths: batch, Expand: expand}
			opts := rest.Opts{
				Method: "POST",
				Path:   d.apiBase() + "/paths-info/" + url.PathEscape(d.opt.Revision),
			}
			var entries []api.TreeEntry
			err := d.pacer.Call(func() (bool, error) {
				resp, err := d.srv.CallJSON(gctx, &opts, &req, &entries)
				return d.shouldRetry(gctx, resp, err)
			})
			if err != nil {
				return mapError(err, strings.Join(batch, ","))
			}
			mu.Lock()
			defer mu.Unlock()
			for i := range entries {
				e := &entries[i]
				out[e.Path] = e
				d.pathsCache.SetDefault(keyFor(e.Path), e)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// statEntry fetches the tree entry for one path, nil when absent
func (d *Driver) statEntry(ctx context.Context, path string) (*api.TreeEntry, error) {
	info, err := d.pathsInfo(ctx, []string{fs.SubPath(path)}, true)
	if err != nil {
		return nil, err
	}
	return info[fs.SubPath(path)], nil
}

// Stat returns the item at path.
func (d *Driver) Stat(ctx context.Context, path string) (*fs.Item, error) {
	path, err := fs.NormalizePath(path, fs.IsDirPath(path))
	if err != nil {
		return nil, err
	}
	if fs.IsRoot(path) {
		return &fs.Item{Path: "/", Name: "", IsDir: true, Backend: d.name}, nil
	}
	entry, err := d.statEntry(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fs.NotFound(path)
	}
	item := d.entryToItem(entry)
	return &item, nil
}

// Download returns a lazy stream descriptor for the file at path. The
// resolve endpoint honors Range so slicing passes straight through.
func (d *Driver) Download(ctx context.Context, path string) (*fs.Stream, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	item, err := d.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if item.IsDir {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "%q is a directory", path)
	}
	open := func(ctx context.Context, rng *fs.Range) (*http.Response, error) {
		opts := rest.Opts{
			Method:  "GET",
			RootURL: d.resolveURL(path),
		}
		if rng != nil {
			opts.ExtraHeaders = map[string]string{"Range": rng.Header()}
		}
		var resp *http.Response
		err := d.pacer.Call(func() (bool, error) {
			var err error
			resp, err = d.srv.Call(ctx, &opts)
			return d.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return nil, mapError(err, path)
		}
		return resp, nil
	}
	stream := &fs.Stream{
		Size:          item.Size,
		ETag:          item.ETag,
		LastModified:  item.Modified,
		SupportsRange: true,
		Fallback:      fs.FallbackHonor206,
	}
	stream.OpenFull = func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := open(ctx, nil)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	stream.OpenRange = func(ctx context.Context, r fs.Range) (*fs.StreamBody, error) {
		resp, err := open(ctx, &r)
		if err != nil {
			return nil, err
		}
		return &fs.StreamBody{
			Body:      resp.Body,
			Satisfied: resp.StatusCode == http.StatusPartialContent,
		}, nil
	}
	return stream, nil
}

// DirectLink returns the resolve URL for public repositories; private
// and gated ones need credentials no browser can present.
func (d *Driver) DirectLink(ctx context.Context, path string, opt *fs.LinkOptions) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	if d.private || d.gated {
		return nil, fs.Errf(fs.CodeDirectLinkNotAvailable, 403, "private or gated repository requires a token, use the proxy link")
	}
	link := d.resolveURL(path)
	if opt != nil && opt.ForceDownload {
		link += "?download=true"
	}
	return &fs.Link{URL: link, Kind: fs.LinkNativeDirect}, nil
}

// ProxyLink returns a proxy link for path.
func (d *Driver) ProxyLink(ctx context.Context, path string) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	return d.env.ProxyLinkFor(d.name, path), nil
}

// DirSummary is a bounded directory roll-up: file count and total
// logical bytes under a directory.
type DirSummary struct {
	Files int   `json:"files"`
	Dirs  int   `json:"dirs"`
	Bytes int64 `json:"bytes"`
	// Partial is set when the probe hit its directory or time budget
	// before finishing.
	Partial bool `json:"partial,omitempty"`
}

const (
	summaryMaxDirs = 200
	summaryTimeout = 5 * time.Second
	summaryMaxConc = 4
)

// Summarize walks the subtree under path with a small worker pool,
// bounded in time and breadth, and reports an approximate roll-up.
func (d *Driver) Summarize(ctx context.Context, path string) (*DirSummary, error) {
	path, err := fs.NormalizePath(path, true)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	summary := &DirSummary{}
	var mu sync.Mutex
	var visited int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryMaxConc)

	var walk func(dir string)
	walk = func(dir string) {
		g.Go(func() error {
			mu.Lock()
			if visited >= summaryMaxDirs {
				summary.Partial = true
				mu.Unlock()
				return nil
			}
			visited++
			mu.Unlock()
			listing, err := d.List(gctx, dir, nil)
			if err != nil {
				if gctx.Err() != nil {
					mu.Lock()
					summary.Partial = true
					mu.Unlock()
					return nil
				}
				return err
			}
			var subdirs []string
			mu.Lock()
			for _, item := range listing.Items {
				if item.IsDir {
					summary.Dirs++
					subdirs = append(subdirs, item.Path)
					continue
				}
				summary.Files++
				if item.Size != nil {
					summary.Bytes += *item.Size
				}
			}
			mu.Unlock()
			for _, sub := range subdirs {
				walk(sub)
			}
			return nil
		})
	}
	walk(path)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}

// numberedPartURLs extracts the multipart part URLs from an action
// header, ordered by their numeric keys ("00001", "00002", ...).
func numberedPartURLs(header map[string]string) []string {
	var keys []string
	for k := range header {
		if len(k) == 5 && strings.Trim(k, "0123456789") == "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	urls := make([]string, 0, len(keys))
	for _, k := range keys {
		urls = append(urls, header[k])
	}
	return urls
}
