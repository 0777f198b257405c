// Package github provides a driver exposing a git hosting repository as
// a read-write file system via the Contents and Git Database APIs.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/yakongxing/cloudpaste/backend/github/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/fs/fserrors"
	"github.com/yakongxing/cloudpaste/fs/fshttp"
	"github.com/yakongxing/cloudpaste/lib/cache"
	"github.com/yakongxing/cloudpaste/lib/gitref"
	"github.com/yakongxing/cloudpaste/lib/pacer"
	"github.com/yakongxing/cloudpaste/lib/readers"
	"github.com/yakongxing/cloudpaste/lib/rest"
)

const (
	apiRoot = "https://api.github.com"
	rawRoot = "https://raw.githubusercontent.com"

	apiVersion = "2022-11-28"

	minSleep      = 100 * time.Millisecond
	maxSleep      = 30 * time.Second
	decayConstant = 2
	readRetries   = 4

	// The blob API rejects files over 100 MiB; oversize inputs fail
	// before any bytes move.
	maxBlobSize = 100 * 1024 * 1024

	// gitkeep is the sentinel blob standing in for empty directories.
	gitkeep = ".gitkeep"

	// Contents API directory listings are capped at this many entries;
	// bigger directories are listed through the trees API.
	contentsListingLimit = 1000

	modifiedCacheSize = 1000
	treeShaCacheSize  = 500

	// minimum spacing between write pipelines
	writeInterval = time.Second

	submoduleMimeType = "application/x-git-submodule"
)

func init() {
	fs.Register(&fs.RegInfo{
		Type:        "github",
		Description: "Git hosting repository",
		NewDriver:   NewDriver,
	})
}

// Options defines the configuration for this backend
type Options struct {
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	Ref            string `json:"ref,omitempty"` // branch, tag or commit id; default branch if empty
	Token          string `json:"token,omitempty"`
	CDNProxy       string `json:"cdn_proxy,omitempty"` // rewrites the raw CDN host
	CommitterName  string `json:"committer_name,omitempty"`
	CommitterEmail string `json:"committer_email,omitempty"`
}

// Driver maps the driver contract onto one repository at one revision.
type Driver struct {
	name     string
	opt      Options
	env      *fs.Env
	features *fs.Features
	srv      *rest.Client
	cdn      *rest.Client // unauthenticated; raw CDN hosts never see the token
	pacer    *pacer.Pacer
	token    string
	ref      gitref.Ref
	private  bool
	repoPath string // "/repos/{owner}/{repo}"

	// Writes are serialized per instance and spaced by writeInterval so
	// concurrent commits can't race the ref fast-forward.
	writeMu      sync.Mutex
	writeLimiter *rate.Limiter

	modified *cache.Cache // path -> time.Time, last-modified lookups
	treeShas *cache.Cache // rootTree+dir -> tree sha
}

// NewDriver constructs an uninitialized github driver.
func NewDriver(ctx context.Context, cfg fs.DriverConfig, env *fs.Env) (fs.Driver, error) {
	opt := Options{}
	if err := cfg.DecodeOptions(&opt); err != nil {
		return nil, err
	}
	if opt.Owner == "" || opt.Repo == "" {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "github: owner and repo are required")
	}
	return &Driver{
		name:         cfg.Name,
		opt:          opt,
		env:          env,
		features:     &fs.Features{},
		repoPath:     "/repos/" + opt.Owner + "/" + opt.Repo,
		pacer:        pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant).SetRetries(readRetries),
		writeLimiter: rate.NewLimiter(rate.Every(writeInterval), 1),
		modified:     cache.New(modifiedCacheSize),
		treeShas:     cache.New(treeShaCacheSize),
	}, nil
}

// Name returns the configured instance name.
func (d *Driver) Name() string { return d.name }

// Type returns the backend type.
func (d *Driver) Type() string { return "github" }

// Features returns the capability set.
func (d *Driver) Features() *fs.Features { return d.features }

// String returns a description of the driver for logs
func (d *Driver) String() string {
	return "github repo '" + d.opt.Owner + "/" + d.opt.Repo + "@" + d.ref.Name + "'"
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

// shouldRetry decides whether a read deserves a retry. Rate limit
// answers carry the server's delay; the body retry_after dominates the
// headers.
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
			return fs.Errf(fs.CodeTokenRequired, 401, "github: bad or missing token").WithCause(err)
		case http.StatusForbidden:
			return fs.Errf(fs.CodeForbidden, 403, "github: access denied").WithCause(err)
		case http.StatusTooManyRequests:
			return fs.Errf(fs.CodeTooManyRequests, 429, "github: rate limited").WithCause(err)
		}
	}
	return err
}

// Init resolves the token, probes the repository and computes the
// capability set.
func (d *Driver) Init(ctx context.Context) error {
	token, err := d.env.ResolveCredential(ctx, d.opt.Token)
	if err != nil {
		return err
	}
	d.token = token
	client := fshttp.NewClient(&fshttp.Options{})
	d.srv = rest.NewClient(client).SetRoot(apiRoot)
	d.srv.SetErrorHandler(errorHandler)
	d.srv.SetHeader("Accept", "application/vnd.github+json")
	d.srv.SetHeader("X-GitHub-Api-Version", apiVersion)
	if token != "" {
		d.srv.SetHeader("Authorization", "Bearer "+token)
	}
	d.cdn = rest.NewClient(client)
	d.cdn.SetErrorHandler(errorHandler)

	var repo api.Repository
	opts := rest.Opts{Method: "GET", Path: d.repoPath}
	err = d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &repo)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return mapError(err, d.opt.Owner+"/"+d.opt.Repo)
	}
	d.private = repo.Private

	refName := d.opt.Ref
	if refName == "" {
		refName = repo.DefaultBranch
	}
	d.ref = gitref.Parse(refName)

	d.features.Set(fs.CapReader | fs.CapProxy)
	if !d.private {
		d.features.Set(fs.CapDirectLink)
	}
	switch {
	case !d.ref.Writable():
		d.features.ReadOnlyReason = "revision " + d.ref.Name + " is a " + d.ref.Kind.String() + " and cannot be written"
	case d.token == "":
		d.features.ReadOnlyReason = "a token with write access is required"
	default:
		d.features.Set(fs.CapWriter | fs.CapAtomic)
	}
	return nil
}

// checkWritable refuses writes with the precise reason before any
// network traffic.
func (d *Driver) checkWritable() error {
	if d.features.Has(fs.CapWriter) {
		return nil
	}
	if !d.ref.Writable() {
		return fs.Errf(fs.CodeRevisionNotWritable, 403, "%s", d.features.ReadOnlyReason)
	}
	return d.features.CheckWritable()
}

// refQuery is the ?ref= value for read calls
func (d *Driver) refQuery() string {
	return d.ref.Name
}

// contentsPath is the escaped Contents API path for a logical path
func (d *Driver) contentsPath(path string) string {
	sub := fs.SubPath(path)
	if sub == "" {
		return d.repoPath + "/contents/"
	}
	return d.repoPath + "/contents/" + fs.EscapePath(sub)
}

// getContentsObject fetches the object+json representation of path
func (d *Driver) getContentsObject(ctx context.Context, path string) (*api.ContentsObject, error) {
	opts := rest.Opts{
		Method: "GET",
		Path:   d.contentsPath(path),
		ExtraHeaders: map[string]string{
			"Accept": "application/vnd.github.object+json",
		},
	}
	opts.Parameters = map[string][]string{"ref": {d.refQuery()}}
	var obj api.ContentsObject
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &obj)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, mapError(err, path)
	}
	return &obj, nil
}

// getTree fetches a tree object, optionally recursive
func (d *Driver) getTree(ctx context.Context, sha string, recursive bool) (*api.Tree, error) {
	opts := rest.Opts{
		Method: "GET",
		Path:   d.repoPath + "/git/trees/" + sha,
	}
	if recursive {
		opts.Parameters = map[string][]string{"recursive": {"1"}}
	}
	var tree api.Tree
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &tree)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, err
	}
	return &tree, nil
}

// resolveHead resolves the branch to its commit and tree shas
func (d *Driver) resolveHead(ctx context.Context) (commitSHA, treeSHA string, err error) {
	var ref api.Ref
	opts := rest.Opts{
		Method: "GET",
		Path:   d.repoPath + "/git/ref/heads/" + fs.EscapePath(d.ref.Name),
	}
	err = d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &ref)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return "", "", err
	}
	var commit api.Commit
	opts = rest.Opts{
		Method: "GET",
		Path:   d.repoPath + "/git/commits/" + ref.Object.SHA,
	}
	err = d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &commit)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return "", "", err
	}
	return ref.Object.SHA, commit.Tree.SHA, nil
}

// treeShaForDir walks the tree from the root to find the tree sha of a
// logical directory. Results are cached against the root tree sha so a
// new commit naturally invalidates them.
func (d *Driver) treeShaForDir(ctx context.Context, rootTree, dir string) (string, error) {
	sub := fs.SubPath(dir)
	if sub == "" {
		return rootTree, nil
	}
	key := rootTree + "/" + sub
	if sha, ok := d.treeShas.Get(key); ok {
		return sha.(string), nil
	}
	sha := rootTree
	for _, seg := range strings.Split(sub, "/") {
		tree, err := d.getTree(ctx, sha, false)
		if err != nil {
			return "", err
		}
		found := ""
		for _, e := range tree.Tree {
			if e.Path == seg && e.Type == "tree" {
				found = e.SHA
				break
			}
		}
		if found == "" {
			return "", fs.NotFound(dir)
		}
		sha = found
	}
	d.treeShas.Put(key, sha)
	return sha, nil
}

// entryToItem converts a Contents API entry to an Item
func (d *Driver) entryToItem(e *api.ContentsEntry) fs.Item {
	isDir := e.Type == "dir"
	item := fs.Item{
		Path:    "/" + e.Path,
		Name:    e.Name,
		IsDir:   isDir,
		ETag:    e.SHA,
		Backend: d.name,
	}
	if isDir {
		item.Path += "/"
	} else {
		size := e.Size
		item.Size = &size
	}
	if e.Type == "submodule" {
		item.MimeType = submoduleMimeType
	}
	return item
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
	obj, err := d.getContentsObject(ctx, path)
	if err != nil {
		return nil, err
	}
	item := d.entryToItem(&obj.ContentsEntry)
	if obj.Type == "dir" && item.Name == "" {
		item.Name = fs.LeafName(path)
		item.Path = path
		if !strings.HasSuffix(item.Path, "/") {
			item.Path += "/"
		}
	}
	if t := d.lastModified(ctx, fs.SubPath(path)); t != nil {
		item.Modified = t
	}
	return &item, nil
}

// lastModified is a best effort lookup of the last commit touching
// path, cached FIFO. Failures degrade to unknown.
func (d *Driver) lastModified(ctx context.Context, repoPath string) *time.Time {
	if v, ok := d.modified.Get(repoPath); ok {
		t := v.(time.Time)
		return &t
	}
	opts := rest.Opts{
		Method: "GET",
		Path:   d.repoPath + "/commits",
		Parameters: map[string][]string{
			"path":     {repoPath},
			"sha":      {d.refQuery()},
			"per_page": {"1"},
		},
	}
	var commits []api.CommitListItem
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, nil, &commits)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil || len(commits) == 0 {
		return nil
	}
	t := commits[0].Commit.Committer.Date
	d.modified.Put(repoPath, t)
	return &t
}

// List lists the directory at path. Directories past the Contents API
// listing cap are listed through one non-recursive trees call instead.
// Listings don't fetch per-file modified times; that would be one
// commits query per entry.
func (d *Driver) List(ctx context.Context, path string, opt *fs.ListOptions) (*fs.Listing, error) {
	path, err := fs.NormalizePath(path, true)
	if err != nil {
		return nil, err
	}
	obj, err := d.getContentsObject(ctx, path)
	if err != nil {
		return nil, err
	}
	if obj.Type != "" && obj.Type != "dir" {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "%q is not a directory", path)
	}
	listing := &fs.Listing{IsRoot: fs.IsRoot(path)}
	if len(obj.Entries) >= contentsListingLimit {
		return d.listViaTree(ctx, path, listing)
	}
	for i := range obj.Entries {
		e := &obj.Entries[i]
		if e.Name == gitkeep {
			continue
		}
		listing.Items = append(listing.Items, d.entryToItem(e))
	}
	return listing, nil
}

// listViaTree lists a directory with a single non-recursive trees call
func (d *Driver) listViaTree(ctx context.Context, path string, listing *fs.Listing) (*fs.Listing, error) {
	_, rootTree, err := d.resolveHead(ctx)
	if err != nil {
		return nil, mapError(err, path)
	}
	dirSHA, err := d.treeShaForDir(ctx, rootTree, path)
	if err != nil {
		return nil, mapError(err, path)
	}
	tree, err := d.getTree(ctx, dirSHA, false)
	if err != nil {
		return nil, mapError(err, path)
	}
	for _, e := range tree.Tree {
		if e.Path == gitkeep {
			continue
		}
		item := fs.Item{
			Path:    fs.JoinPath(path, e.Path),
			Name:    e.Path,
			ETag:    e.SHA,
			Backend: d.name,
		}
		switch e.Type {
		case "tree":
			item.IsDir = true
			item.Path += "/"
		case "commit":
			item.MimeType = submoduleMimeType
		default:
			size := e.Size
			item.Size = &size
		}
		listing.Items = append(listing.Items, item)
	}
	return listing, nil
}

// rawURL is the CDN URL for a public file, optionally rewritten through
// the configured proxy
func (d *Driver) rawURL(path string) string {
	base := rawRoot
	if d.opt.CDNProxy != "" {
		base = strings.TrimRight(d.opt.CDNProxy, "/")
	}
	return base + "/" + d.opt.Owner + "/" + d.opt.Repo + "/" + fs.EscapePath(d.refQuery()) + "/" + fs.EscapePath(fs.SubPath(path))
}

// openContentsRaw opens path through the Contents API raw media type
func (d *Driver) openContentsRaw(ctx context.Context, path string, rng *fs.Range) (*http.Response, error) {
	opts := rest.Opts{
		Method: "GET",
		Path:   d.contentsPath(path),
		ExtraHeaders: map[string]string{
			"Accept": "application/vnd.github.raw",
		},
		Parameters: map[string][]string{"ref": {d.refQuery()}},
	}
	if rng != nil {
		opts.ExtraHeaders["Range"] = rng.Header()
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

// openCDN opens path through the raw CDN, falling back to the Contents
// API on 404 so a real 404 can be told apart from a submodule.
func (d *Driver) openCDN(ctx context.Context, path string, rng *fs.Range) (*http.Response, error) {
	opts := rest.Opts{
		Method:  "GET",
		RootURL: d.rawURL(path),
	}
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
	if !statusIs(err, http.StatusNotFound) {
		return nil, err
	}
	// the CDN 404s for submodules too; ask the Contents API
	obj, statErr := d.getContentsObject(ctx, path)
	if statErr == nil && obj.Type == "submodule" {
		return nil, fs.Errf(fs.CodeSubmoduleUnsupported, 400, "%q is a submodule and cannot be downloaded", path)
	}
	return d.openContentsRaw(ctx, path, rng)
}

// Download returns a lazy stream descriptor for the file at path.
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
	if item.MimeType == submoduleMimeType {
		return nil, fs.Errf(fs.CodeSubmoduleUnsupported, 400, "%q is a submodule and cannot be downloaded", path)
	}
	open := func(ctx context.Context, rng *fs.Range) (*http.Response, error) {
		if d.private {
			return d.openContentsRaw(ctx, path, rng)
		}
		return d.openCDN(ctx, path, rng)
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

// DirectLink returns the CDN URL for public repos; private repos need a
// token no browser can present.
func (d *Driver) DirectLink(ctx context.Context, path string, opt *fs.LinkOptions) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	if d.private {
		return nil, fs.Errf(fs.CodeDirectLinkNotAvailable, 403, "private repository requires a token, use the proxy link")
	}
	return &fs.Link{URL: d.rawURL(path), Kind: fs.LinkNativeDirect}, nil
}

// ProxyLink returns a proxy link for path.
func (d *Driver) ProxyLink(ctx context.Context, path string) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	return d.env.ProxyLinkFor(d.name, path), nil
}

// change is one edit applied by the commit pipeline
type change struct {
	path    string    // repo-relative
	del     bool      // delete the blob at path
	reuse   string    // reuse an existing blob sha
	content io.Reader // new blob content when not del/reuse
	size    int64     // content size, -1 if unknown
}

// writeCall runs one write request. Writes are never retried on network
// error or 5xx since the request may have executed; a 429 was rejected
// at the gate, so it alone is retried after the server's delay.
func (d *Driver) writeCall(ctx context.Context, fn func() (*http.Response, error)) error {
	for attempt := 0; attempt < readRetries; attempt++ {
		resp, err := fn()
		if err == nil {
			return nil
		}
		if !statusIs(err, http.StatusTooManyRequests) {
			return err
		}
		delay := fserrors.RetryAfterFromResponse(resp)
		apiErr := new(api.Error)
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			delay = time.Duration(apiErr.RetryAfter * float64(time.Second))
		}
		if delay <= 0 {
			delay = time.Second << uint(attempt)
		}
		fs.Debugf(d, "Write rate limited, waiting %v", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fs.Errf(fs.CodeTooManyRequests, 429, "github: write rate limited")
}

// createBlob streams a new blob as {"content":"<base64>","encoding":
// "base64"}, base64 assembled block by block so peak memory stays a
// small multiple of the block size.
func (d *Driver) createBlob(ctx context.Context, in io.Reader, size int64) (string, error) {
	if size > maxBlobSize {
		return "", fs.Errf(fs.CodeFileTooLarge, 413, "file of %d bytes exceeds the %d byte blob limit", size, maxBlobSize)
	}
	if size < 0 {
		// unknown length; buffer with the limit enforced
		data, err := io.ReadAll(io.LimitReader(in, maxBlobSize+1))
		if err != nil {
			return "", err
		}
		if int64(len(data)) > maxBlobSize {
			return "", fs.Errf(fs.CodeFileTooLarge, 413, "file exceeds the %d byte blob limit", maxBlobSize)
		}
		in = bytes.NewReader(data)
		size = int64(len(data))
	}
	const prefix = `{"content":"`
	const suffix = `","encoding":"base64"}`
	body := io.MultiReader(
		strings.NewReader(prefix),
		readers.NewBase64Encoder(in),
		strings.NewReader(suffix),
	)
	length := int64(len(prefix)) + readers.Base64EncodedLen(size) + int64(len(suffix))
	opts := rest.Opts{
		Method:        "POST",
		Path:          d.repoPath + "/git/blobs",
		Body:          body,
		ContentType:   "application/json",
		ContentLength: &length,
	}
	var blob api.Blob
	err := d.writeCall(ctx, func() (*http.Response, error) {
		return d.srv.CallJSON(ctx, &opts, nil, &blob)
	})
	if err != nil {
		return "", err
	}
	return blob.SHA, nil
}

// seedEmptyRepo makes the first commit on a repository with zero
// commits through the Contents API, which creates the branch ref too.
func (d *Driver) seedEmptyRepo(ctx context.Context) error {
	req := api.PutContentsRequest{
		Message: "Initialize repository",
		Content: "",
		Branch:  d.ref.Name,
	}
	opts := rest.Opts{
		Method: "PUT",
		Path:   d.repoPath + "/contents/" + gitkeep,
	}
	return d.writeCall(ctx, func() (*http.Response, error) {
		return d.srv.CallJSON(ctx, &opts, &req, nil)
	})
}

// commit runs the write pipeline: resolve head, create blobs, create
// tree, create commit, fast-forward the ref. Serialized and throttled.
func (d *Driver) commit(ctx context.Context, message string, changes []change) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writeLimiter.Wait(ctx); err != nil {
		return err
	}

	headSHA, headTree, err := d.resolveHead(ctx)
	if statusIs(err, http.StatusNotFound) || statusIs(err, http.StatusConflict) {
		// branch missing: seed an empty repository, then write on top
		if err := d.seedEmptyRepo(ctx); err != nil {
			return mapError(err, d.ref.Name)
		}
		headSHA, headTree, err = d.resolveHead(ctx)
	}
	if err != nil {
		return mapError(err, d.ref.Name)
	}

	entries := make([]api.NewTreeEntry, 0, len(changes))
	for _, c := range changes {
		entry := api.NewTreeEntry{
			Path: c.path,
			Mode: "100644",
			Type: "blob",
		}
		switch {
		case c.del:
			entry.SHA = nil
		case c.reuse != "":
			sha := c.reuse
			entry.SHA = &sha
		default:
			sha, err := d.createBlob(ctx, c.content, c.size)
			if err != nil {
				return err
			}
			entry.SHA = &sha
		}
		entries = append(entries, entry)
	}

	var tree api.Tree
	treeReq := api.CreateTreeRequest{BaseTree: headTree, Tree: entries}
	treeOpts := rest.Opts{Method: "POST", Path: d.repoPath + "/git/trees"}
	if err := d.writeCall(ctx, func() (*http.Response, error) {
		return d.srv.CallJSON(ctx, &treeOpts, &treeReq, &tree)
	}); err != nil {
		return mapError(err, d.ref.Name)
	}

	commitReq := api.CreateCommitRequest{
		Message: message,
		Tree:    tree.SHA,
		Parents: []string{headSHA},
	}
	if d.opt.CommitterName != "" {
		user := &api.CommitUser{Name: d.opt.CommitterName, Email: d.opt.CommitterEmail}
		commitReq.Author = user
		commitReq.Committer = user
	}
	var commit api.Commit
	commitOpts := rest.Opts{Method: "POST", Path: d.repoPath + "/git/commits"}
	if err := d.writeCall(ctx, func() (*http.Response, error) {
		return d.srv.CallJSON(ctx, &commitOpts, &commitReq, &commit)
	}); err != nil {
		return mapError(err, d.ref.Name)
	}

	refReq := api.UpdateRefRequest{SHA: commit.SHA, Force: false}
	refOpts := rest.Opts{Method: "PATCH", Path: d.repoPath + "/git/refs/heads/" + fs.EscapePath(d.ref.Name)}
	if err := d.writeCall(ctx, func() (*http.Response, error) {
		return d.srv.CallJSON(ctx, &refOpts, &refReq, nil)
	}); err != nil {
		return mapError(err, d.ref.Name)
	}

	d.modified.Clear()
	return nil
}

// Upload writes a single object from in.
func (d *Driver) Upload(ctx context.Context, path string, in io.Reader, opt *fs.UploadOptions) (*fs.UploadResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	orig := path
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	if opt != nil && opt.Filename != "" && fs.IsDirPath(orig) {
		path = fs.JoinPath(path+"/", opt.Filename)
	}
	size := int64(-1)
	if opt != nil {
		size = opt.ContentLength
	}
	err = d.commit(ctx, "Upload "+fs.SubPath(path), []change{{path: fs.SubPath(path), content: in, size: size}})
	if err != nil {
		return nil, err
	}
	return &fs.UploadResult{StoragePath: orig}, nil
}

// Update overwrites the object at path.
func (d *Driver) Update(ctx context.Context, path string, in io.Reader, size int64) (*fs.UpdateResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	item, err := d.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if item.MimeType == submoduleMimeType {
		return nil, fs.Errf(fs.CodeSubmoduleUnsupported, 400, "%q is a submodule and cannot be updated", path)
	}
	err = d.commit(ctx, "Update "+fs.SubPath(path), []change{{path: fs.SubPath(path), content: in, size: size}})
	if err != nil {
		return nil, err
	}
	return &fs.UpdateResult{Path: path}, nil
}

// Mkdir writes the sentinel blob; git has no empty directories.
func (d *Driver) Mkdir(ctx context.Context, path string) (*fs.MkdirResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	path, err := fs.NormalizePath(path, true)
	if err != nil {
		return nil, err
	}
	existed, err := fs.Exists(ctx, d, path)
	if err != nil {
		return nil, err
	}
	if existed {
		return &fs.MkdirResult{Path: path, AlreadyExisted: true}, nil
	}
	sentinel := fs.SubPath(path) + "/" + gitkeep
	err = d.commit(ctx, "Create directory "+fs.SubPath(path), []change{{path: sentinel, content: strings.NewReader(""), size: 0}})
	if err != nil {
		return nil, err
	}
	return &fs.MkdirResult{Path: path}, nil
}

// subtreeBlobs returns the blobs under a logical path from one
// recursive tree fetch. A truncated tree fails: a bulk operation on it
// would be silently incomplete.
func (d *Driver) subtreeBlobs(ctx context.Context, path string) ([]api.TreeEntry, error) {
	_, rootTree, err := d.resolveHead(ctx)
	if err != nil {
		return nil, mapError(err, path)
	}
	tree, err := d.getTree(ctx, rootTree, true)
	if err != nil {
		return nil, mapError(err, path)
	}
	if tree.Truncated {
		return nil, fs.Errf(fs.CodeTreeTruncated, 502, "repository tree is too large to enumerate completely")
	}
	sub := fs.SubPath(path)
	var out []api.TreeEntry
	for _, e := range tree.Tree {
		if e.Path != sub && !strings.HasPrefix(e.Path, sub+"/") {
			continue
		}
		if e.Type == "commit" {
			return nil, fs.Errf(fs.CodeSubmoduleUnsupported, 400, "%q contains a submodule", path)
		}
		if e.Type == "blob" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fs.NotFound(path)
	}
	return out, nil
}

// transfer implements Rename and Copy: blobs are reused by sha into the
// destination, with companion deletes for a move.
func (d *Driver) transfer(ctx context.Context, src, dst string, move bool) error {
	blobs, err := d.subtreeBlobs(ctx, src)
	if err != nil {
		return err
	}
	srcSub := fs.SubPath(src)
	dstSub := fs.SubPath(dst)
	verb := "Copy"
	if move {
		verb = "Move"
	}
	var changes []change
	for _, b := range blobs {
		to := dstSub
		if b.Path != srcSub {
			to = dstSub + strings.TrimPrefix(b.Path, srcSub)
		}
		changes = append(changes, change{path: to, reuse: b.SHA})
		if move {
			changes = append(changes, change{path: b.Path, del: true})
		}
	}
	return d.commit(ctx, verb+" "+srcSub+" to "+dstSub, changes)
}

// Rename moves src to dst.
func (d *Driver) Rename(ctx context.Context, src, dst string) (*fs.TransferResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	src, err := fs.NormalizePath(src, fs.IsDirPath(src))
	if err != nil {
		return nil, err
	}
	dst, err = fs.NormalizePath(dst, fs.IsDirPath(dst))
	if err != nil {
		return nil, err
	}
	if fs.IsRoot(src) || fs.IsRoot(dst) {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "refusing to move the repository root")
	}
	if err := d.transfer(ctx, src, dst, true); err != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, err
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Copy copies src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst string, opt *fs.CopyOptions) (*fs.TransferResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	src, err := fs.NormalizePath(src, fs.IsDirPath(src))
	if err != nil {
		return nil, err
	}
	dst, err = fs.NormalizePath(dst, fs.IsDirPath(dst))
	if err != nil {
		return nil, err
	}
	if fs.IsRoot(src) || fs.IsRoot(dst) {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "refusing to copy the repository root")
	}
	if opt != nil && opt.SkipExisting {
		existed, err := fs.Exists(ctx, d, dst)
		if err != nil {
			return nil, err
		}
		if existed {
			return &fs.TransferResult{Status: fs.TransferSkipped}, nil
		}
	}
	if err := d.transfer(ctx, src, dst, false); err != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, err
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Remove deletes the given paths in a single commit, expanding
// directories to their blobs.
func (d *Driver) Remove(ctx context.Context, paths, display []string) (*fs.RemoveResult, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}
	result := &fs.RemoveResult{}
	var changes []change
	var pending []string // display paths riding on the commit
	for i, path := range paths {
		shown := path
		if display != nil {
			shown = display[i]
		}
		normalized, err := fs.NormalizePath(path, fs.IsDirPath(path))
		if err == nil && fs.IsRoot(normalized) {
			err = fs.Errf(fs.CodeInvalidPath, 400, "refusing to delete the repository root")
		}
		var blobs []api.TreeEntry
		if err == nil {
			blobs, err = d.subtreeBlobs(ctx, normalized)
		}
		if err != nil {
			result.Failed = append(result.Failed, fs.RemoveFailure{
				Path:    path,
				Display: shown,
				Message: err.Error(),
			})
			continue
		}
		for _, b := range blobs {
			changes = append(changes, change{path: b.Path, del: true})
		}
		pending = append(pending, shown)
	}
	if len(changes) > 0 {
		if err := d.commit(ctx, "Delete files", changes); err != nil {
			for _, shown := range pending {
				result.Failed = append(result.Failed, fs.RemoveFailure{
					Path:    shown,
					Display: shown,
					Message: err.Error(),
				})
			}
			return result, nil
		}
		result.Success = append(result.Success, pending...)
	}
	return result, nil
}
