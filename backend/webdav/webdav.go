// Package webdav provides a driver for WebDAV servers (RFC 4918/4331).
package webdav

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/yakongxing/cloudpaste/backend/webdav/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/fs/fserrors"
	"github.com/yakongxing/cloudpaste/fs/fshttp"
	"github.com/yakongxing/cloudpaste/lib/pacer"
	"github.com/yakongxing/cloudpaste/lib/readers"
	"github.com/yakongxing/cloudpaste/lib/rest"
)

const (
	minSleep      = 10 * time.Millisecond
	maxSleep      = 2 * time.Second
	decayConstant = 2 // bigger for slower decay, exponential

	// Some servers report size 0/1/2 in PROPFIND listings for files
	// whose real size is larger. Children at or under this size are
	// re-stated individually.
	suspectSize = 2
)

func init() {
	fs.Register(&fs.RegInfo{
		Type:        "webdav",
		Description: "WebDAV server",
		NewDriver:   NewDriver,
	})
}

// Options defines the configuration for this backend
type Options struct {
	URL           string `json:"server_url"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	BearerToken   string `json:"bearer_token,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty"`
	GetQuota      bool   `json:"get_quota,omitempty"`
}

// Driver maps the driver contract onto a WebDAV endpoint.
type Driver struct {
	name        string
	opt         Options
	env         *fs.Env
	features    *fs.Features
	endpoint    *url.URL
	endpointURL string // endpoint as a string with trailing /
	srv         *rest.Client
	pacer       *pacer.Pacer
}

// NewDriver constructs an uninitialized WebDAV driver.
func NewDriver(ctx context.Context, cfg fs.DriverConfig, env *fs.Env) (fs.Driver, error) {
	opt := Options{}
	if err := cfg.DecodeOptions(&opt); err != nil {
		return nil, err
	}
	if opt.URL == "" {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "webdav: server_url is required")
	}
	if !strings.HasPrefix(opt.URL, "http://") && !strings.HasPrefix(opt.URL, "https://") {
		opt.URL = "https://" + opt.URL
	}
	if !strings.HasSuffix(opt.URL, "/") {
		opt.URL += "/"
	}
	u, err := url.Parse(opt.URL)
	if err != nil {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "webdav: couldn't parse server_url: %v", err)
	}
	return &Driver{
		name:        cfg.Name,
		opt:         opt,
		env:         env,
		features:    &fs.Features{},
		endpoint:    u,
		endpointURL: u.String(),
		pacer:       pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant),
	}, nil
}

// Name returns the configured instance name.
func (d *Driver) Name() string { return d.name }

// Type returns the backend type.
func (d *Driver) Type() string { return "webdav" }

// Features returns the capability set.
func (d *Driver) Features() *fs.Features { return d.features }

// retryErrorCodes is a slice of error codes that we will retry
var retryErrorCodes = []int{
	423, // Locked
	425, // Too Early
	429, // Too Many Requests.
	500, // Internal Server Error
	502, // Bad Gateway
	503, // Service Unavailable
	504, // Gateway Time-out
}

// shouldRetry returns a boolean as to whether this resp and err deserve
// to be retried.  It returns the err as a convenience.
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

// errorHandler parses a non 2xx error response into an error
func errorHandler(resp *http.Response) error {
	body, err := rest.ReadBody(resp)
	if err != nil {
		return errors.Wrap(err, "error when trying to read error body")
	}
	// Decode error response
	errResponse := new(api.Error)
	err = xml.Unmarshal(body, &errResponse)
	if err != nil {
		// set the Message to be the body if can't parse the XML
		errResponse.Message = strings.TrimSpace(string(body))
	}
	errResponse.Status = resp.Status
	errResponse.StatusCode = resp.StatusCode
	return errResponse
}

// mapError attaches a semantic code to an upstream failure.
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
			return fs.Errf(fs.CodeTokenRequired, 401, "webdav: authentication required").WithCause(err)
		case http.StatusForbidden:
			return fs.Errf(fs.CodeForbidden, 403, "webdav: access denied").WithCause(err)
		case http.StatusTooManyRequests:
			return fs.Errf(fs.CodeTooManyRequests, 429, "webdav: rate limited").WithCause(err)
		}
	}
	return err
}

// filePath returns an escaped backend path for the logical path
func (d *Driver) filePath(path string) string {
	return fs.EscapePath(fs.SubPath(path))
}

// dirPath returns an escaped backend path with a trailing / for MKCOL
// and PROPFIND on collections
func (d *Driver) dirPath(path string) string {
	p := d.filePath(path)
	if p != "" {
		p += "/"
	}
	return p
}

// Init resolves credentials, builds the HTTP stack and probes the
// endpoint.
func (d *Driver) Init(ctx context.Context) (err error) {
	password, err := d.env.ResolveCredential(ctx, d.opt.Password)
	if err != nil {
		return err
	}
	bearer, err := d.env.ResolveCredential(ctx, d.opt.BearerToken)
	if err != nil {
		return err
	}
	client := fshttp.NewClient(&fshttp.Options{InsecureSkipVerify: d.opt.TLSSkipVerify})
	d.srv = rest.NewClient(client).SetRoot(d.endpointURL)
	d.srv.SetErrorHandler(errorHandler)
	if bearer != "" {
		d.srv.SetHeader("Authorization", "Bearer "+bearer)
	} else if d.opt.Username != "" {
		d.srv.SetUserPass(d.opt.Username, password)
	}

	// Probe the endpoint so a bad URL or credential fails here rather
	// than on first use.
	if _, err := d.readMetaDataForPath(ctx, "/", true); err != nil {
		return errors.Wrap(err, "webdav: endpoint probe failed")
	}

	d.features.Set(fs.CapReader | fs.CapWriter | fs.CapAtomic | fs.CapProxy)
	return nil
}

// itemIsDir returns true if the item is a directory
//
// When a client sees a resourcetype it doesn't recognize it should
// assume it is a regular non-collection resource, so we look for
// collection exactly.
func itemIsDir(item *api.Response) bool {
	if t := item.Props.Type; t != nil {
		if t.Space == "DAV:" && t.Local == "collection" {
			return true
		}
		fs.Debugf("webdav", "Unknown resource type %q/%q on %q", t.Space, t.Local, item.Props.Name)
	}
	// the iscollection prop is a Microsoft extension, but if present it
	// is a reliable indicator if the above check failed
	if t := item.Props.IsCollection; t != nil {
		switch x := strings.ToLower(*t); x {
		case "0":
			return false
		case "1":
			return true
		default:
			fs.Debugf("webdav", "Unknown value %q for iscollection", x)
		}
	}
	return false
}

var defaultDepth1Propfind = []byte(`<?xml version="1.0"?>
<d:propfind xmlns:d="DAV:">
 <d:prop>
  <d:displayname />
  <d:getlastmodified />
  <d:getcontentlength />
  <d:resourcetype />
  <d:getcontenttype />
  <d:getetag />
 </d:prop>
</d:propfind>
`)

// propfind runs a PROPFIND against the escaped backend path
func (d *Driver) propfind(ctx context.Context, escapedPath, depth string) (result *api.Multistatus, err error) {
	opts := rest.Opts{
		Method: "PROPFIND",
		Path:   escapedPath,
		ExtraHeaders: map[string]string{
			"Depth": depth,
		},
		Body:        bytes.NewReader(defaultDepth1Propfind),
		ContentType: "application/xml; charset=utf-8",
	}
	result = new(api.Multistatus)
	var resp *http.Response
	err = d.pacer.Call(func() (bool, error) {
		opts.Body = bytes.NewReader(defaultDepth1Propfind)
		resp, err = d.srv.CallXML(ctx, &opts, nil, result)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// responseToItem converts one Multistatus response into an Item
func (d *Driver) responseToItem(resp *api.Response, logicalPath string) *fs.Item {
	isDir := itemIsDir(resp)
	item := &fs.Item{
		Path:    logicalPath,
		Name:    fs.LeafName(logicalPath),
		IsDir:   isDir,
		Backend: d.name,
	}
	if !isDir {
		size := resp.Props.Size
		item.Size = &size
		item.MimeType = resp.Props.Contenttype
		item.ETag = strings.Trim(resp.Props.ETag, `"`)
	}
	if t := time.Time(resp.Props.Modified); !t.IsZero() {
		item.Modified = &t
	}
	return item
}

// readMetaDataForPath stats one path via PROPFIND depth 0
func (d *Driver) readMetaDataForPath(ctx context.Context, path string, asDir bool) (*fs.Item, error) {
	escaped := d.filePath(path)
	if asDir {
		escaped = d.dirPath(path)
	}
	result, err := d.propfind(ctx, escaped, "0")
	if err != nil {
		return nil, mapError(err, path)
	}
	if len(result.Responses) < 1 {
		return nil, fs.NotFound(path)
	}
	resp := &result.Responses[0]
	if !resp.Props.StatusOK() {
		return nil, fs.NotFound(path)
	}
	return d.responseToItem(resp, path), nil
}

// Stat returns the item at path.
func (d *Driver) Stat(ctx context.Context, path string) (*fs.Item, error) {
	path, err := fs.NormalizePath(path, fs.IsDirPath(path))
	if err != nil {
		return nil, err
	}
	item, err := d.readMetaDataForPath(ctx, path, fs.IsDirPath(path))
	if err == nil || !fs.IsCode(err, fs.CodeNotFound) || fs.IsDirPath(path) {
		return item, err
	}
	// A file path might really be a collection; try again as one.
	return d.readMetaDataForPath(ctx, path, true)
}

// List lists the directory at path.
func (d *Driver) List(ctx context.Context, path string, opt *fs.ListOptions) (*fs.Listing, error) {
	path, err := fs.NormalizePath(path, true)
	if err != nil {
		return nil, err
	}
	result, err := d.propfind(ctx, d.dirPath(path), "1")
	if err != nil {
		return nil, mapError(err, path)
	}
	baseURL, err := rest.URLJoin(d.endpoint, d.dirPath(path))
	if err != nil {
		return nil, fs.Errf(fs.CodeInvalidResponse, 502, "webdav: couldn't join URL: %v", err)
	}
	listing := &fs.Listing{IsRoot: fs.IsRoot(path)}
	for i := range result.Responses {
		resp := &result.Responses[i]
		if !resp.Props.StatusOK() {
			continue
		}
		u, err := rest.URLJoin(baseURL, resp.Href)
		if err != nil {
			fs.Debugf(d, "URL join failed for %q: %v", resp.Href, err)
			continue
		}
		// the first response is the directory itself
		if u.Path == baseURL.Path || u.Path == strings.TrimSuffix(baseURL.Path, "/") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(u.Path, baseURL.Path), "/")
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
		childPath := fs.JoinPath(path, name)
		item := d.responseToItem(resp, childPath)
		if item.IsDir {
			item.Path = childPath + "/"
		}
		// Some servers falsify small sizes in listings; re-stat to
		// get the real metadata.
		if !item.IsDir && item.Size != nil && *item.Size <= suspectSize {
			if fixed, err := d.readMetaDataForPath(ctx, childPath, false); err == nil {
				item = fixed
			}
		}
		listing.Items = append(listing.Items, *item)
	}
	return listing, nil
}

// openURL returns the absolute URL for the file at path
func (d *Driver) openURL(path string) string {
	return d.endpointURL + d.filePath(path)
}

// Download returns a lazy stream descriptor for the file at path.
//
// Some deployments silently ignore Range and answer 200 with the whole
// resource, so software slicing is unsafe and the fallback policy is to
// deliver the full body.
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
	stream := &fs.Stream{
		Size:          item.Size,
		ContentType:   item.MimeType,
		ETag:          item.ETag,
		LastModified:  item.Modified,
		SupportsRange: true,
		Fallback:      fs.FallbackFull,
	}
	open := func(ctx context.Context, rng *fs.Range) (*http.Response, error) {
		opts := rest.Opts{
			Method: "GET",
			Path:   d.filePath(path),
		}
		if rng != nil {
			opts.ExtraHeaders = map[string]string{
				"Range":           rng.Header(),
				"Accept-Encoding": "identity",
				"Cache-Control":   "no-cache",
				"Pragma":          "no-cache",
			}
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
	stream.OpenHead = func(ctx context.Context) (*fs.StreamHead, error) {
		opts := rest.Opts{
			Method:     "HEAD",
			Path:       d.filePath(path),
			NoResponse: true,
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
		head := &fs.StreamHead{
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
		}
		if size := rest.ParseSizeFromHeaders(resp.Header); size >= 0 {
			head.Size = &size
		}
		if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			head.LastModified = &t
		}
		// Some servers omit Content-Length on HEAD; fall back to the
		// PROPFIND metadata.
		if head.Size == nil || *head.Size == 0 {
			if item, err := d.readMetaDataForPath(ctx, path, false); err == nil && item.Size != nil {
				head.Size = item.Size
			}
		}
		return head, nil
	}
	return stream, nil
}

// DirectLink is refused: the endpoint needs credentials no browser can
// present.
func (d *Driver) DirectLink(ctx context.Context, path string, opt *fs.LinkOptions) (*fs.Link, error) {
	return nil, fs.Errf(fs.CodeDirectLinkNotAvailable, 403, "webdav storage requires credentials, use the proxy link")
}

// ProxyLink returns a proxy link for path.
func (d *Driver) ProxyLink(ctx context.Context, path string) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	return d.env.ProxyLinkFor(d.name, path), nil
}

// mkdir makes the directory with the given escaped backend path,
// tolerating "already exists" answers
func (d *Driver) mkdir(ctx context.Context, escapedDirPath string) error {
	opts := rest.Opts{
		Method:     "MKCOL",
		Path:       escapedDirPath,
		NoResponse: true,
	}
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
	apiErr := new(api.Error)
	if errors.As(err, &apiErr) {
		// already exists
		// owncloud returns 423/Locked if the create is already in progress
		if apiErr.StatusCode == http.StatusMethodNotAllowed || apiErr.StatusCode == http.StatusConflict ||
			apiErr.StatusCode == http.StatusNotImplemented || apiErr.StatusCode == http.StatusLocked {
			return nil
		}
	}
	return err
}

// mkParentDir makes the parent collections of the logical path, walking
// down from the root
func (d *Driver) mkParentDir(ctx context.Context, path string) error {
	parent := fs.SubPath(fs.ParentPath(path))
	if parent == "" {
		return nil
	}
	segs := strings.Split(parent, "/")
	escaped := ""
	for _, seg := range segs {
		escaped += url.PathEscape(seg) + "/"
		if err := d.mkdir(ctx, escaped); err != nil {
			return err
		}
	}
	return nil
}

// Upload writes a single object from in.
func (d *Driver) Upload(ctx context.Context, path string, in io.Reader, opt *fs.UploadOptions) (*fs.UploadResult, error) {
	if err := d.features.CheckWritable(); err != nil {
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
	if err := d.mkParentDir(ctx, path); err != nil {
		return nil, errors.Wrap(err, "webdav: couldn't create parent directory")
	}
	if err := d.put(ctx, path, in, opt); err != nil {
		return nil, mapError(err, path)
	}
	return &fs.UploadResult{StoragePath: orig}, nil
}

func (d *Driver) put(ctx context.Context, path string, in io.Reader, opt *fs.UploadOptions) error {
	opts := rest.Opts{
		Method:     "PUT",
		Path:       d.filePath(path),
		NoResponse: true,
	}
	var progress func(n uint64)
	if opt != nil {
		if opt.ContentType != "" {
			opts.ContentType = opt.ContentType
		}
		if opt.ContentLength >= 0 {
			length := opt.ContentLength
			opts.ContentLength = &length
		}
		progress = opt.Progress
	}
	// body wraps the source in a progress meter, fresh per attempt so a
	// retried PUT restarts the count
	body := func() io.Reader {
		if progress == nil {
			return in
		}
		return readers.NewCountingReader(in).OnRead(progress)
	}
	// Seekable bodies can be retried; streams get one shot.
	if seeker, ok := in.(io.Seeker); ok {
		return d.pacer.Call(func() (bool, error) {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return false, err
			}
			opts.Body = body()
			resp, err := d.srv.Call(ctx, &opts)
			return d.shouldRetry(ctx, resp, err)
		})
	}
	opts.Body = body()
	return d.pacer.CallNoRetry(func() (bool, error) {
		resp, err := d.srv.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
}

// Update overwrites the object at path.
func (d *Driver) Update(ctx context.Context, path string, in io.Reader, size int64) (*fs.UpdateResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	if err := d.put(ctx, path, in, &fs.UploadOptions{ContentLength: size}); err != nil {
		return nil, mapError(err, path)
	}
	return &fs.UpdateResult{Path: path}, nil
}

// Mkdir creates the directory at path.
func (d *Driver) Mkdir(ctx context.Context, path string) (*fs.MkdirResult, error) {
	if err := d.features.CheckWritable(); err != nil {
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
	if err := d.mkParentDir(ctx, strings.TrimSuffix(path, "/")); err != nil {
		return nil, err
	}
	if err := d.mkdir(ctx, d.dirPath(path)); err != nil {
		return nil, mapError(err, path)
	}
	return &fs.MkdirResult{Path: path}, nil
}

// copyOrMove runs a COPY or MOVE against src
func (d *Driver) copyOrMove(ctx context.Context, method, src, dst, overwrite string) error {
	srcIsDir := fs.IsDirPath(src)
	srcPath := d.filePath(src)
	dstPath := d.filePath(dst)
	if srcIsDir {
		srcPath = d.dirPath(src)
		dstPath += "/"
	}
	destinationURL, err := rest.URLJoin(d.endpoint, dstPath)
	if err != nil {
		return errors.Wrap(err, "copyOrMove couldn't join URL")
	}
	if err := d.mkParentDir(ctx, dst); err != nil {
		return errors.Wrap(err, "copyOrMove failed to make parent dir")
	}
	opts := rest.Opts{
		Method:     method,
		Path:       srcPath,
		NoResponse: true,
		ExtraHeaders: map[string]string{
			"Destination": destinationURL.String(),
			"Overwrite":   overwrite,
		},
	}
	if method == "COPY" {
		// Several users of webdav in #1229 reported that performance
		// of copies is better with infinity depth
		opts.ExtraHeaders["Depth"] = "infinity"
	}
	return d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
}

// statusIs reports whether err is an upstream error with the given code
func statusIs(err error, statusCode int) bool {
	apiErr := new(api.Error)
	return errors.As(err, &apiErr) && apiErr.StatusCode == statusCode
}

// Rename moves src to dst.
func (d *Driver) Rename(ctx context.Context, src, dst string) (*fs.TransferResult, error) {
	if err := d.features.CheckWritable(); err != nil {
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
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "refusing to move the root")
	}
	if err := d.copyOrMove(ctx, "MOVE", src, dst, "F"); err != nil {
		if statusIs(err, http.StatusPreconditionFailed) {
			return &fs.TransferResult{Status: fs.TransferFailed}, fs.Errf(fs.CodeInvalidPath, 409, "destination %q already exists", dst)
		}
		return &fs.TransferResult{Status: fs.TransferFailed}, mapError(err, src)
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Copy copies src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst string, opt *fs.CopyOptions) (*fs.TransferResult, error) {
	if err := d.features.CheckWritable(); err != nil {
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
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "refusing to copy the root")
	}
	overwrite := "T"
	if opt != nil && opt.SkipExisting {
		overwrite = "F"
	}
	if err := d.copyOrMove(ctx, "COPY", src, dst, overwrite); err != nil {
		if statusIs(err, http.StatusPreconditionFailed) && opt != nil && opt.SkipExisting {
			return &fs.TransferResult{Status: fs.TransferSkipped}, nil
		}
		return &fs.TransferResult{Status: fs.TransferFailed}, mapError(err, src)
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Remove deletes the given paths. DELETE on a collection removes it
// recursively, so directories need no expansion here.
func (d *Driver) Remove(ctx context.Context, paths, display []string) (*fs.RemoveResult, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	result := &fs.RemoveResult{}
	for i, path := range paths {
		shown := path
		if display != nil {
			shown = display[i]
		}
		normalized, err := fs.NormalizePath(path, fs.IsDirPath(path))
		if err == nil && fs.IsRoot(normalized) {
			err = fs.Errf(fs.CodeInvalidPath, 400, "refusing to delete the root")
		}
		if err == nil {
			escaped := d.filePath(normalized)
			if fs.IsDirPath(normalized) {
				escaped = d.dirPath(normalized)
			}
			opts := rest.Opts{
				Method:     "DELETE",
				Path:       escaped,
				NoResponse: true,
			}
			err = d.pacer.Call(func() (bool, error) {
				resp, err := d.srv.Call(ctx, &opts)
				return d.shouldRetry(ctx, resp, err)
			})
			// removing something already gone counts as success
			if statusIs(err, http.StatusNotFound) {
				err = nil
			}
		}
		if err != nil {
			result.Failed = append(result.Failed, fs.RemoveFailure{
				Path:    path,
				Display: shown,
				Message: err.Error(),
			})
			continue
		}
		result.Success = append(result.Success, shown)
	}
	return result, nil
}

// About reports the quota of the endpoint per RFC 4331, degrading to nil
// when the server lacks the properties.
type About struct {
	Used      *int64 `json:"used,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

var quotaPropfind = []byte(`<?xml version="1.0" ?>
<D:propfind xmlns:D="DAV:">
 <D:prop>
  <D:quota-available-bytes/>
  <D:quota-used-bytes/>
 </D:prop>
</D:propfind>
`)

// About probes the server quota. Returns nil when get_quota is off or
// the server doesn't implement RFC 4331.
func (d *Driver) About(ctx context.Context) (*About, error) {
	if !d.opt.GetQuota {
		return nil, nil
	}
	opts := rest.Opts{
		Method: "PROPFIND",
		Path:   "",
		ExtraHeaders: map[string]string{
			"Depth": "0",
		},
		ContentType: "application/xml; charset=utf-8",
	}
	var q api.Quota
	var resp *http.Response
	var err error
	err = d.pacer.Call(func() (bool, error) {
		opts.Body = bytes.NewReader(quotaPropfind)
		resp, err = d.srv.CallXML(ctx, &opts, nil, &q)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		fs.Debugf(d, "Quota probe failed: %v", err)
		return nil, nil
	}
	usage := &About{}
	if i, err := strconv.ParseInt(q.Used, 10, 64); err == nil && i >= 0 {
		usage.Used = &i
	}
	if i, err := strconv.ParseInt(q.Available, 10, 64); err == nil && i >= 0 {
		usage.Available = &i
	}
	return usage, nil
}

// String returns a description of the driver for logs
func (d *Driver) String() string {
	return "webdav root '" + d.endpointURL + "'"
}
