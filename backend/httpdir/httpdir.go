// Package httpdir provides a read-only driver for HTTP directory
// listings (mirror sites, nginx/apache autoindex pages).
package httpdir

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/fs/fserrors"
	"github.com/yakongxing/cloudpaste/fs/fshttp"
	"github.com/yakongxing/cloudpaste/lib/pacer"
	"github.com/yakongxing/cloudpaste/lib/rest"
)

const (
	minSleep      = 10 * time.Millisecond
	maxSleep      = 2 * time.Second
	decayConstant = 2

	// maxParseBytes bounds how much of a listing page is read. Index
	// pages beyond this are almost certainly not index pages.
	maxParseBytes = 2 * 1024 * 1024

	// sniffBytes is how much of a file is ranged in to decide whether
	// an html response is really a directory index.
	sniffBytes = 1024

	// defaultUserAgent looks like a browser because several mirror
	// portals serve bot UAs a different (unparseable) page.
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// Presets select the parsing strategy for a mirror flavor.
const (
	PresetGeneric = "generic"
	PresetTuna    = "tuna"
	PresetAliyun  = "aliyun"
	PresetPortal  = "portal"
)

func init() {
	fs.Register(&fs.RegInfo{
		Type:        "httpdir",
		Description: "HTTP directory listing (read-only)",
		NewDriver:   NewDriver,
	})
}

// Options defines the configuration for this backend
type Options struct {
	URL           string `json:"server_url"`
	Preset        string `json:"preset,omitempty"` // generic, tuna, aliyun, portal
	UserAgent     string `json:"user_agent,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty"`
}

// Driver browses an HTTP directory index as a read-only file system.
type Driver struct {
	name     string
	opt      Options
	env      *fs.Env
	features *fs.Features
	endpoint *url.URL
	srv      *rest.Client
	pacer    *pacer.Pacer
}

// NewDriver constructs an uninitialized httpdir driver.
func NewDriver(ctx context.Context, cfg fs.DriverConfig, env *fs.Env) (fs.Driver, error) {
	opt := Options{}
	if err := cfg.DecodeOptions(&opt); err != nil {
		return nil, err
	}
	if opt.URL == "" {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "httpdir: server_url is required")
	}
	if !strings.HasPrefix(opt.URL, "http://") && !strings.HasPrefix(opt.URL, "https://") {
		opt.URL = "https://" + opt.URL
	}
	if !strings.HasSuffix(opt.URL, "/") {
		opt.URL += "/"
	}
	switch opt.Preset {
	case "", PresetGeneric, PresetTuna, PresetAliyun, PresetPortal:
	default:
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "httpdir: unknown preset %q", opt.Preset)
	}
	if opt.Preset == "" {
		opt.Preset = PresetGeneric
	}
	u, err := url.Parse(opt.URL)
	if err != nil {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "httpdir: couldn't parse server_url: %v", err)
	}
	return &Driver{
		name:     cfg.Name,
		opt:      opt,
		env:      env,
		features: &fs.Features{ReadOnlyReason: "http mirrors are read-only"},
		endpoint: u,
		pacer:    pacer.New().SetMinSleep(minSleep).SetMaxSleep(maxSleep).SetDecayConstant(decayConstant),
	}, nil
}

// Name returns the configured instance name.
func (d *Driver) Name() string { return d.name }

// Type returns the backend type.
func (d *Driver) Type() string { return "httpdir" }

// Features returns the capability set.
func (d *Driver) Features() *fs.Features { return d.features }

// String returns a description of the driver for logs
func (d *Driver) String() string {
	return "httpdir root '" + d.endpoint.String() + "'"
}

var retryErrorCodes = []int{
	429, // Too Many Requests.
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

// Init builds the HTTP stack and probes the endpoint.
func (d *Driver) Init(ctx context.Context) error {
	userAgent := d.opt.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client := fshttp.NewClient(&fshttp.Options{
		UserAgent:          userAgent,
		InsecureSkipVerify: d.opt.TLSSkipVerify,
	})
	d.srv = rest.NewClient(client).SetRoot(d.endpoint.String())

	opts := rest.Opts{
		Method:     "HEAD",
		Path:       "",
		NoResponse: true,
	}
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return fs.Errf(fs.CodeInvalidConfig, 502, "httpdir: endpoint probe failed").WithCause(err)
	}

	d.features.Set(fs.CapReader | fs.CapDirectLink | fs.CapProxy)
	return nil
}

// url returns the absolute URL of the logical path
func (d *Driver) url(path string) string {
	return d.endpoint.String() + fs.EscapePath(fs.SubPath(path))
}

// dirURL returns the absolute URL of the logical directory path with a
// trailing /
func (d *Driver) dirURL(path string) string {
	u := d.url(path)
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// entry is one parsed listing member before conversion to an Item
type entry struct {
	name     string
	isDir    bool
	size     *int64
	modified *time.Time
}

// parseName turns a href found in a directory listing into the name of
// a direct child of base, or "" if the href points elsewhere (parent
// links, sort links, cross-origin navigation).
func parseName(base *url.URL, name string) string {
	// make sure name isn't empty or a query/fragment only link
	if name == "" || name[0] == '?' || name[0] == '#' {
		return ""
	}
	u, err := rest.URLJoin(base, name)
	if err != nil {
		return ""
	}
	// make sure it hasn't got a query or fragment
	if u.RawQuery != "" || u.Fragment != "" {
		return ""
	}
	// check it is in the same scheme and host
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return ""
	}
	// check has path prefix
	if !strings.HasPrefix(u.Path, base.Path) {
		return ""
	}
	// check name is a single path segment under base
	trimmed := u.Path[len(base.Path):]
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return ""
	}
	if decoded, err := url.PathUnescape(trimmed); err == nil {
		trimmed = decoded
	}
	return trimmed
}

// hrefIsDir reports whether the raw href marks a directory
func hrefIsDir(href string) bool {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	return strings.HasSuffix(href, "/")
}

// parseAnchors extracts direct-child entries from an HTML listing by
// walking the anchors. Names come from href resolution, not from the
// anchor text, so navigation links with pretty labels are discarded.
func parseAnchors(base *url.URL, in io.Reader) []entry {
	var out []entry
	tokenizer := html.NewTokenizer(in)
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			return out
		}
		if tokenType != html.StartTagToken && tokenType != html.SelfClosingTagToken {
			continue
		}
		token := tokenizer.Token()
		if token.DataAtom.String() != "a" {
			continue
		}
		for _, attr := range token.Attr {
			if attr.Key != "href" {
				continue
			}
			name := parseName(base, attr.Val)
			if name == "" {
				continue
			}
			out = append(out, entry{name: name, isDir: hrefIsDir(attr.Val)})
		}
	}
}

// humanSizeToBytes parses sizes like "4.5 KiB", "1.2 MB", "532". "-" and
// unparseable sizes return nil.
func humanSizeToBytes(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return nil
	}
	var mult float64 = 1
	upper := strings.ToUpper(s)
	units := []struct {
		suffix string
		mult   float64
	}{
		{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30}, {"TIB", 1 << 40},
		{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1e9}, {"TB", 1e12},
		{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40},
		{"B", 1},
	}
	num := upper
	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			num = strings.TrimSpace(strings.TrimSuffix(upper, u.suffix))
			mult = u.mult
			break
		}
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil
	}
	size := int64(f * mult)
	return &size
}

// listing pages use a few well known date layouts
var listingTimeFormats = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"02-Jan-2006 15:04",
	"2006-01-02T15:04:05Z07:00",
	time.RFC1123,
}

func parseListingTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return nil
	}
	for _, format := range listingTimeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return &t
		}
	}
	return nil
}

// parseTable extracts entries from a table-style listing (tuna, aliyun)
// where each row is: link cell, date cell, size cell. Cell roles are
// detected per cell so column order differences between mirrors don't
// matter.
func parseTable(base *url.URL, in io.Reader) []entry {
	var out []entry
	tokenizer := html.NewTokenizer(in)
	var current *entry
	var inRow, inCell bool
	var cellText strings.Builder
	flushCell := func() {
		if current == nil || !inCell {
			return
		}
		text := strings.TrimSpace(cellText.String())
		cellText.Reset()
		if text == "" {
			return
		}
		if t := parseListingTime(text); t != nil {
			current.modified = t
			return
		}
		if !current.isDir && current.size == nil {
			if size := humanSizeToBytes(text); size != nil {
				current.size = size
			}
		}
	}
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			if current != nil && current.name != "" {
				out = append(out, *current)
			}
			return out
		}
		token := tokenizer.Token()
		tag := token.DataAtom.String()
		switch tokenType {
		case html.StartTagToken:
			switch tag {
			case "tr":
				inRow = true
				current = &entry{}
			case "td", "th":
				inCell = true
				cellText.Reset()
			case "a":
				if !inRow || current == nil {
					continue
				}
				for _, attr := range token.Attr {
					if attr.Key == "href" {
						if name := parseName(base, attr.Val); name != "" && current.name == "" {
							current.name = name
							current.isDir = hrefIsDir(attr.Val)
						}
					}
				}
			}
		case html.TextToken:
			if inCell {
				cellText.WriteString(token.Data)
			}
		case html.EndTagToken:
			switch tag {
			case "td", "th":
				flushCell()
				inCell = false
			case "tr":
				if inRow && current != nil && current.name != "" {
					out = append(out, *current)
				}
				inRow = false
				current = nil
			}
		}
	}
}

// autoindexJSON is the nginx autoindex_format json member
type autoindexJSON struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // "file" or "directory"
	MTime string `json:"mtime"`
	Size  int64  `json:"size"`
}

func parseJSONListing(data []byte) ([]entry, bool) {
	var members []autoindexJSON
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, false
	}
	var out []entry
	for _, m := range members {
		if m.Name == "" {
			continue
		}
		e := entry{name: m.Name, isDir: m.Type == "directory"}
		if !e.isDir {
			size := m.Size
			e.size = &size
		}
		if t, err := time.Parse(time.RFC1123, m.MTime); err == nil {
			e.modified = &t
		}
		out = append(out, e)
	}
	return out, true
}

// autoindexXML is the nginx autoindex_format xml document
type autoindexXML struct {
	XMLName     xml.Name `xml:"list"`
	Directories []struct {
		Name  string `xml:",chardata"`
		MTime string `xml:"mtime,attr"`
	} `xml:"directory"`
	Files []struct {
		Name  string `xml:",chardata"`
		MTime string `xml:"mtime,attr"`
		Size  int64  `xml:"size,attr"`
	} `xml:"file"`
}

func parseXMLListing(data []byte) ([]entry, bool) {
	var doc autoindexXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	var out []entry
	for _, m := range doc.Directories {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		e := entry{name: name, isDir: true}
		if t, err := time.Parse(time.RFC3339, m.MTime); err == nil {
			e.modified = &t
		}
		out = append(out, e)
	}
	for _, m := range doc.Files {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		size := m.Size
		e := entry{name: name, size: &size}
		if t, err := time.Parse(time.RFC3339, m.MTime); err == nil {
			e.modified = &t
		}
		out = append(out, e)
	}
	return out, true
}

// portal section markers. Portal pages carry a mirrors region plus
// unrelated service sections (DNS, NTP) whose links would otherwise be
// picked up as entries.
var portalStartMarkers = []string{`id="mirrors"`, `id="mirror-list"`, ">Mirrors<"}
var portalEndMarkers = []string{`id="dns"`, `id="ntp"`, ">DNS<", ">NTP<"}

// slicePortalRegion keeps only the mirrors region of a portal page.
func slicePortalRegion(page []byte) []byte {
	s := string(page)
	for _, marker := range portalStartMarkers {
		if i := strings.Index(s, marker); i >= 0 {
			s = s[i:]
			break
		}
	}
	for _, marker := range portalEndMarkers {
		if i := strings.Index(s, marker); i >= 0 {
			s = s[:i]
			break
		}
	}
	return []byte(s)
}

// fetchPage GETs one listing page, bounded to maxParseBytes.
func (d *Driver) fetchPage(ctx context.Context, pageURL string) ([]byte, string, error) {
	var resp *http.Response
	opts := rest.Opts{
		Method:  "GET",
		RootURL: pageURL,
	}
	err := d.pacer.Call(func() (bool, error) {
		var err error
		resp, err = d.srv.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxParseBytes))
	if err != nil {
		return nil, "", err
	}
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return data, contentType, nil
}

// parsePage turns one listing page into entries according to the preset.
func (d *Driver) parsePage(base *url.URL, data []byte, contentType string) []entry {
	trimmed := strings.TrimSpace(string(data))
	// autodetect structured formats regardless of preset
	if strings.HasPrefix(trimmed, "[") || contentType == "application/json" {
		if entries, ok := parseJSONListing([]byte(trimmed)); ok {
			return entries
		}
	}
	if strings.HasPrefix(trimmed, "<?xml") || strings.HasPrefix(trimmed, "<list") || contentType == "text/xml" || contentType == "application/xml" {
		if entries, ok := parseXMLListing([]byte(trimmed)); ok {
			return entries
		}
	}
	switch d.opt.Preset {
	case PresetTuna, PresetAliyun:
		if entries := parseTable(base, strings.NewReader(string(data))); len(entries) > 0 {
			return entries
		}
		return parseAnchors(base, strings.NewReader(string(data)))
	case PresetPortal:
		return parseAnchors(base, strings.NewReader(string(slicePortalRegion(data))))
	default:
		return parseAnchors(base, strings.NewReader(string(data)))
	}
}

// List lists the directory at path.
func (d *Driver) List(ctx context.Context, path string, opt *fs.ListOptions) (*fs.Listing, error) {
	path, err := fs.NormalizePath(path, true)
	if err != nil {
		return nil, err
	}
	pageURL := d.dirURL(path)
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fs.Errf(fs.CodeInvalidPath, 400, "httpdir: bad path %q", path)
	}
	data, contentType, err := d.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, d.mapError(err, path)
	}
	entries := d.parsePage(base, data, contentType)
	// aliyun portals paginate; merge the second page
	if d.opt.Preset == PresetAliyun {
		if more, _, err := d.fetchPage(ctx, pageURL+"?page=2"); err == nil {
			entries = append(entries, d.parsePage(base, more, contentType)...)
		}
	}
	listing := &fs.Listing{IsRoot: fs.IsRoot(path)}
	seen := map[string]bool{}
	for _, e := range entries {
		key := "f:" + e.name
		if e.isDir {
			key = "d:" + e.name
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		childPath := fs.JoinPath(path, e.name)
		if e.isDir {
			childPath += "/"
		}
		listing.Items = append(listing.Items, fs.Item{
			Path:     childPath,
			Name:     e.name,
			IsDir:    e.isDir,
			Size:     e.size,
			Modified: e.modified,
			Backend:  d.name,
		})
	}
	return listing, nil
}

func (d *Driver) mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "HTTP error 404") {
		return fs.NotFound(path).WithCause(err)
	}
	if strings.Contains(msg, "HTTP error 403") {
		return fs.Errf(fs.CodeForbidden, 403, "httpdir: access denied").WithCause(err)
	}
	return err
}

// looksLikeIndex sniffs a body prefix for directory-index markers.
func looksLikeIndex(prefix []byte) bool {
	s := strings.ToLower(string(prefix))
	for _, marker := range []string{"index of", "<title>directory", "parent directory", "../\""} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
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
	target := d.url(path)
	if fs.IsDirPath(path) {
		target = d.dirURL(path)
	}
	var resp *http.Response
	opts := rest.Opts{
		Method:     "HEAD",
		RootURL:    target,
		NoResponse: true,
	}
	err = d.pacer.Call(func() (bool, error) {
		var err error
		resp, err = d.srv.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, d.mapError(err, path)
	}
	item := &fs.Item{
		Path:    path,
		Name:    fs.LeafName(path),
		IsDir:   fs.IsDirPath(path),
		Backend: d.name,
	}
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	// An html answer for a non / path may still be a directory index
	// served without redirect; sniff a little of it and classify.
	if !item.IsDir && contentType == "text/html" {
		sniffOpts := rest.Opts{
			Method:  "GET",
			RootURL: target,
			ExtraHeaders: map[string]string{
				"Range": "bytes=0-" + strconv.Itoa(sniffBytes-1),
			},
		}
		var sniffResp *http.Response
		sniffErr := d.pacer.Call(func() (bool, error) {
			var err error
			sniffResp, err = d.srv.Call(ctx, &sniffOpts)
			return d.shouldRetry(ctx, sniffResp, err)
		})
		if sniffErr == nil {
			prefix, _ := io.ReadAll(io.LimitReader(sniffResp.Body, sniffBytes))
			_ = sniffResp.Body.Close()
			if looksLikeIndex(prefix) {
				item.IsDir = true
				item.Path = path + "/"
			}
		}
	}
	if !item.IsDir {
		if size := rest.ParseSizeFromHeaders(resp.Header); size >= 0 {
			item.Size = &size
		}
		item.MimeType = contentType
		item.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
		if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			item.Modified = &t
		}
	}
	return item, nil
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
	stream := &fs.Stream{
		Size:          item.Size,
		ContentType:   item.MimeType,
		ETag:          item.ETag,
		LastModified:  item.Modified,
		SupportsRange: true,
		Fallback:      fs.FallbackHonor206,
	}
	open := func(ctx context.Context, rng *fs.Range) (*http.Response, error) {
		opts := rest.Opts{
			Method:  "GET",
			RootURL: d.url(path),
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
			return nil, d.mapError(err, path)
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
	return stream, nil
}

// DirectLink returns the native URL; mirrors are public.
func (d *Driver) DirectLink(ctx context.Context, path string, opt *fs.LinkOptions) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	return &fs.Link{URL: d.url(path), Kind: fs.LinkNativeDirect}, nil
}

// ProxyLink returns a proxy link for path.
func (d *Driver) ProxyLink(ctx context.Context, path string) (*fs.Link, error) {
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	return d.env.ProxyLinkFor(d.name, path), nil
}

// Upload is refused: mirrors are read-only.
func (d *Driver) Upload(ctx context.Context, path string, in io.Reader, opt *fs.UploadOptions) (*fs.UploadResult, error) {
	return nil, d.features.CheckWritable()
}

// Update is refused: mirrors are read-only.
func (d *Driver) Update(ctx context.Context, path string, in io.Reader, size int64) (*fs.UpdateResult, error) {
	return nil, d.features.CheckWritable()
}

// Mkdir is refused: mirrors are read-only.
func (d *Driver) Mkdir(ctx context.Context, path string) (*fs.MkdirResult, error) {
	return nil, d.features.CheckWritable()
}

// Rename is refused: mirrors are read-only.
func (d *Driver) Rename(ctx context.Context, src, dst string) (*fs.TransferResult, error) {
	return nil, d.features.CheckWritable()
}

// Copy is refused: mirrors are read-only.
func (d *Driver) Copy(ctx context.Context, src, dst string, opt *fs.CopyOptions) (*fs.TransferResult, error) {
	return nil, d.features.CheckWritable()
}

// Remove is refused: mirrors are read-only.
func (d *Driver) Remove(ctx context.Context, paths, display []string) (*fs.RemoveResult, error) {
	return nil, d.features.CheckWritable()
}
