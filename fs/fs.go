// Package fs defines the storage driver contract and shared types.
//
// A Driver exposes a file-system-like view of one remote backend. The
// orchestrator (external to this module) routes user operations to a
// driver after checking its capability set.
package fs

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/yakongxing/cloudpaste/session"
)

// Item is the stat record for a single remote object.
//
// Size and Modified are pointers because some backends genuinely don't
// know them; nil means "unknown", not zero.
type Item struct {
	Path     string     `json:"path"`
	Name     string     `json:"name"`
	IsDir    bool       `json:"is_directory"`
	Size     *int64     `json:"size"`
	Modified *time.Time `json:"modified"`
	MimeType string     `json:"mimetype,omitempty"`
	ETag     string     `json:"etag,omitempty"`
	Backend  string     `json:"storage_backend,omitempty"`
}

// SizeKnown returns the size and whether it is known.
func (i *Item) SizeKnown() (int64, bool) {
	if i.Size == nil {
		return 0, false
	}
	return *i.Size, true
}

// ListOptions controls a directory listing.
type ListOptions struct {
	Paged   bool   // request a single page rather than the whole directory
	Cursor  string // opaque continuation cursor from a previous Listing
	Limit   int    // page size hint, 0 for the driver default
	Refresh bool   // bypass the driver's listing cache
}

// Listing is the result of List.
type Listing struct {
	Items      []Item
	IsRoot     bool
	HasMore    bool
	NextCursor string
}

// LinkKind says how a download URL may be used.
type LinkKind string

// Link kinds.
const (
	LinkNativeDirect LinkKind = "native_direct" // usable by a browser without credentials
	LinkProxy        LinkKind = "proxy"         // must be fetched through the proxy transport
)

// Link is a download URL plus its kind.
type Link struct {
	URL  string   `json:"url"`
	Kind LinkKind `json:"type"`
}

// LinkOptions controls link generation.
type LinkOptions struct {
	ForceDownload bool // request Content-Disposition: attachment semantics
}

// UploadOptions carries metadata about an incoming byte source.
type UploadOptions struct {
	Filename      string
	ContentType   string
	ContentLength int64          // -1 if unknown
	SHA256        string         // client-computed content hash, needed for LFS presign
	Progress      func(n uint64) // called with the running byte count as the body is consumed
}

// UploadResult is returned from Upload and MultipartComplete.
//
// StoragePath preserves the caller's path convention exactly: mount-view
// callers get their mount-relative path back, storage-first callers get
// the sub-path they passed in.
type UploadResult struct {
	StoragePath string `json:"storage_path"`
}

// UpdateResult is returned from Update.
type UpdateResult struct {
	Path string `json:"path"`
}

// MkdirResult is returned from Mkdir. Mkdir is idempotent; a second call
// reports AlreadyExisted.
type MkdirResult struct {
	Path           string `json:"path"`
	AlreadyExisted bool   `json:"already_existed"`
}

// TransferStatus is the outcome of Rename and Copy.
type TransferStatus string

// Transfer statuses.
const (
	TransferSuccess TransferStatus = "success"
	TransferSkipped TransferStatus = "skipped"
	TransferFailed  TransferStatus = "failed"
)

// TransferResult is returned from Rename and Copy.
type TransferResult struct {
	Status TransferStatus `json:"status"`
}

// CopyOptions controls Copy.
type CopyOptions struct {
	SkipExisting bool // skip (not fail) when the destination exists
}

// RemoveFailure reports one path that could not be removed.
type RemoveFailure struct {
	Path    string `json:"path"`
	Display string `json:"display_path,omitempty"`
	Message string `json:"message"`
}

// RemoveResult is returned from Remove. A partially failed batch lists
// every failure; Success holds the display paths that were removed.
type RemoveResult struct {
	Success []string        `json:"success"`
	Failed  []RemoveFailure `json:"failed"`
}

// Part identifies one uploaded part of a multipart session.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// MultipartInfo describes a multipart session to the front end.
type MultipartInfo struct {
	SessionID          string           `json:"session_id"`
	Strategy           session.Strategy `json:"strategy"`
	Mode               session.Mode     `json:"mode"`
	PartSize           int64            `json:"part_size,omitempty"`
	TotalParts         int              `json:"total_parts,omitempty"`
	PresignedURLs      []string         `json:"presigned_urls,omitempty"`
	CompletionURL      string           `json:"completion_url,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	AlreadyUploaded    bool             `json:"already_uploaded,omitempty"`
	ResetUploadedParts bool             `json:"reset_uploaded_parts,omitempty"`
}

// Driver is the uniform contract every backend implements.
//
// Paths are logical: slash separated, leading "/", "/" is the root. All
// methods must be safe for concurrent use.
type Driver interface {
	// Name is the instance name this driver was configured with.
	Name() string

	// Type is the backend type ("hfhub", "webdav", ...).
	Type() string

	// Features returns the capability set published by Init.
	Features() *Features

	// Init resolves credentials, probes backend metadata and computes
	// the final capability set. It must be called before any other
	// operation.
	Init(ctx context.Context) error

	// Stat returns the Item at path or a NOT_FOUND coded error.
	Stat(ctx context.Context, path string) (*Item, error)

	// List lists the directory at path.
	List(ctx context.Context, path string, opt *ListOptions) (*Listing, error)

	// Download returns a lazy stream descriptor for the file at path.
	Download(ctx context.Context, path string) (*Stream, error)

	// DirectLink returns a browser-usable URL, or the coded error
	// DIRECT_LINK_NOT_AVAILABLE when the backend needs credentials no
	// browser can present.
	DirectLink(ctx context.Context, path string, opt *LinkOptions) (*Link, error)

	// ProxyLink returns a proxy URL. Always succeeds when CapProxy is
	// advertised.
	ProxyLink(ctx context.Context, path string) (*Link, error)

	// Upload writes a single object from in.
	Upload(ctx context.Context, path string, in io.Reader, opt *UploadOptions) (*UploadResult, error)

	// Update overwrites the object at path.
	Update(ctx context.Context, path string, in io.Reader, size int64) (*UpdateResult, error)

	// Mkdir creates the directory at path, writing a sentinel object on
	// backends without real directories.
	Mkdir(ctx context.Context, path string) (*MkdirResult, error)

	// Rename moves src to dst.
	Rename(ctx context.Context, src, dst string) (*TransferResult, error)

	// Copy copies src to dst.
	Copy(ctx context.Context, src, dst string, opt *CopyOptions) (*TransferResult, error)

	// Remove deletes the given paths, expanding directories to leaf
	// objects. display carries the user-facing paths for reporting and
	// must be either nil or the same length as paths.
	Remove(ctx context.Context, paths, display []string) (*RemoveResult, error)
}

// Multiparter is implemented by drivers advertising CapMultipart.
type Multiparter interface {
	// MultipartInit starts a front-end multipart upload to path.
	MultipartInit(ctx context.Context, path string, opt *UploadOptions) (*MultipartInfo, error)

	// MultipartSign refreshes the presigned part URLs of an existing
	// session, re-presigning when the cached URLs have expired.
	MultipartSign(ctx context.Context, sessionID string) (*MultipartInfo, error)

	// MultipartParts lists the parts recorded so far.
	MultipartParts(ctx context.Context, sessionID string) ([]Part, error)

	// MultipartUploads lists this driver's active sessions.
	MultipartUploads(ctx context.Context) ([]session.Record, error)

	// MultipartComplete finalizes the session.
	MultipartComplete(ctx context.Context, sessionID string, parts []Part) (*UploadResult, error)

	// MultipartAbort marks the session aborted.
	MultipartAbort(ctx context.Context, sessionID string) error

	// MultipartProxyChunk accepts one chunk through the server for
	// single-session strategies.
	MultipartProxyChunk(ctx context.Context, sessionID string, partNo int, in io.Reader, size int64) (*Part, error)
}

// Exists reports whether path exists. NOT_FOUND maps to false; any other
// failure is re-raised.
func Exists(ctx context.Context, d Driver, path string) (bool, error) {
	_, err := d.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if IsCode(err, CodeNotFound) {
		return false, nil
	}
	return false, err
}

// CheckClose is a utility function used to check the return from Close in
// a defer statement.
func CheckClose(c io.Closer, err *error) {
	cerr := c.Close()
	if *err == nil {
		*err = cerr
	}
}

// registry of backend types, filled in by backend init() functions.
var registry []*RegInfo

// RegInfo provides information about a backend type.
type RegInfo struct {
	// Type of the backend, e.g. "webdav"
	Type string
	// Description, one line
	Description string
	// NewDriver constructs an uninitialized driver from the config
	// envelope. Callers must Init it.
	NewDriver func(ctx context.Context, cfg DriverConfig, env *Env) (Driver, error)
}

// Register a backend type. Should be called from an init function.
func Register(info *RegInfo) {
	registry = append(registry, info)
}

// Find looks up a registered backend type.
func Find(typ string) (*RegInfo, error) {
	for _, info := range registry {
		if info.Type == typ {
			return info, nil
		}
	}
	return nil, errors.Errorf("didn't find backend type %q", typ)
}

// NewDriver constructs (but does not Init) a driver from the config
// envelope.
func NewDriver(ctx context.Context, cfg DriverConfig, env *Env) (Driver, error) {
	info, err := Find(cfg.Type)
	if err != nil {
		return nil, newError(CodeInvalidConfig, 400, true, err.Error())
	}
	return info.NewDriver(ctx, cfg, env)
}

// Types returns the registered backend type names.
func Types() []string {
	out := make([]string, 0, len(registry))
	for _, info := range registry {
		out = append(out, info.Type)
	}
	return out
}
