// Package api has type definitions for the dataset hub HTTP APIs
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is the JSON error envelope
type Error struct {
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

// Error returns a string for the error and satisfies the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hub error (%d)", e.StatusCode)
}

// RepoInfo is the repository metadata probe. Gated is false, "auto" or
// "manual" so it needs a lenient decode.
type RepoInfo struct {
	ID           string          `json:"id"`
	SHA          string          `json:"sha"`
	Private      bool            `json:"private"`
	Gated        json.RawMessage `json:"gated,omitempty"`
	LastModified time.Time       `json:"lastModified"`
}

// IsGated reports whether access is gated in any form
func (r *RepoInfo) IsGated() bool {
	s := string(r.Gated)
	return s != "" && s != "false" && s != "null"
}

// LastCommit is the commit info attached to expanded tree entries
type LastCommit struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
}

// LFSInfo is the LFS pointer attached to tree entries
type LFSInfo struct {
	OID         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int64  `json:"pointerSize,omitempty"`
}

// TreeEntry is one member of a tree or paths-info response. Type is
// "file" or "directory".
type TreeEntry struct {
	Type       string      `json:"type"`
	Path       string      `json:"path"`
	OID        string      `json:"oid,omitempty"`
	Size       int64       `json:"size,omitempty"`
	LFS        *LFSInfo    `json:"lfs,omitempty"`
	XetHash    string      `json:"xetHash,omitempty"`
	LastCommit *LastCommit `json:"lastCommit,omitempty"`
}

// PathsInfoRequest queries metadata for a batch of paths
type PathsInfoRequest struct {
	Paths  []string `json:"paths"`
	Expand bool     `json:"expand,omitempty"`
}

// Ref is one branch or tag
type Ref struct {
	Name         string `json:"name"`
	Ref          string `json:"ref"`
	TargetCommit string `json:"targetCommit"`
}

// RefsResponse lists the repository references
type RefsResponse struct {
	Branches []Ref `json:"branches"`
	Tags     []Ref `json:"tags"`
	Converts []Ref `json:"converts,omitempty"`
}

// BatchRef names the ref an LFS upload will be committed to
type BatchRef struct {
	Name string `json:"name"`
}

// BatchObject identifies one object in an LFS batch request
type BatchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchRequest is the LFS batch API request
type BatchRequest struct {
	Operation string        `json:"operation"`
	Transfers []string      `json:"transfers"`
	HashAlgo  string        `json:"hash_algo"`
	Objects   []BatchObject `json:"objects"`
	Ref       *BatchRef     `json:"ref,omitempty"`
}

// BatchAction is one action (upload/verify) of a batch response.
// For multipart transfers Header carries "chunk_size" plus numbered
// part URLs keyed "00001", "00002", ...
type BatchAction struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int64             `json:"expires_in,omitempty"`
}

// BatchActions are the actions available for one object
type BatchActions struct {
	Upload *BatchAction `json:"upload,omitempty"`
	Verify *BatchAction `json:"verify,omitempty"`
}

// BatchObjectError is a per object failure in a batch response
type BatchObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchObjectResponse is one object of a batch response. A missing
// Actions.Upload means the object is already present server side.
type BatchObjectResponse struct {
	OID     string            `json:"oid"`
	Size    int64             `json:"size"`
	Actions *BatchActions     `json:"actions,omitempty"`
	Error   *BatchObjectError `json:"error,omitempty"`
}

// BatchResponse is the LFS batch API response
type BatchResponse struct {
	Transfer string                `json:"transfer,omitempty"`
	Objects  []BatchObjectResponse `json:"objects"`
}

// CompletedPart is one finished part of a multipart LFS upload
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// CompleteMultipartRequest finalizes a multipart LFS upload against the
// completion href
type CompleteMultipartRequest struct {
	OID   string          `json:"oid"`
	Parts []CompletedPart `json:"parts"`
}

// Commit NDJSON line keys
const (
	CommitKeyHeader        = "header"
	CommitKeyFile          = "file"
	CommitKeyLFSFile       = "lfsFile"
	CommitKeyDeletedFile   = "deletedFile"
	CommitKeyDeletedFolder = "deletedFolder"
)

// CommitLine is one NDJSON line of a commit request
type CommitLine struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// CommitHeader is the header line of a commit
type CommitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

// CommitFile is an inline file line of a commit
type CommitFile struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// CommitLFSFile references an already uploaded LFS object
type CommitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// CommitDeletedFile deletes one file
type CommitDeletedFile struct {
	Path string `json:"path"`
}

// CommitDeletedFolder deletes one folder recursively
type CommitDeletedFolder struct {
	Path string `json:"path"`
}

// CommitResponse is the commit endpoint response
type CommitResponse struct {
	CommitOID string `json:"commitOid"`
	CommitURL string `json:"commitUrl"`
}

// LFSFileEntry is one member of the lfs-files listing, mapping a
// content oid to the server side file oid needed for deletion
type LFSFileEntry struct {
	FileOID  string `json:"fileOid"`
	OID      string `json:"oid"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// LFSFilesBatchRequest deletes LFS files by file oid
type LFSFilesBatchRequest struct {
	Deletions      []string `json:"deletions"`
	RewriteHistory bool     `json:"rewriteHistory"`
}
