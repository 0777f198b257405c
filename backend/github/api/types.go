// Package api has type definitions for the git hosting REST and Git
// Database APIs
package api

import (
	"fmt"
	"time"
)

// Error is the JSON error envelope. RetryAfter is the body retry_after
// some endpoints return with a 429.
type Error struct {
	Message          string  `json:"message"`
	DocumentationURL string  `json:"documentation_url,omitempty"`
	Status           string  `json:"status,omitempty"`
	RetryAfter       float64 `json:"retry_after,omitempty"`
	StatusCode       int     `json:"-"`
}

// Error returns a string for the error and satisfies the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (%d)", e.StatusCode)
}

// Repository is the repository metadata probe
type Repository struct {
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	Size          int64  `json:"size"`
}

// Ref is a git reference
type Ref struct {
	Ref    string    `json:"ref"`
	Object RefObject `json:"object"`
}

// RefObject is the object a ref points at
type RefObject struct {
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// Commit is a git commit object
type Commit struct {
	SHA     string     `json:"sha"`
	Tree    CommitTree `json:"tree"`
	Message string     `json:"message,omitempty"`
	Parents []RefObject `json:"parents,omitempty"`
}

// CommitTree is the tree reference inside a commit
type CommitTree struct {
	SHA string `json:"sha"`
}

// Tree is a git tree object
type Tree struct {
	SHA       string      `json:"sha"`
	Tree      []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// TreeEntry is one member of a tree. Type is "blob", "tree" or "commit"
// (submodule).
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size,omitempty"`
}

// NewTreeEntry is one member of a tree creation request. SHA is a
// pointer so a deletion can send an explicit null.
type NewTreeEntry struct {
	Path string  `json:"path"`
	Mode string  `json:"mode"`
	Type string  `json:"type"`
	SHA  *string `json:"sha"`
}

// CreateTreeRequest creates a tree on top of a base tree
type CreateTreeRequest struct {
	BaseTree string         `json:"base_tree,omitempty"`
	Tree     []NewTreeEntry `json:"tree"`
}

// CreateCommitRequest creates a commit
type CreateCommitRequest struct {
	Message   string      `json:"message"`
	Tree      string      `json:"tree"`
	Parents   []string    `json:"parents"`
	Author    *CommitUser `json:"author,omitempty"`
	Committer *CommitUser `json:"committer,omitempty"`
}

// CommitUser is an author or committer identity
type CommitUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UpdateRefRequest fast-forwards a ref
type UpdateRefRequest struct {
	SHA   string `json:"sha"`
	Force bool   `json:"force"`
}

// Blob is the response to blob creation
type Blob struct {
	SHA string `json:"sha"`
}

// ContentsEntry is one member of a Contents API response. Type is
// "file", "dir", "symlink" or "submodule".
type ContentsEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
	HTMLURL     string `json:"html_url"`
}

/// ContentsObject is the object+json media type response: a file's
// metadata or a directory with its entries
type ContentsObject struct {
	ContentsEntry
	Entries []ContentsEntry `json:"entries,omitempty"`
}

// PutContentsRequest creates a file through the Contents API. Used only
// to seed empty repositories.
type PutContentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
}

// CommitListItem is one member of a commit listing, used for
// last-modified lookups
type CommitListItem struct {
	SHA    string `json:"sha"`
	Commit struct {
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}
