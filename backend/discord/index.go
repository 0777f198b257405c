package discord

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/yakongxing/cloudpaste/fs"
)

// Content ref kinds. The index node carries one of these as its
// content_ref.
const (
	// RefKindAttachment is a single message attachment
	RefKindAttachment = "discord_attachment_v1"
	// RefKindChunks is a file split across several messages
	RefKindChunks = "discord_chunks_v1"
)

// AttachmentRef locates a single-attachment file
type AttachmentRef struct {
	Kind         string `json:"kind"`
	ChannelID    string `json:"channel_id"`
	MessageID    string `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// ChunkPart is one ordered piece of a chunked file
type ChunkPart struct {
	PartNo       int    `json:"part_no"`
	Size         int64  `json:"size,omitempty"`
	ByteStart    int64  `json:"byte_start,omitempty"`
	ByteEnd      int64  `json:"byte_end,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	MessageID    string `json:"message_id"`
	AttachmentID string `json:"attachment_id"`
	URL          string `json:"url,omitempty"`
}

// ChunksRef locates a file stored as ordered message chunks
type ChunksRef struct {
	Kind        string      `json:"kind"`
	ChannelID   string      `json:"channel_id"`
	Size        int64       `json:"size"`
	ContentType string      `json:"content_type,omitempty"`
	Parts       []ChunkPart `json:"parts"`
}

// Node is one member of the index tree. File nodes carry a content
// ref; directory nodes carry none.
type Node struct {
	Path        string          `json:"path"` // normalized, directories end with /
	Name        string          `json:"name"`
	IsDir       bool            `json:"is_directory"`
	Size        int64           `json:"size,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ModifiedAt  time.Time       `json:"modified_at"`
	ContentRef  json.RawMessage `json:"content_ref,omitempty"`
}

// NodeStore is the external index the driver keeps the directory tree
// in. Message storage is append-only; the tree lives here.
type NodeStore interface {
	// Get returns the node at path or nil when absent.
	Get(ctx context.Context, path string) (*Node, error)
	// List returns the direct children of the directory at path.
	List(ctx context.Context, dir string) ([]*Node, error)
	// Put inserts or replaces a node.
	Put(ctx context.Context, node *Node) error
	// Delete removes the node at path; for a directory the whole
	// subtree goes.
	Delete(ctx context.Context, path string) error
	// Move atomically re-roots src (and its subtree) to dst.
	Move(ctx context.Context, src, dst string) error
}

// MemNodeStore is an in-memory NodeStore. Safe for concurrent use.
type MemNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

// NewMemNodeStore creates an empty MemNodeStore.
func NewMemNodeStore() *MemNodeStore {
	return &MemNodeStore{nodes: map[string]*Node{}}
}

func copyNode(n *Node) *Node {
	out := *n
	if n.ContentRef != nil {
		out.ContentRef = append([]byte(nil), n.ContentRef...)
	}
	return &out
}

// Get implements NodeStore.
func (s *MemNodeStore) Get(ctx context.Context, path string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[path]
	if !ok {
		return nil, nil
	}
	return copyNode(node), nil
}

// List implements NodeStore.
func (s *MemNodeStore) List(ctx context.Context, dir string) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Node
	for path, node := range s.nodes {
		if path == dir || !strings.HasPrefix(path, dir) {
			continue
		}
		rest := strings.TrimSuffix(path[len(dir):], "/")
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, copyNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Put implements NodeStore.
func (s *MemNodeStore) Put(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.Path] = copyNode(node)
	return nil
}

// Delete implements NodeStore.
func (s *MemNodeStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.nodes {
		if p == path || strings.HasPrefix(p, path) {
			delete(s.nodes, p)
		}
	}
	return nil
}

// Move implements NodeStore.
func (s *MemNodeStore) Move(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := map[string]*Node{}
	for p, node := range s.nodes {
		if p != src && !strings.HasPrefix(p, src) {
			continue
		}
		newPath := dst + p[len(src):]
		n := copyNode(node)
		n.Path = newPath
		n.Name = fs.LeafName(newPath)
		moved[p] = n
	}
	for p, n := range moved {
		delete(s.nodes, p)
		s.nodes[n.Path] = n
	}
	return nil
}

var nodeBucket = []byte("nodes")

// BoltNodeStore persists the index tree in a bbolt database so it
// survives restarts.
type BoltNodeStore struct {
	db *bolt.DB
}

// NewBoltNodeStore opens (creating if needed) the database at path.
func NewBoltNodeStore(path string) (*BoltNodeStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodeBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create index bucket")
	}
	return &BoltNodeStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltNodeStore) Close() error {
	return s.db.Close()
}

// Get implements NodeStore.
func (s *BoltNodeStore) Get(ctx context.Context, path string) (*Node, error) {
	var node *Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(nodeBucket).Get([]byte(path))
		if data == nil {
			return nil
		}
		node = new(Node)
		return json.Unmarshal(data, node)
	})
	return node, err
}

// List implements NodeStore.
func (s *BoltNodeStore) List(ctx context.Context, dir string) ([]*Node, error) {
	var out []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(nodeBucket).Cursor()
		prefix := []byte(dir)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), dir); k, v = c.Next() {
			path := string(k)
			if path == dir {
				continue
			}
			rest := strings.TrimSuffix(path[len(dir):], "/")
			if rest == "" || strings.Contains(rest, "/") {
				continue
			}
			node := new(Node)
			if err := json.Unmarshal(v, node); err != nil {
				return err
			}
			out = append(out, node)
		}
		return nil
	})
	return out, err
}

// Put implements NodeStore.
func (s *BoltNodeStore) Put(ctx context.Context, node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "failed to encode index node")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodeBucket).Put([]byte(node.Path), data)
	})
}

// Delete implements NodeStore.
func (s *BoltNodeStore) Delete(ctx context.Context, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.Seek([]byte(path)); k != nil && strings.HasPrefix(string(k), path); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Move implements NodeStore.
func (s *BoltNodeStore) Move(ctx context.Context, src, dst string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		c := b.Cursor()
		type pair struct {
			old  []byte
			node *Node
		}
		var moved []pair
		for k, v := c.Seek([]byte(src)); k != nil && strings.HasPrefix(string(k), src); k, v = c.Next() {
			node := new(Node)
			if err := json.Unmarshal(v, node); err != nil {
				return err
			}
			node.Path = dst + string(k)[len(src):]
			node.Name = fs.LeafName(node.Path)
			moved = append(moved, pair{old: append([]byte(nil), k...), node: node})
		}
		for _, m := range moved {
			if err := b.Delete(m.old); err != nil {
				return err
			}
			data, err := json.Marshal(m.node)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(m.node.Path), data); err != nil {
				return err
			}
		}
		return nil
	})
}
