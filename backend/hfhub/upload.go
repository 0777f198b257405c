package hfhub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yakongxing/cloudpaste/backend/hfhub/api"
	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/lib/rest"
	"github.com/yakongxing/cloudpaste/session"
)

const (
	lfsContentType = "application/vnd.git-lfs+json"

	lfsTransferBasic     = "basic"
	lfsTransferMultipart = "multipart"

	// lfs-files deletions batch in groups of at most this many
	lfsDeleteBatchSize = 1000

	gitkeep = ".gitkeep"
)

// checkXet refuses the Xet commit route: it needs runtime Wasm, which
// this deployment cannot provide.
func (d *Driver) checkXet() error {
	if d.opt.UseXet {
		return fs.Errf(fs.CodeWasmDisallowed, 400, "the xet upload path requires runtime wasm compilation which is not available here; disable use_xet to upload through LFS")
	}
	return nil
}

// lfsBatch requests upload actions for one object
func (d *Driver) lfsBatch(ctx context.Context, transfers []string, oid string, size int64) (*api.BatchObjectResponse, error) {
	req := api.BatchRequest{
		Operation: "upload",
		Transfers: transfers,
		HashAlgo:  "sha_256",
		Objects:   []api.BatchObject{{OID: oid, Size: size}},
	}
	if !d.revIsCommit {
		req.Ref = &api.BatchRef{Name: "refs/heads/" + d.opt.Revision}
	}
	opts := rest.Opts{
		Method:      "POST",
		Path:        d.repoPrefix() + ".git/info/lfs/objects/batch",
		ContentType: lfsContentType,
		ExtraHeaders: map[string]string{
			"Accept": lfsContentType,
		},
	}
	var batch api.BatchResponse
	err := d.pacer.Call(func() (bool, error) {
		resp, err := d.srv.CallJSON(ctx, &opts, &req, &batch)
		return d.shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return nil, mapError(err, oid)
	}
	if len(batch.Objects) != 1 {
		return nil, fs.Errf(fs.CodeInvalidResponse, 502, "lfs batch returned %d objects, want 1", len(batch.Objects))
	}
	obj := &batch.Objects[0]
	if obj.Error != nil {
		return nil, fs.Errf(fs.CodeInvalidResponse, 502, "lfs batch object error %d: %s", obj.Error.Code, obj.Error.Message)
	}
	return obj, nil
}

// putPresigned PUTs body to a presigned storage URL with the headers
// the batch response demanded. The URL carries its own authorization.
func (d *Driver) putPresigned(ctx context.Context, href string, header map[string]string, body io.Reader, size int64) error {
	opts := rest.Opts{
		Method:        "PUT",
		RootURL:       href,
		Body:          body,
		ContentLength: &size,
		ExtraHeaders:  map[string]string{},
	}
	for k, v := range header {
		opts.ExtraHeaders[k] = v
	}
	return d.pacer.CallNoRetry(func() (bool, error) {
		resp, err := d.plain.Call(ctx, &opts)
		return d.shouldRetry(ctx, resp, err)
	})
}

// commitNDJSON posts commit lines to the commit endpoint on the
// configured branch
func (d *Driver) commitNDJSON(ctx context.Context, summary string, lines []api.CommitLine) (*api.CommitResponse, error) {
	all := make([]interface{}, 0, len(lines)+1)
	all = append(all, api.CommitLine{
		Key:   api.CommitKeyHeader,
		Value: api.CommitHeader{Summary: summary},
	})
	for _, line := range lines {
		all = append(all, line)
	}
	opts := rest.Opts{
		Method: "POST",
		Path:   d.apiBase() + "/commit/" + url.PathEscape(d.opt.Revision),
	}
	var result api.CommitResponse
	_, err := d.srv.CallNDJSON(ctx, &opts, all, &result)
	if err != nil {
		return nil, mapError(err, d.opt.Revision)
	}
	d.treeCache.Flush()
	d.pathsCache.Flush()
	return &result, nil
}

// readAndHash buffers in, returning the bytes, sha256 hex and size
func readAndHash(in io.Reader) ([]byte, string, int64, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, "", 0, err
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), int64(len(data)), nil
}

// uploadLFS pushes content through the basic LFS route and commits the
// pointer. Server side dedup skips the byte transfer.
func (d *Driver) uploadLFS(ctx context.Context, path string, data []byte, oid string, size int64) error {
	obj, err := d.lfsBatch(ctx, []string{lfsTransferBasic}, oid, size)
	if err != nil {
		return err
	}
	if obj.Actions != nil && obj.Actions.Upload != nil {
		err = d.putPresigned(ctx, obj.Actions.Upload.Href, obj.Actions.Upload.Header, bytes.NewReader(data), size)
		if err != nil {
			return err
		}
	}
	_, err = d.commitNDJSON(ctx, "Upload "+fs.SubPath(path), []api.CommitLine{{
		Key: api.CommitKeyLFSFile,
		Value: api.CommitLFSFile{
			Path: fs.SubPath(path),
			Algo: "sha256",
			OID:  oid,
			Size: size,
		},
	}})
	return err
}

// Upload writes a single object from in.
func (d *Driver) Upload(ctx context.Context, path string, in io.Reader, opt *fs.UploadOptions) (*fs.UploadResult, error) {
	if err := d.checkWritableRef(ctx); err != nil {
		return nil, err
	}
	if err := d.checkXet(); err != nil {
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
	data, oid, size, err := readAndHash(in)
	if err != nil {
		return nil, err
	}
	if err := d.uploadLFS(ctx, path, data, oid, size); err != nil {
		return nil, err
	}
	return &fs.UploadResult{StoragePath: orig}, nil
}

// Update overwrites the object at path.
func (d *Driver) Update(ctx context.Context, path string, in io.Reader, size int64) (*fs.UpdateResult, error) {
	if err := d.checkWritableRef(ctx); err != nil {
		return nil, err
	}
	if err := d.checkXet(); err != nil {
		return nil, err
	}
	path, err := fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	data, oid, n, err := readAndHash(in)
	if err != nil {
		return nil, err
	}
	if err := d.uploadLFS(ctx, path, data, oid, n); err != nil {
		return nil, err
	}
	return &fs.UpdateResult{Path: path}, nil
}

// Mkdir commits the sentinel blob; the hub has no empty directories.
func (d *Driver) Mkdir(ctx context.Context, path string) (*fs.MkdirResult, error) {
	if err := d.checkWritableRef(ctx); err != nil {
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
	_, err = d.commitNDJSON(ctx, "Create directory "+fs.SubPath(path), []api.CommitLine{{
		Key: api.CommitKeyFile,
		Value: api.CommitFile{
			Path:     fs.SubPath(path) + "/" + gitkeep,
			Encoding: "base64",
			Content:  "",
		},
	}})
	if err != nil {
		return nil, err
	}
	return &fs.MkdirResult{Path: path}, nil
}

// sourceEntries expands src to its file entries: one for a file, the
// whole subtree for a directory.
func (d *Driver) sourceEntries(ctx context.Context, src string) ([]api.TreeEntry, error) {
	if !fs.IsDirPath(src) {
		entry, err := d.statEntry(ctx, src)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fs.NotFound(src)
		}
		if entry.Type == "directory" {
			src += "/"
		} else {
			return []api.TreeEntry{*entry}, nil
		}
	}
	var out []api.TreeEntry
	cursor := ""
	seen := map[string]bool{}
	for {
		if cursor != "" && seen[cursor] {
			break
		}
		seen[cursor] = true
		page, err := d.fetchTreePage(ctx, src, false, true, treeLimit, cursor, true)
		if err != nil {
			return nil, err
		}
		for _, e := range page.Entries {
			if e.Type == "file" {
				out = append(out, e)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(out) == 0 {
		return nil, fs.NotFound(src)
	}
	return out, nil
}

// transferLines builds the commit lines moving or copying src to dst.
// LFS files are re-pointed server side with no byte transfer; regular
// files are read and re-committed inline.
func (d *Driver) transferLines(ctx context.Context, src, dst string, move bool) ([]api.CommitLine, error) {
	entries, err := d.sourceEntries(ctx, src)
	if err != nil {
		return nil, err
	}
	srcSub := fs.SubPath(src)
	dstSub := fs.SubPath(dst)
	var lines []api.CommitLine
	for _, e := range entries {
		to := dstSub
		if e.Path != srcSub {
			to = dstSub + strings.TrimPrefix(e.Path, srcSub)
		}
		if e.LFS != nil {
			lines = append(lines, api.CommitLine{
				Key: api.CommitKeyLFSFile,
				Value: api.CommitLFSFile{
					Path: to,
					Algo: "sha256",
					OID:  e.LFS.OID,
					Size: e.LFS.Size,
				},
			})
		} else {
			content, err := d.readFile(ctx, "/"+e.Path)
			if err != nil {
				return nil, err
			}
			lines = append(lines, api.CommitLine{
				Key: api.CommitKeyFile,
				Value: api.CommitFile{
					Path:     to,
					Encoding: "base64",
					Content:  base64.StdEncoding.EncodeToString(content),
				},
			})
		}
		if move {
			lines = append(lines, api.CommitLine{
				Key:   api.CommitKeyDeletedFile,
				Value: api.CommitDeletedFile{Path: e.Path},
			})
		}
	}
	return lines, nil
}

// readFile fetches the whole content of one file
func (d *Driver) readFile(ctx context.Context, path string) ([]byte, error) {
	opts := rest.Opts{
		Method:  "GET",
		RootURL: d.resolveURL(path),
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
	return rest.ReadBody(resp)
}

// Rename moves src to dst.
func (d *Driver) Rename(ctx context.Context, src, dst string) (*fs.TransferResult, error) {
	if err := d.checkWritableRef(ctx); err != nil {
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
	lines, err := d.transferLines(ctx, src, dst, true)
	if err != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, err
	}
	if _, err := d.commitNDJSON(ctx, "Move "+fs.SubPath(src)+" to "+fs.SubPath(dst), lines); err != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, err
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Copy copies src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst string, opt *fs.CopyOptions) (*fs.TransferResult, error) {
	if err := d.checkWritableRef(ctx); err != nil {
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
	lines, err := d.transferLines(ctx, src, dst, false)
	if err != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, err
	}
	if _, err := d.commitNDJSON(ctx, "Copy "+fs.SubPath(src)+" to "+fs.SubPath(dst), lines); err != nil {
		return &fs.TransferResult{Status: fs.TransferFailed}, err
	}
	return &fs.TransferResult{Status: fs.TransferSuccess}, nil
}

// Remove deletes the given paths in one commit. With
// delete_lfs_on_remove set, LFS objects are cleaned up afterwards;
// cleanup failure never fails the delete.
func (d *Driver) Remove(ctx context.Context, paths, display []string) (*fs.RemoveResult, error) {
	if err := d.checkWritableRef(ctx); err != nil {
		return nil, err
	}
	result := &fs.RemoveResult{}
	var lines []api.CommitLine
	var pending []string
	var lfsOIDs []string
	for i, path := range paths {
		shown := path
		if display != nil {
			shown = display[i]
		}
		normalized, err := fs.NormalizePath(path, fs.IsDirPath(path))
		if err == nil && fs.IsRoot(normalized) {
			err = fs.Errf(fs.CodeInvalidPath, 400, "refusing to delete the repository root")
		}
		if err != nil {
			result.Failed = append(result.Failed, fs.RemoveFailure{Path: path, Display: shown, Message: err.Error()})
			continue
		}
		if fs.IsDirPath(normalized) {
			if d.opt.DeleteLFSOnRemove {
				if entries, err := d.sourceEntries(ctx, normalized); err == nil {
					for _, e := range entries {
						if e.LFS != nil {
							lfsOIDs = append(lfsOIDs, e.LFS.OID)
						}
					}
				}
			}
			lines = append(lines, api.CommitLine{
				Key:   api.CommitKeyDeletedFolder,
				Value: api.CommitDeletedFolder{Path: fs.SubPath(normalized)},
			})
		} else {
			entry, err := d.statEntry(ctx, normalized)
			if err != nil || entry == nil {
				msg := "not found"
				if err != nil {
					msg = err.Error()
				}
				result.Failed = append(result.Failed, fs.RemoveFailure{Path: path, Display: shown, Message: msg})
				continue
			}
			if d.opt.DeleteLFSOnRemove && entry.LFS != nil {
				lfsOIDs = append(lfsOIDs, entry.LFS.OID)
			}
			lines = append(lines, api.CommitLine{
				Key:   api.CommitKeyDeletedFile,
				Value: api.CommitDeletedFile{Path: fs.SubPath(normalized)},
			})
		}
		pending = append(pending, shown)
	}
	if len(lines) == 0 {
		return result, nil
	}
	if _, err := d.commitNDJSON(ctx, "Delete files", lines); err != nil {
		for _, shown := range pending {
			result.Failed = append(result.Failed, fs.RemoveFailure{Path: shown, Display: shown, Message: err.Error()})
		}
		return result, nil
	}
	result.Success = append(result.Success, pending...)
	if len(lfsOIDs) > 0 {
		if err := d.cleanupLFS(ctx, lfsOIDs); err != nil {
			fs.Logf(d, "LFS cleanup after delete failed (files were deleted): %v", err)
		}
	}
	return result, nil
}

// cleanupLFS maps content oids to server file oids by scanning the
// lfs-files listing, stopping early once everything wanted was seen,
// then batches the destructive deletion without history rewrite.
func (d *Driver) cleanupLFS(ctx context.Context, oids []string) error {
	wanted := make(map[string]bool, len(oids))
	for _, oid := range oids {
		wanted[oid] = true
	}
	var fileOIDs []string
	cursor := ""
	seen := map[string]bool{}
	for len(wanted) > 0 {
		if cursor != "" && seen[cursor] {
			break
		}
		seen[cursor] = true
		params := url.Values{}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		opts := rest.Opts{
			Method:     "GET",
			Path:       d.apiBase() + "/lfs-files",
			Parameters: params,
		}
		var files []api.LFSFileEntry
		var resp *http.Response
		err := d.pacer.Call(func() (bool, error) {
			var err error
			resp, err = d.srv.CallJSON(ctx, &opts, nil, &files)
			return d.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return err
		}
		for _, f := range files {
			if wanted[f.OID] {
				fileOIDs = append(fileOIDs, f.FileOID)
				delete(wanted, f.OID)
			}
		}
		cursor = parseNextCursor(resp.Header.Get("Link"))
		if cursor == "" {
			break
		}
	}
	for start := 0; start < len(fileOIDs); start += lfsDeleteBatchSize {
		end := start + lfsDeleteBatchSize
		if end > len(fileOIDs) {
			end = len(fileOIDs)
		}
		req := api.LFSFilesBatchRequest{
			Deletions:      fileOIDs[start:end],
			RewriteHistory: false,
		}
		opts := rest.Opts{
			Method:     "POST",
			Path:       d.apiBase() + "/lfs-files/batch",
			NoResponse: true,
		}
		err := d.pacer.CallNoRetry(func() (bool, error) {
			resp, err := d.srv.CallJSON(ctx, &opts, &req, nil)
			return d.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// providerMeta is the opaque session blob this driver stores
type providerMeta struct {
	OID           string            `json:"oid"`
	Size          int64             `json:"size"`
	PartSize      int64             `json:"part_size,omitempty"`
	CompletionURL string            `json:"completion_url,omitempty"`
	PartURLs      []string          `json:"part_urls,omitempty"`
	UploadURL     string            `json:"upload_url,omitempty"`
	Header        map[string]string `json:"header,omitempty"`
	Parts         []fs.Part         `json:"parts,omitempty"`
}

func (d *Driver) sessions() (session.Store, error) {
	if d.env == nil || d.env.Sessions == nil {
		return nil, fs.Errf(fs.CodeInvalidConfig, 500, "no upload session store configured")
	}
	return d.env.Sessions, nil
}

// presignExpiry derives the expiry of a presigned URL set from the
// X-Amz-Expires of the first URL, defaulting to an hour.
func presignExpiry(urls []string) time.Time {
	if len(urls) > 0 {
		if u, err := url.Parse(urls[0]); err == nil {
			if secs, err := strconv.Atoi(u.Query().Get("X-Amz-Expires")); err == nil && secs > 0 {
				return time.Now().Add(time.Duration(secs) * time.Second)
			}
		}
	}
	return time.Now().Add(time.Hour)
}

func ceilDiv(a, b int64) int {
	return int((a + b - 1) / b)
}

// batchToMeta interprets an LFS batch upload action into session meta.
// A chunk_size with numbered part URLs means multipart; a bare href is
// the basic single PUT.
func batchToMeta(obj *api.BatchObjectResponse, oid string, size int64) (*providerMeta, session.Mode, error) {
	meta := &providerMeta{OID: oid, Size: size}
	if obj.Actions == nil || obj.Actions.Upload == nil {
		return meta, session.ModeAlreadyUploaded, nil
	}
	upload := obj.Actions.Upload
	chunkSize := int64(0)
	if upload.Header != nil {
		if v, err := strconv.ParseInt(upload.Header["chunk_size"], 10, 64); err == nil {
			chunkSize = v
		}
	}
	if chunkSize > 0 {
		urls := numberedPartURLs(upload.Header)
		if len(urls) == 0 || ceilDiv(size, chunkSize) != len(urls) {
			return nil, "", fs.Errf(fs.CodeMultipartPartsMismatch, 502, "expected %d part urls for %d bytes at chunk size %d, got %d",
				ceilDiv(size, chunkSize), size, chunkSize, len(urls))
		}
		meta.PartSize = chunkSize
		meta.PartURLs = urls
		meta.CompletionURL = upload.Href
		return meta, session.ModeMultipart, nil
	}
	meta.UploadURL = upload.Href
	meta.Header = upload.Header
	return meta, session.ModeBasic, nil
}

// metaToInfo renders the client-facing multipart description
func metaToInfo(rec *session.Record, meta *providerMeta, reset bool) *fs.MultipartInfo {
	info := &fs.MultipartInfo{
		SessionID:          rec.ID,
		Strategy:           rec.Strategy,
		Mode:               rec.Mode,
		PartSize:           meta.PartSize,
		TotalParts:         rec.TotalParts,
		CompletionURL:      meta.CompletionURL,
		ResetUploadedParts: reset,
	}
	switch rec.Mode {
	case session.ModeAlreadyUploaded:
		info.AlreadyUploaded = true
	case session.ModeBasic:
		info.PresignedURLs = []string{meta.UploadURL}
	default:
		info.PresignedURLs = meta.PartURLs
	}
	if !rec.ExpiresAt.IsZero() {
		t := rec.ExpiresAt
		info.ExpiresAt = &t
	}
	return info
}

// MultipartInit starts a front-end upload to path. The client computes
// the content hash; the hub presigns either one URL or a numbered set.
func (d *Driver) MultipartInit(ctx context.Context, path string, opt *fs.UploadOptions) (*fs.MultipartInfo, error) {
	if err := d.checkWritableRef(ctx); err != nil {
		return nil, err
	}
	if err := d.checkXet(); err != nil {
		return nil, err
	}
	store, err := d.sessions()
	if err != nil {
		return nil, err
	}
	path, err = fs.NormalizePath(path, false)
	if err != nil {
		return nil, err
	}
	if opt == nil || opt.SHA256 == "" || opt.ContentLength <= 0 {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "multipart init needs the content sha256 and length")
	}
	obj, err := d.lfsBatch(ctx, []string{lfsTransferBasic, lfsTransferMultipart}, opt.SHA256, opt.ContentLength)
	if err != nil {
		return nil, err
	}
	meta, mode, err := batchToMeta(obj, opt.SHA256, opt.ContentLength)
	if err != nil {
		return nil, err
	}
	rec := &session.Record{
		ID:        session.NewID(),
		Backend:   d.name,
		Path:      path,
		Strategy:  session.StrategyPerPartURL,
		Mode:      mode,
		Status:    session.StatusInitiated,
		PartSize:  meta.PartSize,
		TotalSize: opt.ContentLength,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if mode == session.ModeMultipart {
		rec.TotalParts = len(meta.PartURLs)
		rec.ExpiresAt = presignExpiry(meta.PartURLs)
	}
	if mode == session.ModeAlreadyUploaded {
		// the object is deduped server side; commit the pointer now
		if err := d.commitPointer(ctx, path, meta); err != nil {
			return nil, err
		}
		rec.Status = session.StatusCompleted
	}
	rec.ProviderMeta, err = json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return metaToInfo(rec, meta, false), nil
}

// commitPointer commits the LFS pointer line for a finished upload
func (d *Driver) commitPointer(ctx context.Context, path string, meta *providerMeta) error {
	_, err := d.commitNDJSON(ctx, "Upload "+fs.SubPath(path), []api.CommitLine{{
		Key: api.CommitKeyLFSFile,
		Value: api.CommitLFSFile{
			Path: fs.SubPath(path),
			Algo: "sha256",
			OID:  meta.OID,
			Size: meta.Size,
		},
	}})
	return err
}

func (d *Driver) getSession(ctx context.Context, sessionID string) (session.Store, *session.Record, *providerMeta, error) {
	store, err := d.sessions()
	if err != nil {
		return nil, nil, nil, err
	}
	rec, err := store.Get(ctx, sessionID)
	if err != nil {
		if err == session.ErrNotFound {
			return nil, nil, nil, fs.NotFound(sessionID).WithCause(err)
		}
		return nil, nil, nil, err
	}
	meta := &providerMeta{}
	if len(rec.ProviderMeta) > 0 {
		if err := json.Unmarshal(rec.ProviderMeta, meta); err != nil {
			return nil, nil, nil, fs.Errf(fs.CodeInvalidJSON, 500, "corrupt session meta").WithCause(err)
		}
	}
	return store, rec, meta, nil
}

// MultipartSign refreshes the presigned URLs of a session. Expired or
// missing URLs force a fresh batch and tell the client to discard its
// parts ledger.
func (d *Driver) MultipartSign(ctx context.Context, sessionID string) (*fs.MultipartInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	store, rec, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status == session.StatusCompleted || rec.Status == session.StatusAborted {
		return nil, fs.Errf(fs.CodeInvalidConfig, 409, "session %s is %s", rec.ID, rec.Status)
	}
	stale := len(meta.PartURLs) == 0 && meta.UploadURL == ""
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		stale = true
	}
	if !stale {
		return metaToInfo(rec, meta, false), nil
	}
	obj, err := d.lfsBatch(ctx, []string{lfsTransferBasic, lfsTransferMultipart}, meta.OID, meta.Size)
	if err != nil {
		return nil, err
	}
	fresh, mode, err := batchToMeta(obj, meta.OID, meta.Size)
	if err != nil {
		return nil, err
	}
	fresh.Parts = nil // the old ledger is void with new URLs
	rec.Mode = mode
	rec.PartSize = fresh.PartSize
	rec.TotalParts = len(fresh.PartURLs)
	rec.ExpiresAt = presignExpiry(fresh.PartURLs)
	rec.UpdatedAt = time.Now()
	rec.ProviderMeta, err = json.Marshal(fresh)
	if err != nil {
		return nil, err
	}
	if err := store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return metaToInfo(rec, fresh, true), nil
}

// MultipartParts lists the parts recorded so far.
func (d *Driver) MultipartParts(ctx context.Context, sessionID string) ([]fs.Part, error) {
	_, _, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return meta.Parts, nil
}

// MultipartUploads lists this driver's active sessions.
func (d *Driver) MultipartUploads(ctx context.Context) ([]session.Record, error) {
	store, err := d.sessions()
	if err != nil {
		return nil, err
	}
	recs, err := store.ListActive(ctx, d.name)
	if err != nil {
		return nil, err
	}
	out := make([]session.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec)
	}
	return out, nil
}

// MultipartComplete finalizes the session: POST the parts to the
// completion URL, then commit the pointer.
func (d *Driver) MultipartComplete(ctx context.Context, sessionID string, parts []fs.Part) (*fs.UploadResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	store, rec, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status == session.StatusCompleted {
		return &fs.UploadResult{StoragePath: rec.Path}, nil
	}
	if rec.Status == session.StatusAborted {
		return nil, fs.Errf(fs.CodeAborted, 409, "session %s was aborted", rec.ID)
	}
	if rec.Mode == session.ModeMultipart {
		if len(parts) != rec.TotalParts {
			return nil, fs.Errf(fs.CodeMultipartPartsMismatch, 400, "session has %d parts, completion supplied %d", rec.TotalParts, len(parts))
		}
		req := api.CompleteMultipartRequest{OID: meta.OID}
		for _, p := range parts {
			if p.ETag == "" {
				return nil, fs.Errf(fs.CodeMultipartPartsMismatch, 400, "part %d has no etag", p.PartNumber)
			}
			req.Parts = append(req.Parts, api.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
		}
		opts := rest.Opts{
			Method:     "POST",
			RootURL:    meta.CompletionURL,
			NoResponse: true,
		}
		err := d.pacer.CallNoRetry(func() (bool, error) {
			resp, err := d.plain.CallJSON(ctx, &opts, &req, nil)
			return d.shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return nil, err
		}
	}
	if err := d.commitPointer(ctx, rec.Path, meta); err != nil {
		return nil, err
	}
	meta.Parts = parts
	rec.Status = session.StatusCompleted
	rec.UpdatedAt = time.Now()
	rec.ProviderMeta, _ = json.Marshal(meta)
	if err := store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return &fs.UploadResult{StoragePath: rec.Path}, nil
}

// MultipartAbort marks the session aborted.
func (d *Driver) MultipartAbort(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	store, rec, _, err := d.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.Status = session.StatusAborted
	rec.UpdatedAt = time.Now()
	return store.Update(ctx, rec)
}

// MultipartProxyChunk is not available here: parts upload directly to
// the presigned URLs.
func (d *Driver) MultipartProxyChunk(ctx context.Context, sessionID string, partNo int, in io.Reader, size int64) (*fs.Part, error) {
	return nil, fs.Errf(fs.CodePresignRequiresMultipart, 400, "parts upload directly to the presigned urls, not through the server")
}
