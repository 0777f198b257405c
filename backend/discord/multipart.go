package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/yakongxing/cloudpaste/fs"
	"github.com/yakongxing/cloudpaste/session"
)

// Sessions live this long before they are treated as abandoned.
const sessionTTL = 24 * time.Hour

// providerMeta is the session state between init and complete. Parts
// accumulate as chunks land, each one a finished message.
type providerMeta struct {
	Filename    string      `json:"filename"`
	ContentType string      `json:"content_type,omitempty"`
	Parts       []ChunkPart `json:"parts,omitempty"`
}

func (d *Driver) sessions() (session.Store, error) {
	if d.env == nil || d.env.Sessions == nil {
		return nil, fs.Errf(fs.CodeInvalidConfig, 500, "no upload session store configured")
	}
	return d.env.Sessions, nil
}

func metaToInfo(rec *session.Record) *fs.MultipartInfo {
	info := &fs.MultipartInfo{
		SessionID:  rec.ID,
		Strategy:   rec.Strategy,
		Mode:       rec.Mode,
		PartSize:   rec.PartSize,
		TotalParts: rec.TotalParts,
	}
	if !rec.ExpiresAt.IsZero() {
		t := rec.ExpiresAt
		info.ExpiresAt = &t
	}
	return info
}

// MultipartInit starts a chunked upload. There are no presigned URLs:
// every chunk is proxied through the server and posted as its own
// message.
func (d *Driver) MultipartInit(ctx context.Context, path string, opt *fs.UploadOptions) (*fs.MultipartInfo, error) {
	if err := d.features.CheckWritable(); err != nil {
		return nil, err
	}
	store, err := d.sessions()
	if err != nil {
		return nil, err
	}
	if _, err := fileKey(path); err != nil {
		return nil, err
	}
	meta := &providerMeta{}
	if opt != nil {
		meta.Filename = opt.Filename
		meta.ContentType = opt.ContentType
	}
	rec := &session.Record{
		ID:        session.NewID(),
		Backend:   d.name,
		Path:      path,
		Strategy:  session.StrategySingleSession,
		Mode:      session.ModeMultipart,
		Status:    session.StatusInitiated,
		PartSize:  d.chunkSize,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(sessionTTL),
	}
	if opt != nil && opt.ContentLength > 0 {
		rec.TotalSize = opt.ContentLength
		rec.TotalParts = ceilDiv(opt.ContentLength, d.chunkSize)
	}
	rec.ProviderMeta, err = json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return metaToInfo(rec), nil
}

func ceilDiv(a, b int64) int {
	return int((a + b - 1) / b)
}

func (d *Driver) getSession(ctx context.Context, sessionID string) (session.Store, *session.Record, *providerMeta, error) {
	store, err := d.sessions()
	if err != nil {
		return nil, nil, nil, err
	}
	rec, err := store.Get(ctx, sessionID)
	if err != nil {
		if err == session.ErrNotFound {
			return nil, nil, nil, fs.NotFound(sessionID)
		}
		return nil, nil, nil, err
	}
	meta := &providerMeta{}
	if len(rec.ProviderMeta) > 0 {
		if err := json.Unmarshal(rec.ProviderMeta, meta); err != nil {
			return nil, nil, nil, fs.Errf(fs.CodeInvalidJSON, 500, "bad session state").WithCause(err)
		}
	}
	return store, rec, meta, nil
}

// MultipartSign has nothing to refresh for this strategy; it re-states
// the session so the client can resume.
func (d *Driver) MultipartSign(ctx context.Context, sessionID string) (*fs.MultipartInfo, error) {
	_, rec, _, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status == session.StatusAborted {
		return nil, fs.Errf(fs.CodeAborted, 409, "upload session was aborted")
	}
	return metaToInfo(rec), nil
}

// MultipartParts lists the chunks recorded so far.
func (d *Driver) MultipartParts(ctx context.Context, sessionID string) ([]fs.Part, error) {
	_, _, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	parts := make([]fs.Part, 0, len(meta.Parts))
	for _, p := range meta.Parts {
		parts = append(parts, fs.Part{PartNumber: p.PartNo, Size: p.Size})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
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

// MultipartProxyChunk posts one chunk as its own message and records
// it in the session. Re-sending a part number replaces the record; the
// superseded message is orphaned.
func (d *Driver) MultipartProxyChunk(ctx context.Context, sessionID string, partNo int, in io.Reader, size int64) (*fs.Part, error) {
	store, rec, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case session.StatusAborted:
		return nil, fs.Errf(fs.CodeAborted, 409, "upload session was aborted")
	case session.StatusCompleted:
		return nil, fs.Errf(fs.CodeInvalidConfig, 409, "upload session is already completed")
	}
	if partNo < 1 {
		return nil, fs.Errf(fs.CodeInvalidConfig, 400, "part numbers start at 1")
	}
	if size <= 0 || size > d.maxAttachment {
		return nil, fs.Errf(fs.CodeFileTooLarge, 413, "chunk must be between 1 and %d bytes", d.maxAttachment)
	}
	filename := fmt.Sprintf("%s.part%05d", fs.LeafName(rec.Path), partNo)
	msg, att, err := d.postAttachment(ctx, filename, "application/octet-stream", in, size)
	if err != nil {
		return nil, err
	}
	part := ChunkPart{
		PartNo:       partNo,
		Size:         att.Size,
		ChannelID:    d.opt.ChannelID,
		MessageID:    msg.ID,
		AttachmentID: att.ID,
		URL:          att.URL,
	}
	replaced := false
	for i := range meta.Parts {
		if meta.Parts[i].PartNo == partNo {
			meta.Parts[i] = part
			replaced = true
			break
		}
	}
	if !replaced {
		meta.Parts = append(meta.Parts, part)
	}
	rec.ProviderMeta, err = json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	rec.Status = session.StatusInProgress
	rec.UpdatedAt = time.Now()
	if err := store.Update(ctx, rec); err != nil {
		return nil, fs.Errf(fs.CodeDiscordIndexWriteFailed, 502,
			"chunk %d is stored in message %s but the session update failed; do not re-send it", partNo, msg.ID).
			WithCause(err).
			WithDetail("message_id", msg.ID).
			WithDetail("channel_id", d.opt.ChannelID)
	}
	return &fs.Part{PartNumber: partNo, Size: att.Size}, nil
}

// MultipartComplete assembles the recorded chunks into a file node and
// writes it to the index. Completing a completed session is a no-op.
func (d *Driver) MultipartComplete(ctx context.Context, sessionID string, parts []fs.Part) (*fs.UploadResult, error) {
	store, rec, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status == session.StatusCompleted {
		return &fs.UploadResult{StoragePath: rec.Path}, nil
	}
	if rec.Status == session.StatusAborted {
		return nil, fs.Errf(fs.CodeAborted, 409, "upload session was aborted")
	}
	if len(meta.Parts) == 0 {
		return nil, fs.Errf(fs.CodeMultipartPartsMismatch, 400, "no chunks were uploaded")
	}
	if len(parts) > 0 && len(parts) != len(meta.Parts) {
		return nil, fs.Errf(fs.CodeMultipartPartsMismatch, 400, "client reports %d parts but %d were recorded", len(parts), len(meta.Parts))
	}
	if rec.TotalParts > 0 && len(meta.Parts) != rec.TotalParts {
		return nil, fs.Errf(fs.CodeMultipartPartsMismatch, 400, "expected %d parts, got %d", rec.TotalParts, len(meta.Parts))
	}
	sort.Slice(meta.Parts, func(i, j int) bool { return meta.Parts[i].PartNo < meta.Parts[j].PartNo })
	for i, p := range meta.Parts {
		if p.PartNo != i+1 {
			return nil, fs.Errf(fs.CodeMultipartPartsMismatch, 400, "part %d is missing", i+1)
		}
	}
	ref := ChunksRef{
		Kind:        RefKindChunks,
		ChannelID:   d.opt.ChannelID,
		ContentType: meta.ContentType,
		Parts:       make([]ChunkPart, len(meta.Parts)),
	}
	offset := int64(0)
	for i, p := range meta.Parts {
		p.ByteStart = offset
		p.ByteEnd = offset + p.Size - 1
		offset = p.ByteEnd + 1
		ref.Parts[i] = p
	}
	ref.Size = offset
	refData, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	fk, err := fileKey(rec.Path)
	if err != nil {
		return nil, err
	}
	if err := d.ensureParentDirs(ctx, fk); err != nil {
		return nil, err
	}
	now := time.Now()
	node := &Node{
		Path:        fk,
		Name:        fs.LeafName(fk),
		Size:        ref.Size,
		ContentType: meta.ContentType,
		CreatedAt:   now,
		ModifiedAt:  now,
		ContentRef:  refData,
	}
	if err := d.putNodeDurable(ctx, node, meta.Parts[len(meta.Parts)-1].MessageID); err != nil {
		return nil, err
	}
	rec.Status = session.StatusCompleted
	rec.TotalSize = ref.Size
	rec.TotalParts = len(meta.Parts)
	rec.UpdatedAt = now
	if err := store.Update(ctx, rec); err != nil {
		fs.Debugf(d, "couldn't mark session %s completed: %v", rec.ID, err)
	}
	return &fs.UploadResult{StoragePath: rec.Path}, nil
}

// MultipartAbort marks the session aborted. Chunks already posted stay
// in the channel as orphans.
func (d *Driver) MultipartAbort(ctx context.Context, sessionID string) error {
	store, rec, meta, err := d.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status == session.StatusCompleted {
		return fs.Errf(fs.CodeInvalidConfig, 409, "upload session is already completed")
	}
	rec.Status = session.StatusAborted
	rec.UpdatedAt = time.Now()
	if err := store.Update(ctx, rec); err != nil {
		return err
	}
	if len(meta.Parts) > 0 {
		fs.Debugf(d, "aborted session %s leaves %d orphaned chunk messages", rec.ID, len(meta.Parts))
	}
	return nil
}
