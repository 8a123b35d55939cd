// Package filetransfer implements the chunked upload/download state machine:
// one file_id maps to exactly one writer at a time, chunks are verified by
// MD5, and completed uploads are moved into place atomically.
package filetransfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatcore/internal/metrics"
	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

// Size and chunk bounds.
const (
	MaxFileSize     = 100 * 1024 * 1024 // 100 MiB
	MinChunkSize    = 1024              // 1 KiB
	MaxChunkSize    = 1024 * 1024       // 1 MiB
	MaxFilenameLen  = 255
)

// deniedExtensions blocks executable/script file types regardless of the
// declared MIME type.
var deniedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".dll": true, ".msi": true, ".sh": true, ".ps1": true, ".jar": true,
	".vbs": true, ".js": true,
}

// allowedMIMEPrefixes is the allowlist of broad MIME categories accepted
// for upload.
var allowedMIMEPrefixes = []string{
	"image/", "audio/", "video/", "text/plain", "application/pdf",
	"application/zip", "application/json", "application/octet-stream",
}

func mimeAllowed(mime string) bool {
	for _, p := range allowedMIMEPrefixes {
		if strings.HasPrefix(mime, p) {
			return true
		}
	}
	return false
}

// sanitizeFilename rejects path traversal and separator characters, and
// enforces the length cap. It does not modify the name; it only validates.
func sanitizeFilename(name string) error {
	if name == "" || len(name) > MaxFilenameLen {
		return protocol.NewError(protocol.CodeInvalidInput, "invalid filename length")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return protocol.NewError(protocol.CodeInvalidInput, "filename must not contain path separators")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if deniedExtensions[ext] {
		return protocol.NewError(protocol.CodeFileTypeBlocked, "file extension not permitted")
	}
	return nil
}

// UploadRequest is the validated subset of an upload_request frame.
type UploadRequest struct {
	Filename  string
	FileSize  int64
	MimeType  string
	ChunkSize int
	GroupID   int64
	SenderID  int64
}

// upload tracks one in-flight upload.
type upload struct {
	mu         sync.Mutex
	fileID     string
	req        UploadRequest
	tempPath   string
	file       *os.File
	written    map[int]bool
	bytesSeen  int64
	sniffed    bool
	connID     uint64
}

// Download tracks one in-flight download.
type Download struct {
	mu     sync.Mutex
	fileID string
	file   *os.File
	meta   store.FileMetadata
	connID uint64
}

// Coordinator owns upload/download state machines and enforces at most one
// upload and one download per connection (BUSY rule).
type Coordinator struct {
	storageRoot string
	store       *store.Store
	log         *logrus.Entry
	metrics     *metrics.Registry

	mu        sync.Mutex
	uploads   map[string]*upload
	downloads map[string]*Download
	busyUp    map[uint64]string // connID -> fileID
	busyDown  map[uint64]string // connID -> fileID
}

// SetMetrics attaches the metrics registry the coordinator should update as
// uploads and downloads begin and end; nil disables metric updates.
func (c *Coordinator) SetMetrics(m *metrics.Registry) {
	c.metrics = m
}

// New builds a Coordinator rooted at storageRoot, which is created if
// missing.
func New(storageRoot string, st *store.Store, log *logrus.Entry) (*Coordinator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("filetransfer: create storage root: %w", err)
	}
	return &Coordinator{
		storageRoot: storageRoot,
		store:       st,
		log:         log.WithField("component", "filetransfer"),
		uploads:     make(map[string]*upload),
		downloads:   make(map[string]*Download),
		busyUp:      make(map[uint64]string),
		busyDown:    make(map[uint64]string),
	}, nil
}

// BeginUpload validates req and opens a temp file, returning the opaque
// file_id clients must use for subsequent upload_chunk frames plus the
// total chunk count the client should expect to send.
func (c *Coordinator) BeginUpload(connID uint64, req UploadRequest) (string, int, error) {
	if err := sanitizeFilename(req.Filename); err != nil {
		return "", 0, err
	}
	if req.FileSize <= 0 || req.FileSize > MaxFileSize {
		return "", 0, protocol.NewError(protocol.CodeFileTooLarge, "file size out of range")
	}
	if req.ChunkSize < MinChunkSize || req.ChunkSize > MaxChunkSize {
		return "", 0, protocol.NewError(protocol.CodeInvalidInput, "chunk size out of range")
	}
	if req.MimeType != "" && !mimeAllowed(req.MimeType) {
		return "", 0, protocol.NewError(protocol.CodeFileTypeBlocked, "mime type not permitted")
	}

	c.mu.Lock()
	if _, busy := c.busyUp[connID]; busy {
		c.mu.Unlock()
		return "", 0, protocol.NewError(protocol.CodeBusy, "an upload is already in progress on this connection")
	}
	c.mu.Unlock()

	fileID := uuid.NewString()
	tempFile, err := os.CreateTemp(c.storageRoot, ".upload-*")
	if err != nil {
		return "", 0, protocol.NewError(protocol.CodeInternal, "create temp file failed")
	}

	u := &upload{
		fileID:   fileID,
		req:      req,
		tempPath: tempFile.Name(),
		file:     tempFile,
		written:  make(map[int]bool),
		connID:   connID,
	}

	c.mu.Lock()
	c.uploads[fileID] = u
	c.busyUp[connID] = fileID
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.FileTransfersActive.Inc()
	}

	totalChunks := int((req.FileSize + int64(req.ChunkSize) - 1) / int64(req.ChunkSize))
	return fileID, totalChunks, nil
}

// WriteChunk verifies and writes one chunk at its declared offset. Writes
// are idempotent: re-sending an already-written chunk index is a no-op
// success, supporting retransmission after a dropped ack.
func (c *Coordinator) WriteChunk(fileID string, chunkIndex int, data []byte, checksum string) error {
	u := c.getUpload(fileID)
	if u == nil {
		return protocol.NewError(protocol.CodeInvalidInput, "unknown file_id")
	}

	sum := md5.Sum(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return protocol.NewError(protocol.CodeFileCorrupt, "chunk checksum mismatch")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.sniffed {
		declared := u.req.MimeType
		sniffed := http.DetectContentType(data)
		if declared != "" && !sameBroadCategory(declared, sniffed) {
			return protocol.NewError(protocol.CodeFileTypeBlocked, "content does not match declared mime type")
		}
		u.sniffed = true
	}

	if u.written[chunkIndex] {
		return nil
	}
	offset := int64(chunkIndex) * int64(u.req.ChunkSize)
	if _, err := u.file.WriteAt(data, offset); err != nil {
		return protocol.NewError(protocol.CodeInternal, "write chunk failed")
	}
	u.written[chunkIndex] = true
	u.bytesSeen += int64(len(data))
	return nil
}

// sameBroadCategory compares MIME type prefixes up to the slash, tolerating
// the generic application/octet-stream declaration.
func sameBroadCategory(declared, sniffed string) bool {
	if declared == "application/octet-stream" {
		return true
	}
	da := strings.SplitN(declared, "/", 2)[0]
	sa := strings.SplitN(sniffed, "/", 2)[0]
	return da == sa
}

// CompleteUpload verifies the assembled file's size and checksum, moves it
// into place, and persists its metadata plus a file-typed chat message.
func (c *Coordinator) CompleteUpload(ctx context.Context, fileID string, expectedChecksum string) (*store.FileMetadata, error) {
	u := c.getUpload(fileID)
	if u == nil {
		return nil, protocol.NewError(protocol.CodeInvalidInput, "unknown file_id")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.bytesSeen != u.req.FileSize {
		_ = u.file.Close()
		_ = os.Remove(u.tempPath)
		c.clearUpload(fileID)
		return nil, protocol.NewError(protocol.CodeFileCorrupt, "uploaded size does not match declared size")
	}

	actualChecksum, err := fileMD5(u.file)
	if err != nil {
		_ = u.file.Close()
		_ = os.Remove(u.tempPath)
		c.clearUpload(fileID)
		return nil, protocol.NewError(protocol.CodeInternal, "checksum verification failed")
	}
	if actualChecksum != expectedChecksum {
		_ = u.file.Close()
		_ = os.Remove(u.tempPath)
		c.clearUpload(fileID)
		return nil, protocol.NewError(protocol.CodeFileCorrupt, "file checksum mismatch")
	}

	if err := u.file.Close(); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "close temp file failed")
	}

	finalPath := filepath.Join(c.storageRoot, fileID)
	if err := os.Rename(u.tempPath, finalPath); err != nil {
		_ = os.Remove(u.tempPath)
		c.clearUpload(fileID)
		return nil, protocol.NewError(protocol.CodeInternal, "move file into place failed")
	}

	meta := store.FileMetadata{
		OriginalFilename: u.req.Filename,
		ServerFilepath:   finalPath,
		FileSize:         u.req.FileSize,
		Checksum:         expectedChecksum,
		UploaderID:       u.req.SenderID,
		ChatGroupID:      u.req.GroupID,
	}
	msgID, err := c.store.SaveMessage(ctx, u.req.GroupID, u.req.SenderID, u.req.Filename, store.MessageFile)
	if err == nil {
		meta.MessageID = &msgID
	}
	id, err := c.store.SaveFileMetadata(ctx, meta)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "persist file metadata failed")
	}
	meta.ID = id

	c.clearUpload(fileID)
	c.log.WithFields(logrus.Fields{"file_id": fileID, "filename": meta.OriginalFilename, "size": meta.FileSize}).Info("upload completed")
	return &meta, nil
}

func fileMD5(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Coordinator) getUpload(fileID string) *upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads[fileID]
}

func (c *Coordinator) clearUpload(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.uploads[fileID]; ok {
		delete(c.busyUp, u.connID)
		delete(c.uploads, fileID)
		if c.metrics != nil {
			c.metrics.FileTransfersActive.Dec()
		}
	}
}

// AbortUpload discards an in-flight upload's temp file, e.g. on connection
// close.
func (c *Coordinator) AbortUpload(fileID string) {
	u := c.getUpload(fileID)
	if u == nil {
		return
	}
	u.mu.Lock()
	_ = u.file.Close()
	_ = os.Remove(u.tempPath)
	u.mu.Unlock()
	c.clearUpload(fileID)
}

// BeginDownload opens the file backing fileID for reading, enforcing the
// one-download-per-connection BUSY rule.
func (c *Coordinator) BeginDownload(ctx context.Context, connID uint64, fileID int64) (*Download, *store.FileMetadata, error) {
	c.mu.Lock()
	if _, busy := c.busyDown[connID]; busy {
		c.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.CodeBusy, "a download is already in progress on this connection")
	}
	c.mu.Unlock()

	meta, err := c.fileByID(ctx, fileID)
	if err != nil {
		return nil, nil, protocol.NewError(protocol.CodeInvalidInput, "unknown file_id")
	}

	f, err := os.Open(meta.ServerFilepath)
	if err != nil {
		return nil, nil, protocol.NewError(protocol.CodeInternal, "open file for download failed")
	}

	key := fmt.Sprintf("dl-%d", meta.ID)
	d := &Download{fileID: key, file: f, meta: *meta, connID: connID}

	c.mu.Lock()
	c.downloads[key] = d
	c.busyDown[connID] = key
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.FileTransfersActive.Inc()
	}

	return d, meta, nil
}

// fileByID is a thin helper over store.FileByID; downloads are always
// requested by file_id learned from a prior upload_response or history entry.
func (c *Coordinator) fileByID(ctx context.Context, fileID int64) (*store.FileMetadata, error) {
	return c.store.FileByID(ctx, fileID)
}

// ReadChunk reads up to chunkSize bytes at chunkIndex*chunkSize.
func (d *Download) ReadChunk(chunkSize, chunkIndex int) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	offset := int64(chunkIndex) * int64(chunkSize)
	buf := make([]byte, chunkSize)
	n, err := d.file.ReadAt(buf, offset)
	isLast := offset+int64(n) >= d.meta.FileSize
	if err != nil && err != io.EOF {
		return nil, false, protocol.NewError(protocol.CodeInternal, "read chunk failed")
	}
	return buf[:n], isLast, nil
}

// AbortForConn discards whatever upload or download connID left in flight,
// e.g. when its connection drops mid-transfer.
func (c *Coordinator) AbortForConn(connID uint64) {
	c.mu.Lock()
	fileID, hadUpload := c.busyUp[connID]
	downloadKey, hadDownload := c.busyDown[connID]
	c.mu.Unlock()

	if hadUpload {
		c.AbortUpload(fileID)
	}
	if hadDownload {
		c.mu.Lock()
		d := c.downloads[downloadKey]
		c.mu.Unlock()
		if d != nil {
			c.CompleteDownload(d)
		}
	}
}

// CompleteDownload closes the backing file and clears the connection's BUSY
// slot.
func (c *Coordinator) CompleteDownload(d *Download) {
	d.mu.Lock()
	_ = d.file.Close()
	connID := d.connID
	key := d.fileID
	d.mu.Unlock()

	c.mu.Lock()
	_, hadDownload := c.downloads[key]
	delete(c.downloads, key)
	delete(c.busyDown, connID)
	c.mu.Unlock()
	if hadDownload && c.metrics != nil {
		c.metrics.FileTransfersActive.Dec()
	}
}
