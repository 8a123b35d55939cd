package filetransfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"testing"

	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, int64, int64) {
	t.Helper()
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "alice", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	groups, err := st.ListUserGroups(ctx, uid)
	if err != nil || len(groups) == 0 {
		t.Fatalf("list user groups: %v", err)
	}

	co, err := New(filepath.Join(t.TempDir(), "storage"), st, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return co, st, uid, groups[0].ID
}

func checksum(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestUploadRoundTrip(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)
	ctx := context.Background()

	content := []byte("hello, this is file content")
	fileID, totalChunks, err := co.BeginUpload(1, UploadRequest{
		Filename: "note.txt", FileSize: int64(len(content)), MimeType: "text/plain",
		ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if totalChunks != 1 {
		t.Fatalf("expected 1 total chunk for a file smaller than one chunk, got %d", totalChunks)
	}

	if err := co.WriteChunk(fileID, 0, content, checksum(content)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	meta, err := co.CompleteUpload(ctx, fileID, checksum(content))
	if err != nil {
		t.Fatalf("complete upload: %v", err)
	}
	if meta.FileSize != int64(len(content)) {
		t.Fatalf("unexpected file size: %d", meta.FileSize)
	}
}

func TestBeginUploadComputesTotalChunksRoundingUp(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)

	_, totalChunks, err := co.BeginUpload(1, UploadRequest{
		Filename: "big.bin", FileSize: int64(MinChunkSize*2 + 1), ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if totalChunks != 3 {
		t.Fatalf("expected 3 total chunks for a partial final chunk, got %d", totalChunks)
	}
}

func TestBeginUploadRejectsPathTraversal(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)

	_, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "../../etc/passwd", FileSize: 10, ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	pe, ok := err.(*protocol.Error)
	if !ok || pe.Code != protocol.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestBeginUploadRejectsDeniedExtension(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)

	_, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "payload.exe", FileSize: 10, ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	pe, ok := err.(*protocol.Error)
	if !ok || pe.Code != protocol.CodeFileTypeBlocked {
		t.Fatalf("expected FILE_TYPE_BLOCKED, got %v", err)
	}
}

func TestBeginUploadEnforcesBusyPerConnection(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)

	if _, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "a.txt", FileSize: 10, ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	}); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	_, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "b.txt", FileSize: 10, ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	pe, ok := err.(*protocol.Error)
	if !ok || pe.Code != protocol.CodeBusy {
		t.Fatalf("expected BUSY, got %v", err)
	}
}

func TestWriteChunkRejectsBadChecksum(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)

	content := []byte("abc")
	fileID, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "c.txt", FileSize: int64(len(content)), ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	err = co.WriteChunk(fileID, 0, content, "deadbeef")
	pe, ok := err.(*protocol.Error)
	if !ok || pe.Code != protocol.CodeFileCorrupt {
		t.Fatalf("expected FILE_CORRUPT, got %v", err)
	}
}

func TestCompleteUploadRejectsSizeMismatch(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)
	ctx := context.Background()

	content := []byte("short")
	fileID, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "d.txt", FileSize: 100, ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if err := co.WriteChunk(fileID, 0, content, checksum(content)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	_, err = co.CompleteUpload(ctx, fileID, checksum(content))
	pe, ok := err.(*protocol.Error)
	if !ok || pe.Code != protocol.CodeFileCorrupt {
		t.Fatalf("expected FILE_CORRUPT for size mismatch, got %v", err)
	}
}

func TestDownloadAfterUpload(t *testing.T) {
	t.Parallel()
	co, _, uid, gid := newTestCoordinator(t)
	ctx := context.Background()

	content := []byte("downloadable content")
	fileID, _, err := co.BeginUpload(1, UploadRequest{
		Filename: "e.txt", FileSize: int64(len(content)), ChunkSize: MinChunkSize, GroupID: gid, SenderID: uid,
	})
	if err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if err := co.WriteChunk(fileID, 0, content, checksum(content)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	meta, err := co.CompleteUpload(ctx, fileID, checksum(content))
	if err != nil {
		t.Fatalf("complete upload: %v", err)
	}

	d, dmeta, err := co.BeginDownload(ctx, 2, meta.ID)
	if err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if dmeta.OriginalFilename != "e.txt" {
		t.Fatalf("unexpected metadata: %+v", dmeta)
	}

	chunk, isLast, err := d.ReadChunk(MinChunkSize, 0)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if string(chunk) != string(content) || !isLast {
		t.Fatalf("unexpected chunk read: %q isLast=%v", chunk, isLast)
	}
	co.CompleteDownload(d)

	_, _, err = co.BeginDownload(ctx, 2, meta.ID)
	if err != nil {
		t.Fatalf("expected download slot freed after completion: %v", err)
	}
}
