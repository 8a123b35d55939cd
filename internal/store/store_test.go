package store

import (
	"context"
	"errors"
	"testing"
)

func TestCreateUserJoinsPublicGroup(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if uid <= 0 {
		t.Fatalf("expected positive user id, got %d", uid)
	}

	groups, err := st.ListUserGroups(ctx, uid)
	if err != nil {
		t.Fatalf("list user groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != PublicGroupName {
		t.Fatalf("expected membership in %q, got %+v", PublicGroupName, groups)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateUser(ctx, "bob", "password1"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := st.CreateUser(ctx, "bob", "different1"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateWrongPasswordAndUnknownUser(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateUser(ctx, "carol", "correcthorse"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := st.Authenticate(ctx, "carol", "wrongpass"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for bad password, got %v", err)
	}
	if _, err := st.Authenticate(ctx, "nobody", "whatever1"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for unknown user, got %v", err)
	}

	u, err := st.Authenticate(ctx, "carol", "correcthorse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.Username != "carol" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestAuthenticateBannedUser(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "dave", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := st.Ban(ctx, uid); err != nil {
		t.Fatalf("ban user: %v", err)
	}
	if _, err := st.Authenticate(ctx, "dave", "password1"); !errors.Is(err, ErrUserBanned) {
		t.Fatalf("expected ErrUserBanned, got %v", err)
	}
}

func TestGroupLifecycleAndMembership(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "erin", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	gid, err := st.CreateGroup(ctx, "devs", false)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := st.CreateGroup(ctx, "devs", false); !errors.Is(err, ErrGroupExists) {
		t.Fatalf("expected ErrGroupExists, got %v", err)
	}

	if err := st.AddMember(ctx, gid, uid); err != nil {
		t.Fatalf("add member: %v", err)
	}
	// Idempotent re-add must not error.
	if err := st.AddMember(ctx, gid, uid); err != nil {
		t.Fatalf("re-add member: %v", err)
	}

	isMember, err := st.IsMember(ctx, gid, uid)
	if err != nil {
		t.Fatalf("is member: %v", err)
	}
	if !isMember {
		t.Fatalf("expected erin to be a member of devs")
	}

	members, err := st.ListMembers(ctx, gid)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 || members[0].Username != "erin" {
		t.Fatalf("unexpected members: %+v", members)
	}

	if err := st.RemoveMember(ctx, gid, uid); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	isMember, err = st.IsMember(ctx, gid, uid)
	if err != nil {
		t.Fatalf("is member after removal: %v", err)
	}
	if isMember {
		t.Fatalf("expected erin to no longer be a member of devs")
	}
}

func TestSaveMessageRejectsBannedGroupAndLongContent(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "frank", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	gid, err := st.CreateGroup(ctx, "banned-room", false)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	oversized := make([]byte, MaxMessageContentLen+1)
	for i := range oversized {
		oversized[i] = 'x'
	}
	if _, err := st.SaveMessage(ctx, gid, uid, string(oversized), MessageText); !errors.Is(err, ErrContentTooLong) {
		t.Fatalf("expected ErrContentTooLong, got %v", err)
	}

	if err := st.BanGroup(ctx, gid); err != nil {
		t.Fatalf("ban group: %v", err)
	}
	if _, err := st.SaveMessage(ctx, gid, uid, "hello", MessageText); !errors.Is(err, ErrGroupBanned) {
		t.Fatalf("expected ErrGroupBanned, got %v", err)
	}
}

func TestGetHistoryOrderingAndPagination(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "gina", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	gid, err := st.CreateGroup(ctx, "room1", false)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := st.SaveMessage(ctx, gid, uid, "msg", MessageText)
		if err != nil {
			t.Fatalf("save message %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	all, err := st.GetHistory(ctx, gid, 10, 0)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}
	for i, m := range all {
		if m.ID != ids[i] {
			t.Fatalf("expected ascending id order, got %+v at index %d", m, i)
		}
	}

	page, err := st.GetHistory(ctx, gid, 2, ids[4])
	if err != nil {
		t.Fatalf("get history before id: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[3] {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestDrainOfflineIsExactlyOnce(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "hank", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := st.EnqueueOffline(ctx, uid, []byte(`{"type":"chat"}`)); err != nil {
		t.Fatalf("enqueue offline: %v", err)
	}
	if err := st.EnqueueOffline(ctx, uid, []byte(`{"type":"chat2"}`)); err != nil {
		t.Fatalf("enqueue offline: %v", err)
	}

	first, err := st.DrainOffline(ctx, uid, 10)
	if err != nil {
		t.Fatalf("drain offline: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(first))
	}

	second, err := st.DrainOffline(ctx, uid, 10)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected drained messages not to be redelivered, got %d", len(second))
	}
}

func TestReapDeliveredRemovesOldRows(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "ivy", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := st.EnqueueOffline(ctx, uid, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue offline: %v", err)
	}
	if _, err := st.DrainOffline(ctx, uid, 10); err != nil {
		t.Fatalf("drain offline: %v", err)
	}

	n, err := st.ReapDelivered(ctx, 0)
	if err != nil {
		t.Fatalf("reap delivered: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reaped, got %d", n)
	}
}

func TestDeleteUserReturnsOrphanedFilePaths(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "jack", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	gid, err := st.CreateGroup(ctx, "files-room", false)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if _, err := st.SaveFileMetadata(ctx, FileMetadata{
		OriginalFilename: "report.pdf",
		ServerFilepath:   "/data/blobs/aaa",
		FileSize:         1024,
		Checksum:         "deadbeef",
		UploaderID:       uid,
		ChatGroupID:      gid,
	}); err != nil {
		t.Fatalf("save file metadata: %v", err)
	}

	orphans, err := st.DeleteUser(ctx, uid)
	if err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "/data/blobs/aaa" {
		t.Fatalf("unexpected orphaned paths: %+v", orphans)
	}

	if _, err := st.UserByID(ctx, uid); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user to be gone, got %v", err)
	}
}

func TestDeleteUserOrphansAuthoredMessagesRatherThanDeletingThem(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	uid, err := st.CreateUser(ctx, "dana", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	gid, err := st.CreateGroup(ctx, "chat-room", false)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := st.AddMember(ctx, gid, uid); err != nil {
		t.Fatalf("add member: %v", err)
	}
	msgID, err := st.SaveMessage(ctx, gid, uid, "hello before deletion", MessageText)
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	if _, err := st.DeleteUser(ctx, uid); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	rows, err := st.GetHistory(ctx, gid, 10, 0)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	var found bool
	for _, r := range rows {
		if r.ID != msgID {
			continue
		}
		found = true
		if r.SenderID != 0 {
			t.Fatalf("expected deleted user's message to have sender_id nulled, got %d", r.SenderID)
		}
		if r.SenderUsername != "system" {
			t.Fatalf("expected deleted user's message to display as system, got %q", r.SenderUsername)
		}
	}
	if !found {
		t.Fatalf("expected message %d to survive user deletion", msgID)
	}
}

func TestStatsCountsRows(t *testing.T) {
	t.Parallel()

	st, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if _, err := st.CreateUser(ctx, "kim", "password1"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// kim + whatever bootstrap created.
	if stats.Users < 1 {
		t.Fatalf("expected at least 1 user, got %d", stats.Users)
	}
	if stats.Groups < 1 {
		t.Fatalf("expected at least 1 group (public), got %d", stats.Groups)
	}
}
