// Package group orchestrates chat-group membership on top of the store and
// session registry: creation, join/leave, and the public-group bootstrap and
// private-chat-as-group conventions.
package group

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"chatcore/internal/protocol"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// Manager ties group membership changes to the store and reports online
// membership using the session registry.
type Manager struct {
	store *store.Store
	sess  *session.Registry
	log   *logrus.Entry
}

// New builds a group Manager.
func New(st *store.Store, sess *session.Registry, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{store: st, sess: sess, log: log.WithField("component", "group")}
}

// Create makes a new named group and adds the creator as its first member.
func (m *Manager) Create(ctx context.Context, name string, creatorID int64) (int64, error) {
	if name == "" || name == store.PublicGroupName {
		return 0, protocol.NewError(protocol.CodeInvalidInput, "invalid group name")
	}
	gid, err := m.store.CreateGroup(ctx, name, false)
	if err != nil {
		if err == store.ErrGroupExists {
			return 0, protocol.NewError(protocol.CodeGroupExists, "group name already exists")
		}
		return 0, protocol.NewError(protocol.CodeInternal, "create group failed")
	}
	if err := m.store.AddMember(ctx, gid, creatorID); err != nil {
		return 0, protocol.NewError(protocol.CodeInternal, "join created group failed")
	}
	return gid, nil
}

// PrivateChatName deterministically names the two-member group backing a
// private conversation between a and b, regardless of argument order.
func PrivateChatName(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("__dm_%d_%d", a, b)
}

// EnsurePrivateChat returns the group ID for the private conversation
// between userA and userB, creating it (and adding both members) on first
// use. Private chats are modelled as regular two-member groups
//.
func (m *Manager) EnsurePrivateChat(ctx context.Context, userA, userB int64) (int64, error) {
	name := PrivateChatName(userA, userB)
	g, err := m.store.GroupByName(ctx, name)
	if err == nil {
		return g.ID, nil
	}
	if err != store.ErrGroupNotFound {
		return 0, protocol.NewError(protocol.CodeInternal, "lookup private chat failed")
	}

	gid, err := m.store.CreateGroup(ctx, name, true)
	if err != nil {
		if err == store.ErrGroupExists {
			// Lost a race with a concurrent EnsurePrivateChat; re-fetch.
			g, lookupErr := m.store.GroupByName(ctx, name)
			if lookupErr != nil {
				return 0, protocol.NewError(protocol.CodeInternal, "lookup private chat failed")
			}
			return g.ID, nil
		}
		return 0, protocol.NewError(protocol.CodeInternal, "create private chat failed")
	}
	if err := m.store.AddMember(ctx, gid, userA); err != nil {
		return 0, protocol.NewError(protocol.CodeInternal, "join private chat failed")
	}
	if err := m.store.AddMember(ctx, gid, userB); err != nil {
		return 0, protocol.NewError(protocol.CodeInternal, "join private chat failed")
	}
	return gid, nil
}

// Join adds userID to groupID, rejecting banned groups.
func (m *Manager) Join(ctx context.Context, groupID, userID int64) error {
	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return protocol.NewError(protocol.CodeGroupNotFound, "no such group")
	}
	if g.IsBanned {
		return protocol.NewError(protocol.CodeGroupBanned, "group is banned")
	}
	if err := m.store.AddMember(ctx, groupID, userID); err != nil {
		return protocol.NewError(protocol.CodeInternal, "join failed")
	}
	return nil
}

// Leave removes userID from groupID. Leaving the public group is rejected:
// every user remains a member of the bootstrap group.
func (m *Manager) Leave(ctx context.Context, groupID, userID int64) error {
	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return protocol.NewError(protocol.CodeGroupNotFound, "no such group")
	}
	if g.Name == store.PublicGroupName {
		return protocol.NewError(protocol.CodeInvalidInput, "cannot leave the public group")
	}
	isMember, err := m.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return protocol.NewError(protocol.CodeInternal, "membership check failed")
	}
	if !isMember {
		return protocol.NewError(protocol.CodeNotAMember, "not a member of this group")
	}
	if err := m.store.RemoveMember(ctx, groupID, userID); err != nil {
		return protocol.NewError(protocol.CodeInternal, "leave failed")
	}
	return nil
}

// Member pairs a store member record with its live online status.
type Member struct {
	UserID   int64
	Username string
	Online   bool
}

// Members returns every member of groupID annotated with live online
// status sourced from the session registry.
func (m *Manager) Members(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := m.store.ListMembers(ctx, groupID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "list members failed")
	}
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, Member{UserID: r.UserID, Username: r.Username, Online: m.sess.IsOnline(r.UserID)})
	}
	return out, nil
}

// RequireMembership returns an error unless userID belongs to groupID and
// the group is not banned.
func (m *Manager) RequireMembership(ctx context.Context, groupID, userID int64) error {
	g, err := m.store.GroupByID(ctx, groupID)
	if err != nil {
		return protocol.NewError(protocol.CodeGroupNotFound, "no such group")
	}
	if g.IsBanned {
		return protocol.NewError(protocol.CodeGroupBanned, "group is banned")
	}
	isMember, err := m.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return protocol.NewError(protocol.CodeInternal, "membership check failed")
	}
	if !isMember {
		return protocol.NewError(protocol.CodeNotAMember, "not a member of this group")
	}
	return nil
}
