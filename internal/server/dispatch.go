package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chatcore/internal/filetransfer"
	"chatcore/internal/protocol"
	"chatcore/internal/router"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// dispatch routes one decoded frame to its handler by type. Handlers never
// return an error directly; they send their own response or error frame so
// the read loop can keep going regardless of outcome.
func (h *handler) dispatch(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegister:
		h.handleRegister(ctx, msg)
	case protocol.TypeLogin:
		h.handleLogin(ctx, msg)
	case protocol.TypeLogout:
		h.handleLogout(ctx)
	case protocol.TypePing:
		h.handlePing(msg)
	case protocol.TypeChat:
		h.handleChat(ctx, msg)
	case protocol.TypePrivate:
		h.handlePrivate(ctx, msg)
	case protocol.TypeCreateGroup:
		h.handleCreateGroup(ctx, msg)
	case protocol.TypeJoinGroup:
		h.handleJoinGroup(ctx, msg)
	case protocol.TypeLeaveGroup:
		h.handleLeaveGroup(ctx, msg)
	case protocol.TypeHistoryRequest:
		h.handleHistory(ctx, msg)
	case protocol.TypeSystem:
		h.handleSystem(ctx, msg)
	case protocol.TypeBroadcast:
		h.handleBroadcast(ctx, msg)
	case protocol.TypeNotification:
		h.handleNotification(ctx, msg)
	case protocol.TypeUploadRequest:
		h.handleUploadRequest(msg)
	case protocol.TypeUploadChunk:
		h.handleUploadChunk(msg)
	case protocol.TypeUploadComplete:
		h.handleUploadComplete(ctx, msg)
	case protocol.TypeDownloadRequest:
		h.handleDownloadRequest(ctx, msg)
	case protocol.TypeDownloadChunk:
		h.handleDownloadChunk(msg)
	default:
		h.sendError(protocol.NewError(protocol.CodeInvalidInput, "unknown message type: "+msg.Type))
	}
}

func (h *handler) handleRegister(ctx context.Context, msg protocol.Message) {
	userID, err := h.deps.Auth.Register(ctx, msg.Username, msg.Password)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}
	h.log.WithField("username", msg.Username).Info("user registered")
	_ = h.send(protocol.Message{Type: protocol.TypeRegisterResp, Username: msg.Username, SenderID: userID, Success: true})
}

func (h *handler) handleLogin(ctx context.Context, msg protocol.Message) {
	if h.sconn.State() != session.StateConnecting {
		h.sendError(protocol.NewError(protocol.CodeInvalidInput, "already authenticated"))
		return
	}

	user, err := h.deps.Auth.Login(ctx, msg.Username, msg.Password)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}

	h.deps.Sessions.Transition(h.sconn.ID, session.StateAuthenticating)
	h.deps.Sessions.Transition(h.sconn.ID, session.StateActive)

	if previous := h.deps.Sessions.BindUser(h.sconn.ID, user.ID, user.Username); previous != nil {
		_ = previous.SendRaw(mustFrame(protocol.Message{Type: protocol.TypeForceLogout, Reason: "logged in from another connection"}))
		_ = previous.Close()
	}

	if err := h.deps.Store.SetOnline(ctx, user.ID, true); err != nil {
		h.log.WithError(err).Warn("failed to mark user online")
	}

	h.log.WithField("username", user.Username).Info("user logged in")
	_ = h.send(protocol.Message{Type: protocol.TypeLoginResp, Username: user.Username, SenderID: user.ID, Success: true})

	h.sendUserList(ctx)
	h.drainOffline(ctx, user.ID)
}

// drainOffline flushes every undelivered offline message queued for userID
// to this connection, in insertion order, before the read loop accepts any
// further traffic.
func (h *handler) drainOffline(ctx context.Context, userID int64) {
	const batch = 100
	for {
		msgs, err := h.deps.Store.DrainOffline(ctx, userID, batch)
		if err != nil {
			h.log.WithError(err).Warn("failed to drain offline messages")
			return
		}
		for _, m := range msgs {
			if err := h.sconn.SendRaw(m.Payload); err != nil {
				h.log.WithError(err).Warn("failed to deliver drained offline message")
				return
			}
		}
		if len(msgs) < batch {
			return
		}
	}
}

func (h *handler) handleLogout(ctx context.Context) {
	if h.sconn.UserID != 0 {
		if err := h.deps.Store.SetOnline(ctx, h.sconn.UserID, false); err != nil {
			h.log.WithError(err).Warn("failed to mark user offline on logout")
		}
	}
	h.deps.Sessions.Transition(h.sconn.ID, session.StateClosing)
	_ = h.send(protocol.Message{Type: protocol.TypeLogout, Success: true})
}

func (h *handler) handlePing(msg protocol.Message) {
	var latency time.Duration
	if msg.TS > 0 {
		latency = time.Since(time.UnixMilli(msg.TS))
	}
	h.deps.Sessions.TouchPing(h.sconn.ID, latency)
	_ = h.send(protocol.Message{Type: protocol.TypePong, TS: msg.TS})
}

func (h *handler) handleChat(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if err := h.deps.Group.RequireMembership(ctx, msg.GroupID, h.sconn.UserID); err != nil {
		h.sendError(asProtoError(err))
		return
	}

	h.persistAndRoute(ctx, msg.GroupID, msg.Content, store.MessageText, protocol.TypeChat)
}

// handleSystem persists and routes a system-authored announcement to a
// group the caller belongs to, e.g. an operational notice distinct from a
// user's own chat message.
func (h *handler) handleSystem(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if err := h.deps.Group.RequireMembership(ctx, msg.GroupID, h.sconn.UserID); err != nil {
		h.sendError(asProtoError(err))
		return
	}
	h.persistAndRoute(ctx, msg.GroupID, msg.Content, store.MessageSystem, protocol.TypeSystem)
}

// handleBroadcast fans msg out to every online user except the sender. A
// broadcast is not a group message: it is not persisted to history.
func (h *handler) handleBroadcast(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	out := protocol.Message{
		Type:           protocol.TypeBroadcast,
		SenderID:       h.sconn.UserID,
		SenderUsername: h.sconn.Username,
		Content:        msg.Content,
		Timestamp:      time.Now().Unix(),
	}
	res := h.deps.Router.RouteBroadcast(ctx, h.sconn.UserID, out, router.PriorityBulk)
	h.countRouted(res.Outcome)
}

// handleNotification delivers msg.Content to a single target user as a
// notification rather than a persisted private chat message, carrying an
// Intent flag the client can use to distinguish it in its UI.
func (h *handler) handleNotification(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if msg.TargetUser == 0 || msg.TargetUser == h.sconn.UserID {
		h.sendError(protocol.NewError(protocol.CodeInvalidInput, "invalid target_user"))
		return
	}
	intent := msg.Intent
	if intent == "" {
		intent = "notice"
	}
	out := protocol.Message{
		Type:           protocol.TypeNotification,
		SenderID:       h.sconn.UserID,
		SenderUsername: h.sconn.Username,
		Content:        msg.Content,
		Intent:         intent,
		Timestamp:      time.Now().Unix(),
	}
	res := h.deps.Router.RouteToUsers(ctx, []int64{msg.TargetUser}, out, router.PriorityChat)
	h.countRouted(res.Outcome)
}

func (h *handler) handlePrivate(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if msg.TargetUser == 0 || msg.TargetUser == h.sconn.UserID {
		h.sendError(protocol.NewError(protocol.CodeInvalidInput, "invalid target_user"))
		return
	}

	groupID, err := h.deps.Group.EnsurePrivateChat(ctx, h.sconn.UserID, msg.TargetUser)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}

	h.persistAndRoute(ctx, groupID, msg.Content, store.MessageText, protocol.TypeChat)
}

// persistAndRoute saves content as a message in groupID, echoes it back to
// the sender, fans it out to the rest of the group, and triggers the
// assistant relay when content mentions it. wireType is the Message.Type
// the frame carries on the wire (TypeChat for ordinary chat/private
// messages, TypeSystem for system-authored announcements).
func (h *handler) persistAndRoute(ctx context.Context, groupID int64, content string, kind store.MessageType, wireType string) {
	msgID, err := h.deps.Store.SaveMessage(ctx, groupID, h.sconn.UserID, content, kind)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}

	out := protocol.Message{
		Type:           wireType,
		GroupID:        groupID,
		SenderID:       h.sconn.UserID,
		SenderUsername: h.sconn.Username,
		Content:        content,
		MessageID:      msgID,
		MessageKind:    protocol.MessageType(kind),
		Timestamp:      time.Now().Unix(),
	}
	_ = h.send(out)

	res, err := h.deps.Router.RouteToGroup(ctx, groupID, h.sconn.UserID, out, router.PriorityChat)
	if err != nil {
		h.log.WithError(err).Warn("route to group failed")
	} else {
		if res.Outcome == router.OutcomeFailed {
			h.log.WithField("group_id", groupID).Warn("message delivery failed for all recipients")
		}
		h.countRouted(res.Outcome)
	}

	if h.deps.AI != nil && h.deps.AI.Mentioned(content) {
		go h.relayToAI(groupID, h.sconn.Username, content)
	}
}

// relayToAI runs off the connection's goroutine so a slow or failing
// provider never stalls the read loop; its reply is persisted and routed
// like any other group message once it returns.
func (h *handler) relayToAI(groupID int64, senderUsername, content string) {
	start := time.Now()
	reply := h.deps.AI.Reply(context.Background(), groupID, senderUsername, content)
	if h.deps.Metrics != nil {
		h.deps.Metrics.AICallLatency.Observe(time.Since(start).Seconds())
	}
	if reply == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgID, err := h.deps.Store.SaveMessage(ctx, groupID, 0, reply, store.MessageAI)
	if err != nil {
		h.log.WithError(err).Warn("failed to persist assistant reply")
		return
	}

	out := protocol.Message{
		Type:        protocol.TypeChat,
		GroupID:     groupID,
		SenderID:    0,
		Content:     reply,
		MessageID:   msgID,
		MessageKind: protocol.MessageType(store.MessageAI),
		Timestamp:   time.Now().Unix(),
	}
	if _, err := h.deps.Router.RouteToGroup(ctx, groupID, 0, out, router.PriorityChat); err != nil {
		h.log.WithError(err).Warn("route assistant reply failed")
	}
}

func (h *handler) handleCreateGroup(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	groupID, err := h.deps.Group.Create(ctx, msg.Name, h.sconn.UserID)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}
	_ = h.send(protocol.Message{Type: protocol.TypeGroupResp, GroupID: groupID, Name: msg.Name, Success: true})
}

func (h *handler) handleJoinGroup(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if err := h.deps.Group.Join(ctx, msg.GroupID, h.sconn.UserID); err != nil {
		h.sendError(asProtoError(err))
		return
	}
	_ = h.send(protocol.Message{Type: protocol.TypeGroupResp, GroupID: msg.GroupID, Success: true})
}

func (h *handler) handleLeaveGroup(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if err := h.deps.Group.Leave(ctx, msg.GroupID, h.sconn.UserID); err != nil {
		h.sendError(asProtoError(err))
		return
	}
	_ = h.send(protocol.Message{Type: protocol.TypeGroupResp, GroupID: msg.GroupID, Success: true})
}

func (h *handler) handleHistory(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if err := h.deps.Group.RequireMembership(ctx, msg.GroupID, h.sconn.UserID); err != nil {
		h.sendError(asProtoError(err))
		return
	}

	limit := msg.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := h.deps.Store.GetHistory(ctx, msg.GroupID, limit, msg.BeforeID)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}

	entries := make([]protocol.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, protocol.HistoryEntry{
			MessageID:      r.ID,
			GroupID:        r.GroupID,
			SenderID:       r.SenderID,
			SenderUsername: r.SenderUsername,
			Content:        r.Content,
			MessageType:    protocol.MessageType(r.MessageType),
			Timestamp:      r.Timestamp,
		})
	}
	_ = h.send(protocol.Message{Type: protocol.TypeHistoryResponse, GroupID: msg.GroupID, Messages: entries})
}

func (h *handler) sendUserList(ctx context.Context) {
	groups, err := h.deps.Store.ListUserGroups(ctx, h.sconn.UserID)
	if err != nil || len(groups) == 0 {
		return
	}
	members, err := h.deps.Group.Members(ctx, groups[0].ID)
	if err != nil {
		return
	}
	users := make([]protocol.ChatUser, 0, len(members))
	for _, m := range members {
		users = append(users, protocol.ChatUser{ID: m.UserID, Username: m.Username, Online: m.Online})
	}
	_ = h.send(protocol.Message{Type: protocol.TypeUserList, Users: users})
}

func (h *handler) handleUploadRequest(msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	fileID, totalChunks, err := h.deps.Files.BeginUpload(h.sconn.ID, filetransferRequestFrom(msg, h.sconn.UserID))
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}
	_ = h.send(protocol.Message{
		Type:        protocol.TypeUploadResponse,
		FileID:      fileID,
		ChunkSize:   msg.ChunkSize,
		TotalChunks: totalChunks,
		Success:     true,
	})
}

func (h *handler) handleUploadChunk(msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if err := h.deps.Files.WriteChunk(msg.FileID, msg.ChunkIndex, msg.Data, msg.Checksum); err != nil {
		h.sendError(asProtoError(err))
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.FileBytesUploaded.Add(float64(len(msg.Data)))
	}
}

func (h *handler) handleUploadComplete(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	meta, err := h.deps.Files.CompleteUpload(ctx, msg.FileID, msg.Checksum)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}
	_ = h.send(protocol.Message{Type: protocol.TypeUploadComplete, FileID: msg.FileID, Success: true})

	out := protocol.Message{
		Type:           protocol.TypeChat,
		GroupID:        meta.ChatGroupID,
		SenderID:       meta.UploaderID,
		SenderUsername: h.sconn.Username,
		Content:        meta.OriginalFilename,
		MessageKind:    protocol.MessageType(store.MessageFile),
		Filename:       meta.OriginalFilename,
		FileSize:       meta.FileSize,
		Timestamp:      time.Now().Unix(),
	}
	if meta.MessageID != nil {
		out.MessageID = *meta.MessageID
	}
	if _, err := h.deps.Router.RouteToGroup(ctx, meta.ChatGroupID, meta.UploaderID, out, router.PriorityChat); err != nil {
		h.log.WithError(err).Warn("route uploaded file message failed")
	}
}

func (h *handler) handleDownloadRequest(ctx context.Context, msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	fileID, err := strconv.ParseInt(msg.FileID, 10, 64)
	if err != nil {
		h.sendError(protocol.NewError(protocol.CodeInvalidInput, "file_id must be numeric"))
		return
	}

	dl, meta, err := h.deps.Files.BeginDownload(ctx, h.sconn.ID, fileID)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}
	h.download = dl

	_ = h.send(protocol.Message{
		Type:     protocol.TypeDownloadResponse,
		FileID:   msg.FileID,
		Filename: meta.OriginalFilename,
		FileSize: meta.FileSize,
		Checksum: meta.Checksum,
		Success:  true,
	})
}

func (h *handler) handleDownloadChunk(msg protocol.Message) {
	if pe := h.requireActive(); pe != nil {
		h.sendError(pe)
		return
	}
	if h.download == nil {
		h.sendError(protocol.NewError(protocol.CodeInvalidInput, "no download in progress"))
		return
	}

	chunkSize := msg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	data, isLast, err := h.download.ReadChunk(chunkSize, msg.ChunkIndex)
	if err != nil {
		h.sendError(asProtoError(err))
		return
	}
	_ = h.send(protocol.Message{Type: protocol.TypeDownloadChunk, ChunkIndex: msg.ChunkIndex, Data: data, Success: true})
	if h.deps.Metrics != nil {
		h.deps.Metrics.FileBytesDownloaded.Add(float64(len(data)))
	}

	if isLast {
		h.deps.Files.CompleteDownload(h.download)
		h.download = nil
		_ = h.send(protocol.Message{Type: protocol.TypeDownloadComplete, FileID: msg.FileID, Success: true})
	}
}

// countRouted records a delivered message's outcome against the messages
// routed counter, a no-op when metrics are not configured.
func (h *handler) countRouted(outcome router.Outcome) {
	if h.deps.Metrics == nil {
		return
	}
	var label string
	switch outcome {
	case router.OutcomeSuccess:
		label = "success"
	case router.OutcomePartialSuccess:
		label = "partial_success"
	case router.OutcomeNoRecipients:
		label = "no_recipients"
	default:
		label = "failed"
		h.deps.Metrics.MessagesDropped.Inc()
	}
	h.deps.Metrics.MessagesRouted.WithLabelValues(label).Inc()
}

// mustFrame marshals+frames v for direct delivery to another connection's
// Sender; framing a well-formed Message never fails.
func mustFrame(v protocol.Message) []byte {
	b, err := protocol.FrameMessage(v)
	if err != nil {
		panic(fmt.Sprintf("server: framing a protocol.Message failed: %v", err))
	}
	return b
}

// filetransferRequestFrom adapts an upload_request frame into the
// filetransfer package's validated request type.
func filetransferRequestFrom(msg protocol.Message, senderID int64) filetransfer.UploadRequest {
	return filetransfer.UploadRequest{
		Filename:  msg.Filename,
		FileSize:  msg.FileSize,
		MimeType:  msg.MimeType,
		ChunkSize: msg.ChunkSize,
		GroupID:   msg.GroupID,
		SenderID:  senderID,
	}
}
