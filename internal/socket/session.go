package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"socialink/internal/authz"
	"socialink/internal/data"
	"socialink/internal/mail"
	"socialink/internal/middleware"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ConversationStore is the slice of the durable store the session controller
// needs for conversations. Satisfied by data.ConversationsStore and by fakes
// in tests.
type ConversationStore interface {
	Create(ctx context.Context, conv *data.Conversation) (*data.Conversation, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*data.Conversation, error)
	FindByUserID(ctx context.Context, userID bson.ObjectID, page, limit int64) ([]*data.Conversation, error)
	FindDirectBetween(ctx context.Context, a, b bson.ObjectID) (*data.Conversation, error)
	AddMember(ctx context.Context, id bson.ObjectID, m data.Membership) (*data.Conversation, error)
	MarkLeft(ctx context.Context, id, userID bson.ObjectID) (*data.Conversation, error)
	SetRole(ctx context.Context, id, userID bson.ObjectID, role data.Role) (*data.Conversation, error)
	SetDeleted(ctx context.Context, id bson.ObjectID) error
	SetName(ctx context.Context, id bson.ObjectID, name string) error
	SetAvatar(ctx context.Context, id bson.ObjectID, avatar string) error
	SetLatestMessage(ctx context.Context, id, messageID bson.ObjectID) error
}

// MessageStore is the message slice of the durable store.
type MessageStore interface {
	Create(ctx context.Context, msg *data.Message) (*data.Message, error)
	FindByID(ctx context.Context, id bson.ObjectID) (*data.Message, error)
	EditText(ctx context.Context, id, senderID bson.ObjectID, text string) (*data.Message, error)
	SoftDelete(ctx context.Context, id, senderID bson.ObjectID) (*data.Message, error)
}

// UserStore is the user slice of the durable store.
type UserStore interface {
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
	UserExists(ctx context.Context, id bson.ObjectID) (bool, error)
}

// Session is the per-connection controller. Its connection is already
// authenticated; the identity was fixed at connect time and never changes.
// Events arrive one at a time per connection (the read loop is sequential),
// so a handler runs to completion before the next event on the same
// connection; handlers for different connections interleave freely.
type Session struct {
	conn    *Conn
	reg     *Registry
	bus     *Dispatcher
	convs   ConversationStore
	msgs    MessageStore
	users   UserStore
	mailer  mail.Sender
	limiter *middleware.LimiterStore
}

// NewSession wires a controller for one authenticated connection.
func NewSession(conn *Conn, reg *Registry, bus *Dispatcher, convs ConversationStore, msgs MessageStore, users UserStore, mailer mail.Sender, limiter *middleware.LimiterStore) *Session {
	return &Session{
		conn:    conn,
		reg:     reg,
		bus:     bus,
		convs:   convs,
		msgs:    msgs,
		users:   users,
		mailer:  mailer,
		limiter: limiter,
	}
}

// HandleEvent routes one inbound envelope. Failures are converted into an
// error event on this connection; they never tear the connection down and
// never leak into other events.
func (s *Session) HandleEvent(ctx context.Context, env Envelope) {
	if s.limiter != nil && !s.limiter.Allow(s.conn.UserID.Hex()) {
		s.sendError(&Error{Kind: KindConflict, Message: "rate limit exceeded, slow down"})
		return
	}

	var err error
	switch env.Event {
	case EventSetup:
		err = s.handleSetup(ctx, env.Data)
	case EventTyping, EventStopTyping:
		err = s.handleTyping(env.Event, env.Data)
	case EventCreateConversation:
		err = s.handleCreateConversation(ctx, env.Data)
	case EventAddNewMember:
		err = s.handleAddNewMember(ctx, env.Data)
	case EventRemoveMember:
		err = s.handleRemoveMember(ctx, env.Data)
	case EventLeaveConversation:
		err = s.handleLeaveConversation(ctx, env.Data)
	case EventTransferLeadership:
		err = s.handleTransferLeadership(ctx, env.Data)
	case EventDeleteConversationByLeader:
		err = s.handleDeleteConversationByLeader(ctx, env.Data)
	case EventUpdateConversationName:
		err = s.handleUpdateConversationName(ctx, env.Data)
	case EventUpdateConversationAvatar:
		err = s.handleUpdateConversationAvatar(ctx, env.Data)
	case EventNewMessage:
		err = s.handleNewMessage(ctx, env.Data)
	case EventEditMessage:
		err = s.handleEditMessage(ctx, env.Data)
	case EventDeleteMessage:
		err = s.handleDeleteMessage(ctx, env.Data)
	default:
		err = invalidInput(fmt.Sprintf("unknown event %q", env.Event))
	}

	if err != nil {
		e := classify(err)
		if e.Kind == KindInternal {
			log.Printf("event %s from user %s failed: %v", env.Event, s.conn.UserID.Hex(), err)
		}
		s.sendError(e)
	}
}

// handleSetup reconciles the in-memory registry with the store: the personal
// room plus one room per conversation the user is still active in. Join is
// idempotent, so a client replaying setup after a reconnect (or sending it
// twice) converges to the same room set.
func (s *Session) handleSetup(ctx context.Context, raw json.RawMessage) error {
	var p setupPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return invalidInput("malformed setup payload")
		}
	}

	s.reg.Join(s.conn, s.conn.UserID.Hex())

	convs, err := s.convs.FindByUserID(ctx, s.conn.UserID, p.Page, p.Limit)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if authz.IsActiveMember(conv, s.conn.UserID) {
			s.reg.Join(s.conn, conv.ID.Hex())
		}
	}

	return s.conn.Send(Event{Event: EventConnected, Data: map[string]any{
		"userId": s.conn.UserID.Hex(),
	}})
}

// handleTyping relays typing/stopTyping to the room unchanged. Best-effort
// UX signal: no authorization, no store access; the sender's own client
// ignores its echo.
func (s *Session) handleTyping(event string, raw json.RawMessage) error {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return invalidInput("typing requires a conversationId")
	}
	s.bus.ToRoom(p.ConversationID, event, map[string]any{
		"conversationId": p.ConversationID,
		"userId":         s.conn.UserID.Hex(),
	})
	return nil
}

func (s *Session) handleCreateConversation(ctx context.Context, raw json.RawMessage) error {
	var p createConversationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidInput("malformed createConversation payload")
	}
	if len(p.Members) == 0 {
		return invalidInput("members list must not be empty")
	}

	// Resolve member ids, dropping duplicates and the requester (re-added
	// below with a known role).
	seen := map[bson.ObjectID]struct{}{s.conn.UserID: {}}
	var others []bson.ObjectID
	for _, hex := range p.Members {
		id, err := bson.ObjectIDFromHex(hex)
		if err != nil {
			return invalidInput(fmt.Sprintf("invalid member id %q", hex))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others) == 0 {
		return invalidInput("a conversation needs at least one other member")
	}

	for _, id := range others {
		ok, err := s.users.UserExists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(fmt.Sprintf("user %s not found", id.Hex()))
		}
	}

	isGroup := len(others) >= 2
	if !isGroup {
		// Direct conversations are unique per unordered pair: reuse the
		// existing one instead of creating a duplicate.
		if existing, err := s.convs.FindDirectBetween(ctx, s.conn.UserID, others[0]); err == nil {
			s.reg.JoinUser(s.conn.UserID, existing.ID.Hex())
			s.reg.JoinUser(others[0], existing.ID.Hex())
			s.bus.ToUser(s.conn.UserID.Hex(), EventCreatedConversation, existing)
			return nil
		} else if !errors.Is(err, data.ErrConversationNotFound) {
			return err
		}
	}

	now := time.Now()
	creatorRole := data.RoleMember
	if isGroup {
		// Requester leads the groups they create.
		creatorRole = data.RoleLeader
	}
	members := []data.Membership{{UserID: s.conn.UserID, Role: creatorRole, JoinedAt: now}}
	for _, id := range others {
		members = append(members, data.Membership{UserID: id, Role: data.RoleMember, JoinedAt: now})
	}
	if err := authz.ValidateNewConversation(members); err != nil {
		return err
	}

	conv, err := s.convs.Create(ctx, &data.Conversation{
		Name:    p.Name,
		IsGroup: isGroup,
		Members: members,
	})
	if err != nil {
		return err
	}

	// Every member's live connections start receiving room traffic right
	// away; offline members catch up through setup on reconnect. The
	// creation ack itself goes to the creator only.
	room := conv.ID.Hex()
	for id := range seen {
		s.reg.JoinUser(id, room)
	}
	s.bus.ToUser(s.conn.UserID.Hex(), EventCreatedConversation, conv)
	return nil
}

func (s *Session) handleAddNewMember(ctx context.Context, raw json.RawMessage) error {
	p, convID, targetID, err := s.decodeMemberPayload(raw)
	if err != nil {
		return err
	}

	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if conv.IsDeleted {
		return notFound("conversation not found")
	}
	if !conv.IsGroup {
		return forbidden("members cannot be added to a direct conversation")
	}
	// Any active member may add; removal stays leader-only.
	if !authz.IsActiveMember(conv, s.conn.UserID) {
		return forbidden("you are not a member of this conversation")
	}

	target, err := s.users.GetUserByID(ctx, targetID)
	if err != nil {
		return err
	}

	updated, err := s.convs.AddMember(ctx, convID, data.Membership{
		UserID: targetID,
		Role:   data.RoleMember,
	})
	if err != nil {
		return err
	}

	room := convID.Hex()
	s.reg.JoinUser(targetID, room)
	s.bus.ToRoom(room, EventAddedNewMember, map[string]any{
		"conversation": updated,
		"userId":       p.UserID,
	})

	s.notifyByMail(target.Email, "You were added to a conversation",
		fmt.Sprintf("<p>You have been added to the conversation %q.</p>", updated.Name))
	return nil
}

func (s *Session) handleRemoveMember(ctx context.Context, raw json.RawMessage) error {
	p, convID, targetID, err := s.decodeMemberPayload(raw)
	if err != nil {
		return err
	}

	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return forbidden("members cannot be removed from a direct conversation")
	}
	if err := authz.CanModifyMembership(conv, s.conn.UserID); err != nil {
		return err
	}
	if targetID == s.conn.UserID {
		return invalidInput("use leaveConversation to remove yourself")
	}
	if !authz.IsActiveMember(conv, targetID) {
		return notFound("user is not an active member of this conversation")
	}

	if _, err := s.convs.MarkLeft(ctx, convID, targetID); err != nil {
		return err
	}

	room := convID.Hex()
	s.bus.ToRoom(room, EventRemovedMember, map[string]any{
		"conversationId": p.ConversationID,
		"userId":         p.UserID,
	})
	// Emit first so the removed user's clients learn about it, then cut
	// their connections out of the room.
	s.reg.LeaveUser(targetID, room)
	return nil
}

func (s *Session) handleLeaveConversation(ctx context.Context, raw json.RawMessage) error {
	var p conversationPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return invalidInput("leaveConversation requires a conversationId")
	}
	convID, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		return invalidInput("invalid conversation id")
	}

	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return forbidden("a direct conversation cannot be left")
	}
	// The sole leader may not leave; leadership has to be transferred
	// first so the group never ends up leaderless.
	if err := authz.CanLeave(conv, s.conn.UserID); err != nil {
		return err
	}

	if _, err := s.convs.MarkLeft(ctx, convID, s.conn.UserID); err != nil {
		return err
	}

	room := convID.Hex()
	s.bus.ToRoom(room, EventLeftConversation, map[string]any{
		"conversationId": p.ConversationID,
		"userId":         s.conn.UserID.Hex(),
	})
	s.reg.LeaveUser(s.conn.UserID, room)
	return nil
}

func (s *Session) handleTransferLeadership(ctx context.Context, raw json.RawMessage) error {
	p, convID, targetID, err := s.decodeMemberPayload(raw)
	if err != nil {
		return err
	}

	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return forbidden("direct conversations have no leader")
	}
	if err := authz.CanModifyMembership(conv, s.conn.UserID); err != nil {
		return err
	}
	if !authz.IsActiveMember(conv, targetID) {
		return notFound("user is not an active member of this conversation")
	}

	if _, err := s.convs.SetRole(ctx, convID, targetID, data.RoleLeader); err != nil {
		return err
	}

	s.bus.ToRoom(convID.Hex(), EventTransferredLeadership, map[string]any{
		"conversationId": p.ConversationID,
		"userId":         p.UserID,
	})
	return nil
}

func (s *Session) handleDeleteConversationByLeader(ctx context.Context, raw json.RawMessage) error {
	var p conversationPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		return invalidInput("deleteConversationByLeader requires a conversationId")
	}
	convID, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		return invalidInput("invalid conversation id")
	}

	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if err := authz.CanModifyMembership(conv, s.conn.UserID); err != nil {
		return err
	}

	if err := s.convs.SetDeleted(ctx, convID); err != nil {
		return err
	}

	room := convID.Hex()
	s.bus.ToRoom(room, EventDeletedConversation, map[string]any{
		"conversationId": p.ConversationID,
	})
	s.reg.CloseRoom(room)
	return nil
}

func (s *Session) handleUpdateConversationName(ctx context.Context, raw json.RawMessage) error {
	var p updateNamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.Name == "" {
		return invalidInput("updateConversationName requires conversationId and name")
	}
	convID, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		return invalidInput("invalid conversation id")
	}

	if err := s.requireActiveMember(ctx, convID); err != nil {
		return err
	}
	if err := s.convs.SetName(ctx, convID, p.Name); err != nil {
		return err
	}

	s.bus.ToRoom(convID.Hex(), EventUpdatedConversationName, map[string]any{
		"conversationId": p.ConversationID,
		"name":           p.Name,
	})
	return nil
}

func (s *Session) handleUpdateConversationAvatar(ctx context.Context, raw json.RawMessage) error {
	var p updateAvatarPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.Avatar == "" {
		return invalidInput("updateConversationAvatar requires conversationId and avatar")
	}
	convID, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		return invalidInput("invalid conversation id")
	}

	if err := s.requireActiveMember(ctx, convID); err != nil {
		return err
	}
	if err := s.convs.SetAvatar(ctx, convID, p.Avatar); err != nil {
		return err
	}

	s.bus.ToRoom(convID.Hex(), EventUpdatedConversationAvatar, map[string]any{
		"conversationId": p.ConversationID,
		"avatar":         p.Avatar,
	})
	return nil
}

func (s *Session) handleNewMessage(ctx context.Context, raw json.RawMessage) error {
	var p newMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidInput("malformed newMessage payload")
	}
	if p.ConversationID == "" {
		return invalidInput("newMessage requires a conversationId")
	}
	convID, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		return invalidInput("invalid conversation id")
	}

	content, msgType, err := decodeContent(p.Type, p.Data)
	if err != nil {
		return err
	}

	var replyTo *bson.ObjectID
	if p.ReplyToMessageID != "" {
		id, err := bson.ObjectIDFromHex(p.ReplyToMessageID)
		if err != nil {
			return invalidInput("invalid replyToMessageId")
		}
		replyTo = &id
	}

	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if conv.IsDeleted {
		return notFound("conversation not found")
	}
	if !authz.IsActiveMember(conv, s.conn.UserID) {
		return forbidden("you are not a member of this conversation")
	}

	msg, err := s.msgs.Create(ctx, &data.Message{
		ConversationID:   convID,
		SenderID:         s.conn.UserID,
		Type:             msgType,
		Content:          content,
		ReplyToMessageID: replyTo,
	})
	if err != nil {
		return err
	}
	if err := s.convs.SetLatestMessage(ctx, convID, msg.ID); err != nil {
		// The message exists; a stale latest-message pointer corrects
		// itself on the next message. Log and carry on.
		log.Printf("update latest message pointer for %s: %v", convID.Hex(), err)
	}

	// The sender's own clients receive the broadcast too, which keeps the
	// sending UI idempotent.
	s.bus.ToRoom(convID.Hex(), EventReceiveMessage, msg)
	return nil
}

func (s *Session) handleEditMessage(ctx context.Context, raw json.RawMessage) error {
	var p editMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		return invalidInput("editMessage requires a messageId")
	}
	if p.Data == "" {
		return invalidInput("editMessage requires replacement text")
	}
	msgID, err := bson.ObjectIDFromHex(p.MessageID)
	if err != nil {
		return invalidInput("invalid message id")
	}

	msg, err := s.msgs.FindByID(ctx, msgID)
	if err != nil {
		return err
	}
	if err := authz.CanEditMessage(msg, s.conn.UserID); err != nil {
		return err
	}

	// The store re-checks every precondition inside the update filter, so
	// a delete racing this edit cannot slip through.
	updated, err := s.msgs.EditText(ctx, msgID, s.conn.UserID, p.Data)
	if err != nil {
		return err
	}

	s.bus.ToRoom(updated.ConversationID.Hex(), EventEditedMessage, updated)
	return nil
}

func (s *Session) handleDeleteMessage(ctx context.Context, raw json.RawMessage) error {
	var p deleteMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MessageID == "" {
		return invalidInput("deleteMessage requires a messageId")
	}
	msgID, err := bson.ObjectIDFromHex(p.MessageID)
	if err != nil {
		return invalidInput("invalid message id")
	}

	msg, err := s.msgs.FindByID(ctx, msgID)
	if err != nil {
		return err
	}
	if err := authz.CanDeleteMessage(msg, s.conn.UserID); err != nil {
		return err
	}

	deleted, err := s.msgs.SoftDelete(ctx, msgID, s.conn.UserID)
	if err != nil {
		return err
	}

	s.bus.ToRoom(deleted.ConversationID.Hex(), EventDeletedMessage, map[string]any{
		"messageId":      p.MessageID,
		"conversationId": deleted.ConversationID.Hex(),
	})
	return nil
}

// decodeContent validates the polymorphic message payload once at the
// boundary: text and file expect a single object, image a non-empty array.
func decodeContent(typ string, raw json.RawMessage) (data.MessageContent, data.MessageType, error) {
	var content data.MessageContent
	msgType := data.MessageType(typ)

	switch msgType {
	case data.MessageText:
		var tc data.TextContent
		if err := json.Unmarshal(raw, &tc); err != nil || tc.Data == "" {
			return content, msgType, invalidInput("text message requires an object with data")
		}
		content.Text = &tc
	case data.MessageImage:
		var parts []data.ImagePart
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
			return content, msgType, invalidInput("image message requires a non-empty array of images")
		}
		for _, part := range parts {
			if part.Data == "" {
				return content, msgType, invalidInput("image message parts require data")
			}
		}
		content.Images = parts
	case data.MessageFile:
		var fc data.FileContent
		if err := json.Unmarshal(raw, &fc); err != nil || fc.Data == "" {
			return content, msgType, invalidInput("file message requires an object with data")
		}
		content.File = &fc
	default:
		return content, msgType, invalidInput(fmt.Sprintf("unknown message type %q", typ))
	}

	if !content.Matches(msgType) {
		return content, msgType, invalidInput("message content does not match its type")
	}
	return content, msgType, nil
}

func (s *Session) decodeMemberPayload(raw json.RawMessage) (memberPayload, bson.ObjectID, bson.ObjectID, error) {
	var p memberPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.UserID == "" {
		return p, bson.ObjectID{}, bson.ObjectID{}, invalidInput("conversationId and userId are required")
	}
	convID, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		return p, bson.ObjectID{}, bson.ObjectID{}, invalidInput("invalid conversation id")
	}
	userID, err := bson.ObjectIDFromHex(p.UserID)
	if err != nil {
		return p, bson.ObjectID{}, bson.ObjectID{}, invalidInput("invalid user id")
	}
	return p, convID, userID, nil
}

func (s *Session) requireActiveMember(ctx context.Context, convID bson.ObjectID) error {
	conv, err := s.convs.FindByID(ctx, convID)
	if err != nil {
		return err
	}
	if conv.IsDeleted {
		return notFound("conversation not found")
	}
	if !authz.IsActiveMember(conv, s.conn.UserID) {
		return forbidden("you are not a member of this conversation")
	}
	return nil
}

// notifyByMail fires the notification in the background; a mail failure is
// logged and never reaches the event flow.
func (s *Session) notifyByMail(to, subject, html string) {
	if s.mailer == nil || to == "" {
		return
	}
	go func() {
		if err := s.mailer.Send(context.Background(), to, subject, html); err != nil {
			log.Printf("notification mail to %s failed: %v", to, err)
		}
	}()
}

func (s *Session) sendError(e *Error) {
	// A dead sink here is handled by the read loop noticing the closed
	// transport; nothing more to do.
	_ = s.conn.Send(Event{Event: EventError, Data: map[string]any{
		"message": e.Message,
	}})
}
