package socket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"socialink/internal/data"
	"socialink/internal/middleware"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ---- in-memory store fakes -------------------------------------------------

type fakeConvStore struct {
	convs map[bson.ObjectID]*data.Conversation
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: map[bson.ObjectID]*data.Conversation{}}
}

func (f *fakeConvStore) Create(_ context.Context, conv *data.Conversation) (*data.Conversation, error) {
	conv.ID = bson.NewObjectID()
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeConvStore) FindByID(_ context.Context, id bson.ObjectID) (*data.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, data.ErrConversationNotFound
	}
	return conv, nil
}

func (f *fakeConvStore) FindByUserID(_ context.Context, userID bson.ObjectID, _, _ int64) ([]*data.Conversation, error) {
	var out []*data.Conversation
	for _, conv := range f.convs {
		if conv.IsDeleted {
			continue
		}
		for _, m := range conv.Members {
			if m.UserID == userID && m.Active() {
				out = append(out, conv)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeConvStore) FindDirectBetween(_ context.Context, a, b bson.ObjectID) (*data.Conversation, error) {
	for _, conv := range f.convs {
		if conv.IsGroup || conv.IsDeleted {
			continue
		}
		var hasA, hasB bool
		for _, m := range conv.Members {
			if m.UserID == a {
				hasA = true
			}
			if m.UserID == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return conv, nil
		}
	}
	return nil, data.ErrConversationNotFound
}

func (f *fakeConvStore) AddMember(_ context.Context, id bson.ObjectID, m data.Membership) (*data.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, data.ErrConversationNotFound
	}
	for _, existing := range conv.Members {
		if existing.UserID == m.UserID && existing.Active() {
			return nil, data.ErrAlreadyMember
		}
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	conv.Members = append(conv.Members, m)
	return conv, nil
}

func (f *fakeConvStore) MarkLeft(_ context.Context, id, userID bson.ObjectID) (*data.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, data.ErrConversationNotFound
	}
	for i := range conv.Members {
		if conv.Members[i].UserID == userID && conv.Members[i].Active() {
			now := time.Now()
			conv.Members[i].LeftAt = &now
			return conv, nil
		}
	}
	return nil, data.ErrNotActiveMember
}

func (f *fakeConvStore) SetRole(_ context.Context, id, userID bson.ObjectID, role data.Role) (*data.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return nil, data.ErrConversationNotFound
	}
	for i := range conv.Members {
		if conv.Members[i].UserID == userID && conv.Members[i].Active() {
			conv.Members[i].Role = role
			return conv, nil
		}
	}
	return nil, data.ErrNotActiveMember
}

func (f *fakeConvStore) SetDeleted(_ context.Context, id bson.ObjectID) error {
	conv, ok := f.convs[id]
	if !ok {
		return data.ErrConversationNotFound
	}
	conv.IsDeleted = true
	return nil
}

func (f *fakeConvStore) SetName(_ context.Context, id bson.ObjectID, name string) error {
	conv, ok := f.convs[id]
	if !ok {
		return data.ErrConversationNotFound
	}
	conv.Name = name
	return nil
}

func (f *fakeConvStore) SetAvatar(_ context.Context, id bson.ObjectID, avatar string) error {
	conv, ok := f.convs[id]
	if !ok {
		return data.ErrConversationNotFound
	}
	conv.Avatar = avatar
	return nil
}

func (f *fakeConvStore) SetLatestMessage(_ context.Context, id, messageID bson.ObjectID) error {
	conv, ok := f.convs[id]
	if !ok {
		return data.ErrConversationNotFound
	}
	conv.LatestMessageID = messageID
	return nil
}

type fakeMsgStore struct {
	msgs map[bson.ObjectID]*data.Message
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{msgs: map[bson.ObjectID]*data.Message{}}
}

func (f *fakeMsgStore) Create(_ context.Context, msg *data.Message) (*data.Message, error) {
	msg.ID = bson.NewObjectID()
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	f.msgs[msg.ID] = msg
	return msg, nil
}

func (f *fakeMsgStore) FindByID(_ context.Context, id bson.ObjectID) (*data.Message, error) {
	msg, ok := f.msgs[id]
	if !ok {
		return nil, data.ErrMessageNotFound
	}
	return msg, nil
}

func (f *fakeMsgStore) EditText(_ context.Context, id, senderID bson.ObjectID, text string) (*data.Message, error) {
	msg, ok := f.msgs[id]
	if !ok || msg.SenderID != senderID || msg.Type != data.MessageText || msg.IsDeleted {
		return nil, data.ErrMessageNotEditable
	}
	msg.Content.Text.Data = text
	msg.IsEdited = true
	return msg, nil
}

func (f *fakeMsgStore) SoftDelete(_ context.Context, id, senderID bson.ObjectID) (*data.Message, error) {
	msg, ok := f.msgs[id]
	if !ok || msg.SenderID != senderID {
		return nil, data.ErrMessageNotFound
	}
	msg.IsDeleted = true
	return msg, nil
}

type fakeUserStore struct {
	users map[bson.ObjectID]*data.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[bson.ObjectID]*data.User{}}
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id bson.ObjectID) (*data.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, data.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserStore) UserExists(_ context.Context, id bson.ObjectID) (bool, error) {
	_, ok := f.users[id]
	return ok, nil
}

// fakeMailer pushes sends into a channel so the asynchronous notification
// path can be observed.
type fakeMailer struct {
	sent chan string
}

func (f *fakeMailer) Send(_ context.Context, to, _, _ string) error {
	f.sent <- to
	return nil
}

// ---- harness ---------------------------------------------------------------

type testEnv struct {
	reg    *Registry
	bus    *Dispatcher
	convs  *fakeConvStore
	msgs   *fakeMsgStore
	users  *fakeUserStore
	mailer *fakeMailer
}

func newTestEnv() *testEnv {
	reg := NewRegistry()
	return &testEnv{
		reg:    reg,
		bus:    NewDispatcher(reg),
		convs:  newFakeConvStore(),
		msgs:   newFakeMsgStore(),
		users:  newFakeUserStore(),
		mailer: &fakeMailer{sent: make(chan string, 4)},
	}
}

func (e *testEnv) addUser(name string) bson.ObjectID {
	id := bson.NewObjectID()
	e.users.users[id] = &data.User{ID: id, Name: name, Email: name + "@example.com"}
	return id
}

// connect registers an authenticated connection for the user and returns its
// session controller.
func (e *testEnv) connect(userID bson.ObjectID) (*Session, *fakeSink) {
	sink := &fakeSink{}
	conn := NewConn(userID, sink)
	e.reg.Register(conn)
	return NewSession(conn, e.reg, e.bus, e.convs, e.msgs, e.users, e.mailer, nil), sink
}

func envelope(t *testing.T, event string, payload any) Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Envelope{Event: event, Data: raw}
}

// seedGroup creates a group conversation directly in the store: first id is
// the leader, the rest plain members.
func (e *testEnv) seedGroup(name string, leader bson.ObjectID, members ...bson.ObjectID) *data.Conversation {
	now := time.Now()
	ms := []data.Membership{{UserID: leader, Role: data.RoleLeader, JoinedAt: now}}
	for _, id := range members {
		ms = append(ms, data.Membership{UserID: id, Role: data.RoleMember, JoinedAt: now})
	}
	conv := &data.Conversation{Name: name, IsGroup: true, Members: ms}
	conv, _ = e.convs.Create(context.Background(), conv)
	return conv
}

// ---- tests -----------------------------------------------------------------

func TestSetup_JoinsPersonalAndConversationRooms(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("friends", alice, bob)

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	if !env.reg.InRoom(s.conn, alice.Hex()) {
		t.Fatal("setup should join the personal room")
	}
	if !env.reg.InRoom(s.conn, conv.ID.Hex()) {
		t.Fatal("setup should join the conversation room")
	}
	if got := sink.named(EventConnected); len(got) != 1 {
		t.Fatalf("expected one connected ack, got %d", len(got))
	}
	if got := sink.named(EventError); len(got) != 0 {
		t.Fatalf("unexpected error events: %+v", got)
	}
}

func TestSetup_Idempotent(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("friends", alice, bob)

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	s.HandleEvent(context.Background(), envelope(t, EventSetup, setupPayload{Page: 1, Limit: 20}))

	if got := env.reg.RoomSize(conv.ID.Hex()); got != 1 {
		t.Fatalf("duplicate setup must not duplicate joins, room size %d", got)
	}
	if got := sink.named(EventError); len(got) != 0 {
		t.Fatalf("duplicate setup must be harmless, got errors: %+v", got)
	}
	if got := sink.named(EventConnected); len(got) != 2 {
		t.Fatalf("each setup acks, got %d", len(got))
	}
}

func TestCreateConversation_DirectRoundTripAndDedup(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), envelope(t, EventCreateConversation,
		createConversationPayload{Members: []string{bob.Hex()}}))

	created := sink.named(EventCreatedConversation)
	if len(created) != 1 {
		t.Fatalf("expected createdConversation ack, got %+v", sink.events)
	}
	conv := created[0].Data.(*data.Conversation)
	if conv.IsGroup {
		t.Fatal("two participants must yield a direct conversation")
	}
	if len(conv.Members) != 2 {
		t.Fatalf("direct conversation must have exactly 2 members, got %d", len(conv.Members))
	}

	// Creating the same pair again reuses the existing conversation.
	s.HandleEvent(context.Background(), envelope(t, EventCreateConversation,
		createConversationPayload{Members: []string{bob.Hex()}}))
	created = sink.named(EventCreatedConversation)
	if len(created) != 2 {
		t.Fatalf("expected second ack, got %d", len(created))
	}
	again := created[1].Data.(*data.Conversation)
	if again.ID != conv.ID {
		t.Fatalf("direct conversation must be deduplicated: %s vs %s", again.ID.Hex(), conv.ID.Hex())
	}
	if len(env.convs.convs) != 1 {
		t.Fatalf("exactly one conversation should exist, got %d", len(env.convs.convs))
	}
}

func TestCreateConversation_GroupGetsCreatorAsLeader(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), envelope(t, EventCreateConversation,
		createConversationPayload{Name: "trio", Members: []string{bob.Hex(), carol.Hex()}}))

	created := sink.named(EventCreatedConversation)
	if len(created) != 1 {
		t.Fatalf("expected createdConversation ack, got %+v", sink.events)
	}
	conv := created[0].Data.(*data.Conversation)
	if !conv.IsGroup {
		t.Fatal("three participants must yield a group")
	}
	for _, m := range conv.Members {
		if m.UserID == alice && m.Role != data.RoleLeader {
			t.Fatalf("creator must hold the leader role, got %s", m.Role)
		}
	}
	if !env.reg.InRoom(s.conn, conv.ID.Hex()) {
		t.Fatal("creator's connection should have joined the new room")
	}
}

func TestCreateConversation_RejectsEmptyMembersAndUnknownUser(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	s, sink := env.connect(alice)

	s.HandleEvent(context.Background(), envelope(t, EventCreateConversation,
		createConversationPayload{Members: []string{}}))
	if got := sink.named(EventError); len(got) != 1 {
		t.Fatalf("empty members must produce an error event, got %+v", sink.events)
	}

	s.HandleEvent(context.Background(), envelope(t, EventCreateConversation,
		createConversationPayload{Members: []string{bson.NewObjectID().Hex()}}))
	if got := sink.named(EventError); len(got) != 2 {
		t.Fatalf("unknown member must produce an error event, got %d", len(got))
	}
	if len(env.convs.convs) != 0 {
		t.Fatal("no conversation may be created on rejection")
	}
}

func TestNewMessage_FanOutExcludesLeftMember(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")
	conv := env.seedGroup("trio", alice, bob, carol)

	// carol left before connecting
	if _, err := env.convs.MarkLeft(context.Background(), conv.ID, carol); err != nil {
		t.Fatalf("seed MarkLeft failed: %v", err)
	}

	sA, sinkA := env.connect(alice)
	sB, sinkB := env.connect(bob)
	sC, sinkC := env.connect(carol)
	sA.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sB.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sC.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	sA.HandleEvent(context.Background(), envelope(t, EventNewMessage, map[string]any{
		"conversationId": conv.ID.Hex(),
		"type":           "text",
		"data":           map[string]string{"data": "hello room"},
	}))

	if got := sinkB.named(EventReceiveMessage); len(got) != 1 {
		t.Fatalf("bob should receive the message, got %+v", sinkB.events)
	}
	// the sender's own client receives the broadcast too
	if got := sinkA.named(EventReceiveMessage); len(got) != 1 {
		t.Fatalf("alice should receive her own message, got %+v", sinkA.events)
	}
	if got := sinkC.named(EventReceiveMessage); len(got) != 0 {
		t.Fatalf("carol left and must not receive anything, got %+v", got)
	}

	msg := sinkB.named(EventReceiveMessage)[0].Data.(*data.Message)
	if msg.Type != data.MessageText || msg.Content.Text == nil || msg.Content.Text.Data != "hello room" {
		t.Fatalf("unexpected message content: %+v", msg)
	}
	if env.convs.convs[conv.ID].LatestMessageID != msg.ID {
		t.Fatal("latest-message pointer should follow the new message")
	}
}

func TestNewMessage_ShapeMustMatchType(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("pairish", alice, bob)

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	// text with an array payload
	s.HandleEvent(context.Background(), envelope(t, EventNewMessage, map[string]any{
		"conversationId": conv.ID.Hex(),
		"type":           "text",
		"data":           []map[string]string{{"data": "x"}},
	}))
	// image with an empty array
	s.HandleEvent(context.Background(), envelope(t, EventNewMessage, map[string]any{
		"conversationId": conv.ID.Hex(),
		"type":           "image",
		"data":           []map[string]string{},
	}))
	// unknown type
	s.HandleEvent(context.Background(), envelope(t, EventNewMessage, map[string]any{
		"conversationId": conv.ID.Hex(),
		"type":           "video",
		"data":           map[string]string{"data": "x"},
	}))

	if got := sink.named(EventError); len(got) != 3 {
		t.Fatalf("expected 3 validation errors, got %d: %+v", len(got), got)
	}
	if len(env.msgs.msgs) != 0 {
		t.Fatal("no message may be stored on validation failure")
	}
}

func TestNewMessage_NonMemberForbidden(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	mallory := env.addUser("mallory")
	conv := env.seedGroup("private", alice, bob)

	s, sink := env.connect(mallory)
	s.HandleEvent(context.Background(), envelope(t, EventNewMessage, map[string]any{
		"conversationId": conv.ID.Hex(),
		"type":           "text",
		"data":           map[string]string{"data": "let me in"},
	}))

	if got := sink.named(EventError); len(got) != 1 {
		t.Fatalf("expected an error event, got %+v", sink.events)
	}
	if len(env.msgs.msgs) != 0 {
		t.Fatal("no message may be stored for a non-member")
	}
}

func TestEditMessage_OnlySenderOfTextMessage(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("pairish", alice, bob)

	msg, _ := env.msgs.Create(context.Background(), &data.Message{
		ConversationID: conv.ID,
		SenderID:       alice,
		Type:           data.MessageText,
		Content:        data.MessageContent{Text: &data.TextContent{Data: "original"}},
	})

	sB, sinkB := env.connect(bob)
	sB.HandleEvent(context.Background(), envelope(t, EventEditMessage,
		editMessagePayload{MessageID: msg.ID.Hex(), Data: "hijacked"}))
	if got := sinkB.named(EventError); len(got) != 1 {
		t.Fatalf("non-sender edit must fail, got %+v", sinkB.events)
	}
	if env.msgs.msgs[msg.ID].Content.Text.Data != "original" {
		t.Fatal("content must be unchanged after a rejected edit")
	}

	sA, sinkA := env.connect(alice)
	sA.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sA.HandleEvent(context.Background(), envelope(t, EventEditMessage,
		editMessagePayload{MessageID: msg.ID.Hex(), Data: "fixed typo"}))

	if got := sinkA.named(EventError); len(got) != 0 {
		t.Fatalf("sender edit should pass, got %+v", got)
	}
	edited := env.msgs.msgs[msg.ID]
	if !edited.IsEdited || edited.Content.Text.Data != "fixed typo" {
		t.Fatalf("edit not applied: %+v", edited)
	}
	if got := sinkA.named(EventEditedMessage); len(got) != 1 {
		t.Fatalf("editedMessage should reach the room, got %+v", sinkA.events)
	}
}

func TestDeleteMessage_SoftFlag(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("pairish", alice, bob)

	msg, _ := env.msgs.Create(context.Background(), &data.Message{
		ConversationID: conv.ID,
		SenderID:       alice,
		Type:           data.MessageText,
		Content:        data.MessageContent{Text: &data.TextContent{Data: "oops"}},
	})

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	s.HandleEvent(context.Background(), envelope(t, EventDeleteMessage,
		deleteMessagePayload{MessageID: msg.ID.Hex()}))

	if got := sink.named(EventDeletedMessage); len(got) != 1 {
		t.Fatalf("deletedMessage should reach the room, got %+v", sink.events)
	}
	// soft delete: the document stays queryable by id
	stored := env.msgs.msgs[msg.ID]
	if stored == nil || !stored.IsDeleted {
		t.Fatalf("message should remain with is_deleted set: %+v", stored)
	}
}

func TestLeaveConversation_SoleLeaderMustTransferFirst(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")
	conv := env.seedGroup("trio", alice, bob, carol)

	s, sink := env.connect(alice)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	s.HandleEvent(context.Background(), envelope(t, EventLeaveConversation,
		conversationPayload{ConversationID: conv.ID.Hex()}))
	if got := sink.named(EventError); len(got) != 1 {
		t.Fatalf("sole leader leaving must be rejected, got %+v", sink.events)
	}
	for _, m := range env.convs.convs[conv.ID].Members {
		if m.UserID == alice && !m.Active() {
			t.Fatal("membership must be unchanged after rejection")
		}
	}

	// transfer leadership, then leaving works
	s.HandleEvent(context.Background(), envelope(t, EventTransferLeadership,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: bob.Hex()}))
	if got := sink.named(EventTransferredLeadership); len(got) != 1 {
		t.Fatalf("transferredLeadership should reach the room, got %+v", sink.events)
	}

	s.HandleEvent(context.Background(), envelope(t, EventLeaveConversation,
		conversationPayload{ConversationID: conv.ID.Hex()}))
	if got := sink.named(EventLeftConversation); len(got) != 1 {
		t.Fatalf("leftConversation should have been broadcast, got %+v", sink.events)
	}
	if env.reg.InRoom(s.conn, conv.ID.Hex()) {
		t.Fatal("leaver's connection must be out of the room")
	}
	for _, m := range env.convs.convs[conv.ID].Members {
		if m.UserID == alice && m.Active() {
			t.Fatal("leaver's membership should carry left_at")
		}
	}
}

func TestRemoveMember_LeaderOnly(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")
	conv := env.seedGroup("trio", alice, bob, carol)

	sB, sinkB := env.connect(bob)
	sB.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sB.HandleEvent(context.Background(), envelope(t, EventRemoveMember,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: carol.Hex()}))
	if got := sinkB.named(EventError); len(got) != 1 {
		t.Fatalf("non-leader removal must be rejected, got %+v", sinkB.events)
	}

	sC, _ := env.connect(carol)
	sC.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	sA, sinkA := env.connect(alice)
	sA.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sA.HandleEvent(context.Background(), envelope(t, EventRemoveMember,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: carol.Hex()}))

	if got := sinkA.named(EventRemovedMember); len(got) != 1 {
		t.Fatalf("removedMember should reach the room, got %+v", sinkA.events)
	}
	if env.reg.InRoom(sC.conn, conv.ID.Hex()) {
		t.Fatal("removed member's connection must be out of the room")
	}
	for _, m := range env.convs.convs[conv.ID].Members {
		if m.UserID == carol && m.Active() {
			t.Fatal("removed member should carry left_at")
		}
	}
}

func TestAddNewMember_JoinsRoomAndNotifies(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")
	dave := env.addUser("dave")
	conv := env.seedGroup("trio", alice, bob, carol)

	sD, sinkD := env.connect(dave)
	_ = sinkD

	// bob is a plain member; adding is open to any active member
	sB, sinkB := env.connect(bob)
	sB.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sB.HandleEvent(context.Background(), envelope(t, EventAddNewMember,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: dave.Hex()}))

	if got := sinkB.named(EventAddedNewMember); len(got) != 1 {
		t.Fatalf("addedNewMember should reach the room, got %+v", sinkB.events)
	}
	if !env.reg.InRoom(sD.conn, conv.ID.Hex()) {
		t.Fatal("added member's live connection should join the room")
	}

	select {
	case to := <-env.mailer.sent:
		if to != "dave@example.com" {
			t.Fatalf("notification should go to the added user, went to %s", to)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification mail for the added user")
	}

	// adding the same user again is a conflict
	sB.HandleEvent(context.Background(), envelope(t, EventAddNewMember,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: dave.Hex()}))
	if got := sinkB.named(EventError); len(got) != 1 {
		t.Fatalf("duplicate add must be rejected, got %+v", sinkB.events)
	}
}

func TestDeleteConversationByLeader_ClosesRoom(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")
	conv := env.seedGroup("trio", alice, bob, carol)

	sA, sinkA := env.connect(alice)
	sB, sinkB := env.connect(bob)
	sA.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sB.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	sA.HandleEvent(context.Background(), envelope(t, EventDeleteConversationByLeader,
		conversationPayload{ConversationID: conv.ID.Hex()}))

	if got := sinkA.named(EventDeletedConversation); len(got) != 1 {
		t.Fatalf("leader should see deletedConversation, got %+v", sinkA.events)
	}
	if got := sinkB.named(EventDeletedConversation); len(got) != 1 {
		t.Fatalf("members should see deletedConversation, got %+v", sinkB.events)
	}
	if env.reg.RoomSize(conv.ID.Hex()) != 0 {
		t.Fatal("the room should be empty after deletion")
	}
	// soft delete: the document stays queryable by id
	if stored := env.convs.convs[conv.ID]; stored == nil || !stored.IsDeleted {
		t.Fatalf("conversation should remain with is_deleted set: %+v", stored)
	}
}

func TestUpdateConversationName(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("old name", alice, bob)

	s, sink := env.connect(bob)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	s.HandleEvent(context.Background(), envelope(t, EventUpdateConversationName,
		updateNamePayload{ConversationID: conv.ID.Hex(), Name: "new name"}))

	if got := sink.named(EventUpdatedConversationName); len(got) != 1 {
		t.Fatalf("updatedConversationName should reach the room, got %+v", sink.events)
	}
	if env.convs.convs[conv.ID].Name != "new name" {
		t.Fatal("name should be updated in the store")
	}
}

func TestTyping_RelaysToRoomWithoutStore(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	conv := env.seedGroup("pairish", alice, bob)

	sA, _ := env.connect(alice)
	sB, sinkB := env.connect(bob)
	sA.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	sB.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	sA.HandleEvent(context.Background(), envelope(t, EventTyping,
		typingPayload{ConversationID: conv.ID.Hex()}))

	got := sinkB.named(EventTyping)
	if len(got) != 1 {
		t.Fatalf("typing should be relayed to the room, got %+v", sinkB.events)
	}
	payload := got[0].Data.(map[string]any)
	if payload["userId"] != alice.Hex() {
		t.Fatalf("relay should carry the sender id, got %+v", payload)
	}
}

func TestHandleEvent_UnknownAndMalformed(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	s, sink := env.connect(alice)

	s.HandleEvent(context.Background(), Envelope{Event: "teleport"})
	if got := sink.named(EventError); len(got) != 1 {
		t.Fatalf("unknown event must produce an error event, got %+v", sink.events)
	}

	// malformed payload must not tear the connection down; a following
	// valid event still works
	s.HandleEvent(context.Background(), Envelope{Event: EventNewMessage, Data: json.RawMessage(`{"conversationId": 7}`)})
	if got := sink.named(EventError); len(got) != 2 {
		t.Fatalf("malformed payload must produce an error event, got %d", len(got))
	}

	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	if got := sink.named(EventConnected); len(got) != 1 {
		t.Fatalf("connection should still work after bad events, got %+v", sink.events)
	}
}

func TestLeaderInvariant_HeldAfterMutations(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")
	bob := env.addUser("bob")
	carol := env.addUser("carol")
	dave := env.addUser("dave")
	conv := env.seedGroup("invariant", alice, bob, carol)

	s, _ := env.connect(alice)
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	check := func(step string) {
		t.Helper()
		stored := env.convs.convs[conv.ID]
		active, leaders := 0, 0
		for _, m := range stored.Members {
			if !m.Active() {
				continue
			}
			active++
			if m.Role == data.RoleLeader {
				leaders++
			}
		}
		if active > 2 && leaders == 0 {
			t.Fatalf("after %s: %d active members but no leader", step, active)
		}
	}

	s.HandleEvent(context.Background(), envelope(t, EventAddNewMember,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: dave.Hex()}))
	check("addNewMember")

	s.HandleEvent(context.Background(), envelope(t, EventRemoveMember,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: dave.Hex()}))
	check("removeMember")

	s.HandleEvent(context.Background(), envelope(t, EventTransferLeadership,
		memberPayload{ConversationID: conv.ID.Hex(), UserID: bob.Hex()}))
	check("transferLeadership")

	s.HandleEvent(context.Background(), envelope(t, EventLeaveConversation,
		conversationPayload{ConversationID: conv.ID.Hex()}))
	check("leaveConversation")
}

func TestHandleEvent_RateLimited(t *testing.T) {
	env := newTestEnv()
	alice := env.addUser("alice")

	sink := &fakeSink{}
	conn := NewConn(alice, sink)
	env.reg.Register(conn)

	limiter := middleware.NewLimiterStore(1, 1, time.Minute)
	defer limiter.Stop()

	s := NewSession(conn, env.reg, env.bus, env.convs, env.msgs, env.users, env.mailer, limiter)

	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})
	s.HandleEvent(context.Background(), Envelope{Event: EventSetup})

	errs := sink.named(EventError)
	if len(errs) != 1 {
		t.Fatalf("second event should trip the limiter, got %+v", sink.events)
	}
	if msg := errs[0].Data.(map[string]any)["message"]; msg != "rate limit exceeded, slow down" {
		t.Fatalf("unexpected limiter message: %v", msg)
	}
}
