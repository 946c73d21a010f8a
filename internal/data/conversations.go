package data

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	// ErrConversationNotFound is returned when a lookup or conditional
	// update matches no conversation document.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAlreadyMember is returned by AddMember when the target already has
	// an active membership record.
	ErrAlreadyMember = errors.New("user is already a member")

	// ErrNotActiveMember is returned by conditional membership updates when
	// the target has no active membership record (already left or never
	// joined). Distinguishing "raced with another mutation" from "never was
	// a member" is not possible at this layer; callers treat both the same.
	ErrNotActiveMember = errors.New("user is not an active member")
)

// ConversationsStore performs conversation DB operations. Membership
// mutations are conditional single-document updates ("set left_at for this
// member if currently null") so concurrent requests on the same conversation
// cannot lose each other's writes.
type ConversationsStore struct {
	coll *mongo.Collection
}

// NewConversationsStore returns a ConversationsStore using the given collection.
func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll}
}

// Create inserts a conversation document and returns it with the generated id.
func (s *ConversationsStore) Create(ctx context.Context, conv *Conversation) (*Conversation, error) {
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	result, err := s.coll.InsertOne(ctx, conv)
	if err != nil {
		return nil, err
	}
	conv.ID = result.InsertedID.(bson.ObjectID)
	return conv, nil
}

// FindByID returns a conversation by id, deleted or not. Callers decide what
// a deleted conversation means for their operation.
func (s *ConversationsStore) FindByID(ctx context.Context, id bson.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// FindByUserID returns the user's non-deleted conversations where they still
// hold an active membership, most recently updated first. page is 1-based.
func (s *ConversationsStore) FindByUserID(ctx context.Context, userID bson.ObjectID, page, limit int64) ([]*Conversation, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	// elemMatch keeps both conditions on the same embedded membership
	// record: a user who left and was re-added must not match via two
	// different records.
	filter := bson.M{
		"is_deleted": false,
		"members": bson.M{"$elemMatch": bson.M{
			"user_id": userID,
			"left_at": nil,
		}},
	}
	opts := options.Find().
		SetSort(bson.M{"updated_at": -1}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err = cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// FindDirectBetween returns the non-deleted direct conversation between two
// users, if one exists. At most one such conversation exists per unordered
// pair; creation goes through this lookup to reuse it.
func (s *ConversationsStore) FindDirectBetween(ctx context.Context, a, b bson.ObjectID) (*Conversation, error) {
	filter := bson.M{
		"is_group":   false,
		"is_deleted": false,
		"$and": bson.A{
			bson.M{"members.user_id": a},
			bson.M{"members.user_id": b},
		},
	}

	var conv Conversation
	err := s.coll.FindOne(ctx, filter).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// AddMember appends a membership record, conditional on the user not already
// holding an active one. Returns the updated conversation.
func (s *ConversationsStore) AddMember(ctx context.Context, id bson.ObjectID, m Membership) (*Conversation, error) {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}

	// $not/$elemMatch makes the push conditional: if another request
	// added the same user first, this update matches nothing.
	filter := bson.M{
		"_id": id,
		"members": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"user_id": m.UserID,
			"left_at": nil,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"members": m},
		"$set":  bson.M{"updated_at": time.Now()},
	}

	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrAlreadyMember
		}
		return nil, err
	}
	return &conv, nil
}

// MarkLeft sets left_at on the user's active membership record. The filter
// requires left_at to still be null, so two racing leave/remove requests
// resolve to exactly one effective write.
func (s *ConversationsStore) MarkLeft(ctx context.Context, id, userID bson.ObjectID) (*Conversation, error) {
	now := time.Now()
	filter := bson.M{
		"_id": id,
		"members": bson.M{"$elemMatch": bson.M{
			"user_id": userID,
			"left_at": nil,
		}},
	}
	// $ targets the membership record matched by elemMatch above.
	update := bson.M{"$set": bson.M{
		"members.$.left_at": now,
		"updated_at":        now,
	}}

	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotActiveMember
		}
		return nil, err
	}
	return &conv, nil
}

// SetRole changes the role of the user's active membership record.
func (s *ConversationsStore) SetRole(ctx context.Context, id, userID bson.ObjectID, role Role) (*Conversation, error) {
	filter := bson.M{
		"_id": id,
		"members": bson.M{"$elemMatch": bson.M{
			"user_id": userID,
			"left_at": nil,
		}},
	}
	update := bson.M{"$set": bson.M{
		"members.$.role": role,
		"updated_at":     time.Now(),
	}}

	var conv Conversation
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotActiveMember
		}
		return nil, err
	}
	return &conv, nil
}

// SetDeleted soft-deletes the conversation for every member. History is
// retained; the document is never removed.
func (s *ConversationsStore) SetDeleted(ctx context.Context, id bson.ObjectID) error {
	return s.setField(ctx, id, bson.M{"is_deleted": true})
}

// SetName updates the conversation name.
func (s *ConversationsStore) SetName(ctx context.Context, id bson.ObjectID, name string) error {
	return s.setField(ctx, id, bson.M{"name": name})
}

// SetAvatar updates the conversation avatar.
func (s *ConversationsStore) SetAvatar(ctx context.Context, id bson.ObjectID, avatar string) error {
	return s.setField(ctx, id, bson.M{"avatar": avatar})
}

// SetLatestMessage moves the latest-message pointer after a new message.
func (s *ConversationsStore) SetLatestMessage(ctx context.Context, id, messageID bson.ObjectID) error {
	return s.setField(ctx, id, bson.M{"latest_message_id": messageID})
}

// MarkHistoryCleared stamps the member's latest_deleted_at marker: messages
// older than it are hidden for that member only, everyone else keeps history.
func (s *ConversationsStore) MarkHistoryCleared(ctx context.Context, id, userID bson.ObjectID) error {
	now := time.Now()
	filter := bson.M{
		"_id": id,
		"members": bson.M{"$elemMatch": bson.M{
			"user_id": userID,
			"left_at": nil,
		}},
	}
	update := bson.M{"$set": bson.M{
		"members.$.latest_deleted_at": now,
		"updated_at":                  now,
	}}

	result, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotActiveMember
	}
	return nil
}

func (s *ConversationsStore) setField(ctx context.Context, id bson.ObjectID, fields bson.M) error {
	fields["updated_at"] = time.Now()
	result, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}
