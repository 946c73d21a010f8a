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
	// ErrMessageNotFound is returned when a lookup matches no message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageNotEditable is returned by EditText when the conditional
	// update matches nothing: wrong sender, wrong type, or already deleted.
	ErrMessageNotEditable = errors.New("message is not editable")
)

// MessagesStore provides message DB operations.
type MessagesStore struct {
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// Create inserts a message document and returns the saved record with the
// generated id. The conversation's latest-message pointer is the caller's
// responsibility.
func (m *MessagesStore) Create(ctx context.Context, msg *Message) (*Message, error) {
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	result, err := m.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.ID = result.InsertedID.(bson.ObjectID)
	return msg, nil
}

// FindByID returns a message by id, deleted or not.
func (m *MessagesStore) FindByID(ctx context.Context, id bson.ObjectID) (*Message, error) {
	var msg Message
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// EditText replaces the text of a message and flags it edited. The filter
// carries every edit precondition (sender, text type, not deleted) so a
// racing delete cannot slip an edit through after the caller's checks.
func (m *MessagesStore) EditText(ctx context.Context, id, senderID bson.ObjectID, text string) (*Message, error) {
	filter := bson.M{
		"_id":        id,
		"sender_id":  senderID,
		"type":       MessageText,
		"is_deleted": false,
	}
	update := bson.M{"$set": bson.M{
		"content.text.data": text,
		"is_edited":         true,
		"updated_at":        time.Now(),
	}}

	var msg Message
	err := m.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotEditable
		}
		return nil, err
	}
	return &msg, nil
}

// SoftDelete flags a message deleted, conditional on the requester being its
// sender. Content is retained; is_deleted suppresses normal rendering.
func (m *MessagesStore) SoftDelete(ctx context.Context, id, senderID bson.ObjectID) (*Message, error) {
	filter := bson.M{
		"_id":       id,
		"sender_id": senderID,
	}
	update := bson.M{"$set": bson.M{
		"is_deleted": true,
		"updated_at": time.Now(),
	}}

	var msg Message
	err := m.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}
