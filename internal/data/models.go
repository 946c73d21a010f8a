package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Role of a member inside a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleLeader Role = "leader"
)

// MessageType discriminates the polymorphic message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// User maps to the users collection. The session layer only ever reads
// users; profile mutation happens elsewhere.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Name      string        `bson:"name" json:"name"`
	Email     string        `bson:"email,unique" json:"email"`
	Avatar    string        `bson:"avatar,omitempty" json:"avatar,omitempty"`
	CreatedAt time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updatedAt"`
}

// Membership is a user's participation record embedded in a conversation
// document. A non-nil LeftAt means the user is logically absent: excluded
// from authorization checks and room fan-out, but retained for history.
type Membership struct {
	UserID          bson.ObjectID `bson:"user_id" json:"userId"`
	Role            Role          `bson:"role" json:"role"`
	JoinedAt        time.Time     `bson:"joined_at" json:"joinedAt"`
	LeftAt          *time.Time    `bson:"left_at,omitempty" json:"leftAt,omitempty"`
	LatestDeletedAt *time.Time    `bson:"latest_deleted_at,omitempty" json:"latestDeletedAt,omitempty"`
}

// Active reports whether the membership is still current.
func (m Membership) Active() bool { return m.LeftAt == nil }

// Conversation maps to the conversations collection. Conversations are never
// hard-deleted; IsDeleted and per-member LeftAt preserve history for the
// remaining members.
type Conversation struct {
	ID              bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Name            string        `bson:"name,omitempty" json:"name,omitempty"`
	Avatar          string        `bson:"avatar,omitempty" json:"avatar,omitempty"`
	IsGroup         bool          `bson:"is_group" json:"isGroup"`
	Members         []Membership  `bson:"members" json:"members"`
	LatestMessageID bson.ObjectID `bson:"latest_message_id,omitempty" json:"latestMessageId,omitempty"`
	IsDeleted       bool          `bson:"is_deleted" json:"isDeleted"`
	CreatedAt       time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `bson:"updated_at" json:"updatedAt"`
}

// TextContent is the payload of a text message.
type TextContent struct {
	Data string `bson:"data" json:"data"`
}

// ImagePart is one image of an image message (a single message may carry
// several uploaded images).
type ImagePart struct {
	Data     string `bson:"data" json:"data"`
	Metadata string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// FileContent is the payload of a file message.
type FileContent struct {
	Data     string `bson:"data" json:"data"`
	Metadata string `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// MessageContent is the tagged union of the three message payload shapes.
// Exactly one field is populated, matching the owning message's Type; the
// shape is validated once at the protocol boundary.
type MessageContent struct {
	Text   *TextContent `bson:"text,omitempty" json:"text,omitempty"`
	Images []ImagePart  `bson:"image,omitempty" json:"image,omitempty"`
	File   *FileContent `bson:"file,omitempty" json:"file,omitempty"`
}

// Matches reports whether the populated content field agrees with the
// declared message type. Image messages must carry at least one part.
func (c MessageContent) Matches(t MessageType) bool {
	switch t {
	case MessageText:
		return c.Text != nil && c.Images == nil && c.File == nil
	case MessageImage:
		return len(c.Images) > 0 && c.Text == nil && c.File == nil
	case MessageFile:
		return c.File != nil && c.Text == nil && c.Images == nil
	default:
		return false
	}
}

// Message maps to the messages collection. Deletion is a soft flag; edited
// text messages keep their id and gain IsEdited.
type Message struct {
	ID               bson.ObjectID  `bson:"_id,omitempty" json:"id"`
	ConversationID   bson.ObjectID  `bson:"conversation_id" json:"conversationId"`
	SenderID         bson.ObjectID  `bson:"sender_id" json:"senderId"`
	Type             MessageType    `bson:"type" json:"type"`
	Content          MessageContent `bson:"content" json:"content"`
	IsDeleted        bool           `bson:"is_deleted" json:"isDeleted"`
	IsEdited         bool           `bson:"is_edited" json:"isEdited"`
	ReplyToMessageID *bson.ObjectID `bson:"reply_to_message_id,omitempty" json:"replyToMessageId,omitempty"`
	CreatedAt        time.Time      `bson:"created_at" json:"createdAt"`
	UpdatedAt        time.Time      `bson:"updated_at" json:"updatedAt"`
}
