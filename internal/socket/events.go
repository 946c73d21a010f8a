package socket

import "encoding/json"

// Inbound event names. These strings are the wire contract with clients; a
// rename here is a protocol break.
const (
	EventSetup                      = "setup"
	EventTyping                     = "typing"
	EventStopTyping                 = "stopTyping"
	EventCreateConversation         = "createConversation"
	EventAddNewMember               = "addNewMember"
	EventRemoveMember               = "removeMember"
	EventLeaveConversation          = "leaveConversation"
	EventTransferLeadership         = "transferLeadership"
	EventDeleteConversationByLeader = "deleteConversationByLeader"
	EventUpdateConversationName     = "updateConversationName"
	EventUpdateConversationAvatar   = "updateConversationAvatar"
	EventNewMessage                 = "newMessage"
	EventEditMessage                = "editMessage"
	EventDeleteMessage              = "deleteMessage"
)

// Outbound event names.
const (
	EventConnected                 = "connected"
	EventUnauthorized              = "unauthorized"
	EventError                     = "error"
	EventCreatedConversation       = "createdConversation"
	EventAddedNewMember            = "addedNewMember"
	EventRemovedMember             = "removedMember"
	EventLeftConversation          = "leftConversation"
	EventTransferredLeadership     = "transferredLeadership"
	EventDeletedConversation       = "deletedConversation"
	EventUpdatedConversationName   = "updatedConversationName"
	EventUpdatedConversationAvatar = "updatedConversationAvatar"
	EventReceiveMessage            = "receiveMessage"
	EventEditedMessage             = "editedMessage"
	EventDeletedMessage            = "deletedMessage"
)

// Envelope is the inbound wire frame: an event name plus a raw payload that
// each handler decodes into its own shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the outbound wire frame.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// setupPayload carries the pagination hint for the conversation replay.
type setupPayload struct {
	Page  int64 `json:"page"`
	Limit int64 `json:"limit"`
}

// typingPayload is relayed verbatim to the room; the server only stamps the
// sender onto it.
type typingPayload struct {
	ConversationID string `json:"conversationId"`
}

type createConversationPayload struct {
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

// memberPayload addresses a (conversation, user) pair: add, remove, promote.
type memberPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type updateNamePayload struct {
	ConversationID string `json:"conversationId"`
	Name           string `json:"name"`
}

type updateAvatarPayload struct {
	ConversationID string `json:"conversationId"`
	Avatar         string `json:"avatar"`
}

// newMessagePayload keeps Data raw; its shape depends on Type and is decoded
// once by the handler (text/file: object, image: non-empty array).
type newMessagePayload struct {
	ConversationID   string          `json:"conversationId"`
	Type             string          `json:"type"`
	Data             json.RawMessage `json:"data"`
	ReplyToMessageID string          `json:"replyToMessageId,omitempty"`
}

type editMessagePayload struct {
	MessageID string `json:"messageId"`
	Data      string `json:"data"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
}
