// Package authz evaluates a user's membership, role and ownership against
// conversation and message snapshots. Everything here is pure: no I/O, no
// clock, no mutation. Callers in the socket layer translate the returned
// errors into protocol-level error events.
package authz

import (
	"errors"

	"socialink/internal/data"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// ErrForbidden: the user is authenticated but not permitted to perform
	// the action on this conversation or message.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound: the referenced entity is absent or soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: the action is structurally impossible right now,
	// e.g. the sole leader of a group trying to leave it.
	ErrInvalidState = errors.New("invalid state")
)

// ActiveMembership returns the user's membership record if they are an
// active (non-left) member of the conversation.
func ActiveMembership(conv *data.Conversation, userID bson.ObjectID) (data.Membership, bool) {
	for _, m := range conv.Members {
		if m.UserID == userID && m.Active() {
			return m, true
		}
	}
	return data.Membership{}, false
}

// IsActiveMember reports whether a membership record exists for the user
// with a null left_at.
func IsActiveMember(conv *data.Conversation, userID bson.ObjectID) bool {
	_, ok := ActiveMembership(conv, userID)
	return ok
}

// IsLeader reports whether the user is an active member holding the leader role.
func IsLeader(conv *data.Conversation, userID bson.ObjectID) bool {
	m, ok := ActiveMembership(conv, userID)
	return ok && m.Role == data.RoleLeader
}

// ActiveLeaderCount counts active members holding the leader role.
func ActiveLeaderCount(conv *data.Conversation) int {
	n := 0
	for _, m := range conv.Members {
		if m.Active() && m.Role == data.RoleLeader {
			n++
		}
	}
	return n
}

// CanModifyMembership requires the requester to be an active leader. Used
// for removing members and deleting the conversation.
func CanModifyMembership(conv *data.Conversation, requesterID bson.ObjectID) error {
	if conv.IsDeleted {
		return ErrNotFound
	}
	if !IsActiveMember(conv, requesterID) {
		return ErrForbidden
	}
	if !IsLeader(conv, requesterID) {
		return ErrForbidden
	}
	return nil
}

// CanLeave requires active membership and, for groups, that the requester is
// not the sole remaining leader. Leadership must be transferred before the
// last leader can leave.
func CanLeave(conv *data.Conversation, userID bson.ObjectID) error {
	if conv.IsDeleted {
		return ErrNotFound
	}
	m, ok := ActiveMembership(conv, userID)
	if !ok {
		return ErrForbidden
	}
	if conv.IsGroup && m.Role == data.RoleLeader && ActiveLeaderCount(conv) == 1 {
		return ErrInvalidState
	}
	return nil
}

// IsOwnedBy reports whether a stored owner id matches the user. Ownership of
// messages here and of posts and comments elsewhere in the app is the same
// typed comparison.
func IsOwnedBy(ownerID, userID bson.ObjectID) bool {
	return ownerID == userID
}

// IsMessageOwner reports whether the user is the stored sender of the message.
func IsMessageOwner(msg *data.Message, userID bson.ObjectID) bool {
	return IsOwnedBy(msg.SenderID, userID)
}

// CanEditMessage permits edits only on live text messages by their sender.
func CanEditMessage(msg *data.Message, userID bson.ObjectID) error {
	if msg.IsDeleted {
		return ErrNotFound
	}
	if !IsMessageOwner(msg, userID) {
		return ErrForbidden
	}
	if msg.Type != data.MessageText {
		return ErrInvalidState
	}
	return nil
}

// CanDeleteMessage permits deletion by the sender only.
func CanDeleteMessage(msg *data.Message, userID bson.ObjectID) error {
	if !IsMessageOwner(msg, userID) {
		return ErrForbidden
	}
	return nil
}

// ValidateNewConversation checks the creation invariants over a prospective
// member list: at least two non-left members, and at least one leader once
// the group grows past two.
func ValidateNewConversation(members []data.Membership) error {
	active := 0
	leaders := 0
	for _, m := range members {
		if !m.Active() {
			continue
		}
		active++
		if m.Role == data.RoleLeader {
			leaders++
		}
	}
	if active < 2 {
		return ErrInvalidState
	}
	if active > 2 && leaders == 0 {
		return ErrInvalidState
	}
	return nil
}
