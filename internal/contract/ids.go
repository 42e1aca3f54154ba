// Package contract defines the cross-service shapes shared by the ingress,
// fan-out, storage, and event-bus layers: identifiers, entities, the
// lifecycle event envelope, and the error taxonomy.
package contract

import "strconv"

// UserId, ChatId, MessageId, and WorkspaceId are signed 64-bit identifiers.
// Zero is reserved for system rows and must never appear on the wire for
// user-authored data.
type UserId int64

// WorkspaceId identifies a tenant.
type WorkspaceId int64

// ChatId identifies a chat (DM, group, or channel).
type ChatId int64

// MessageId identifies a single immutable message row.
type MessageId int64

func (u UserId) String() string      { return strconv.FormatInt(int64(u), 10) }
func (w WorkspaceId) String() string { return strconv.FormatInt(int64(w), 10) }
func (c ChatId) String() string      { return strconv.FormatInt(int64(c), 10) }
func (m MessageId) String() string   { return strconv.FormatInt(int64(m), 10) }

// IsZero reports whether the id is the reserved system value.
func (u UserId) IsZero() bool      { return u == 0 }
func (w WorkspaceId) IsZero() bool { return w == 0 }
func (c ChatId) IsZero() bool      { return c == 0 }
func (m MessageId) IsZero() bool   { return m == 0 }
