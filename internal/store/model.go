// Package store implements the MemoryStore: the single, process-wide,
// in-RAM owner of every session's files, messages, and members, plus the
// global byte budget that spans all sessions.
package store

import (
	"sync"
	"time"
)

// Session is an ephemeral shared room identified by a 5-character code.
type Session struct {
	mu sync.RWMutex

	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	// CreatorConnID is the connection that created this session, used to
	// authorize message deletion. Empty once unset (e.g. never bound).
	CreatorConnID string

	fileOrder []string
	files     map[string]FileRecord
	messages  []MessageRecord
	members   map[string]Member
}

// Member is a connection currently bound to a session.
type Member struct {
	ConnID      string
	DisplayName string
	JoinedAt    time.Time
}

// FileRecord is one stored binary blob plus metadata, owned by its session.
type FileRecord struct {
	ID         string
	Payload    []byte
	MimeType   string
	Filename   string
	UploadedAt time.Time
	UploadedBy string
}

// Size returns the payload length; kept as a method (not a stored field) so
// it can never drift from the actual buffer.
func (f FileRecord) Size() int64 { return int64(len(f.Payload)) }

// FileMetadata is a FileRecord without its payload, safe to send over the
// wire in listings and add/delete events.
type FileMetadata struct {
	ID         string    `msgpack:"id"`
	MimeType   string    `msgpack:"mimeType"`
	Filename   string    `msgpack:"filename"`
	Size       int64     `msgpack:"size"`
	UploadedAt time.Time `msgpack:"uploadedAt"`
	UploadedBy string    `msgpack:"uploadedBy"`
}

func (f FileRecord) Metadata() FileMetadata {
	return FileMetadata{
		ID:         f.ID,
		MimeType:   f.MimeType,
		Filename:   f.Filename,
		Size:       f.Size(),
		UploadedAt: f.UploadedAt,
		UploadedBy: f.UploadedBy,
	}
}

// MessageRecord is one chat message.
type MessageRecord struct {
	ID         string    `msgpack:"id"`
	Content    string    `msgpack:"content"`
	SentBy     string    `msgpack:"sentBy"`
	SentByName string    `msgpack:"sentByName"`
	SentAt     time.Time `msgpack:"sentAt"`
}

// Snapshot is what a client receives on session:create/session:join: the
// full current state of a room.
type Snapshot struct {
	ID           string          `msgpack:"id"`
	CreatedAt    time.Time       `msgpack:"createdAt"`
	ExpiresAt    time.Time       `msgpack:"expiresAt"`
	Files        []FileMetadata  `msgpack:"files"`
	Messages     []MessageRecord `msgpack:"messages"`
	MemberCount  int             `msgpack:"memberCount"`
	Members      []MemberInfo    `msgpack:"members"`
}

// MemberInfo is the roster entry surfaced in a session snapshot (see
// SPEC_FULL.md's supplemented "display-name-aware member roster" feature).
type MemberInfo struct {
	ConnID      string `msgpack:"connectionId"`
	DisplayName string `msgpack:"displayName"`
}
