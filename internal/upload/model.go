// Package upload implements the ChunkedUploadAssembler: a per-upload state
// machine that accepts out-of-order, idempotent chunks and assembles them
// into one contiguous payload for MemoryStore.AddFile.
package upload

import "time"

// state is an upload's position in the RECEIVING -> READY -> DRAINED
// machine described in spec.md.
type state int

const (
	stateReceiving state = iota
	stateCompleted
)

// Declared is the metadata the client supplies to Start.
type Declared struct {
	Filename    string
	MimeType    string
	Size        int64
	TotalChunks int
}

// upload is the assembler's internal record of one in-progress or recently
// completed upload.
type upload struct {
	id        string
	sessionID string
	declared  Declared

	chunks        map[int][]byte
	receivedCount int

	startedAt      time.Time
	lastActivityAt time.Time

	state state
}

// ChunkResult is the reply to a successful Chunk call.
type ChunkResult struct {
	Received   int
	Total      int
	IsComplete bool
	Duplicate  bool
}

// Assembled is the payload handed to MemoryStore.AddFile after Complete.
type Assembled struct {
	SessionID string
	Payload   []byte
	Filename  string
	MimeType  string
	Size      int64
}
