package upload

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vaporroom/vaporroom/internal/apperr"
	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/ids"
	"github.com/vaporroom/vaporroom/internal/logging"
)

// uploadRecord wraps an upload with its own lock (concurrent chunks for the same
// upload must serialize) and the assembled result once completed, so a
// duplicate Complete call within the retention window replays the same
// answer instead of reassembling.
type uploadRecord struct {
	mu sync.Mutex
	upload
	completedAt time.Time
	result      *Assembled
}

// Assembler is the ChunkedUploadAssembler: it owns every in-flight and
// recently-completed upload, independent of any session's write lock.
type Assembler struct {
	mu      sync.RWMutex
	uploads map[string]*uploadRecord

	cfg    *config.Config
	clock  clock.Clock
	logger logging.Logger
}

func New(cfg *config.Config, clk clock.Clock, logger logging.Logger) *Assembler {
	return &Assembler{
		uploads: make(map[string]*uploadRecord),
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

// IsReady implements health.ReadinessCheck: the assembler is ready as
// soon as it's constructed.
func (a *Assembler) IsReady(ctx context.Context) error { return nil }

func (a *Assembler) Name() string { return "ChunkedUploadAssembler" }

// Start opens a new upload for sessionID, rejecting once the session has
// too many uploads already in RECEIVING state.
func (a *Assembler) Start(sessionID string, d Declared) (string, error) {
	if d.TotalChunks <= 0 {
		return "", apperr.New(apperr.InvalidChunkIndex)
	}
	if d.Size > a.cfg.MaxFileSizeBytes {
		return "", apperr.New(apperr.FileTooLarge)
	}

	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	active := 0
	for _, rec := range a.uploads {
		rec.mu.Lock()
		if rec.sessionID == sessionID && rec.state == stateReceiving {
			active++
		}
		rec.mu.Unlock()
	}
	if active >= a.cfg.MaxConcurrentUploadsPerSession {
		return "", apperr.New(apperr.TooManyConcurrentUploads)
	}

	id := ids.NewUploadID()
	a.uploads[id] = &uploadRecord{
		upload: upload{
			id:             id,
			sessionID:      sessionID,
			declared:       d,
			chunks:         make(map[int][]byte, d.TotalChunks),
			startedAt:      now,
			lastActivityAt: now,
			state:          stateReceiving,
		},
	}
	return id, nil
}

func (a *Assembler) lookup(uploadID string) (*uploadRecord, error) {
	a.mu.RLock()
	rec, ok := a.uploads[uploadID]
	a.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.UploadNotFound)
	}
	return rec, nil
}

// Chunk stores one chunk, idempotently. Reordered and duplicate delivery
// are both expected traffic patterns, not error cases.
func (a *Assembler) Chunk(uploadID string, index int, data []byte) (ChunkResult, error) {
	rec, err := a.lookup(uploadID)
	if err != nil {
		return ChunkResult{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state == stateCompleted {
		return ChunkResult{}, apperr.New(apperr.AlreadyCompleted)
	}
	if index < 0 || index >= rec.declared.TotalChunks {
		return ChunkResult{}, apperr.New(apperr.InvalidChunkIndex)
	}

	if _, exists := rec.chunks[index]; exists {
		return ChunkResult{
			Received:   rec.receivedCount,
			Total:      rec.declared.TotalChunks,
			IsComplete: rec.receivedCount == rec.declared.TotalChunks,
			Duplicate:  true,
		}, nil
	}

	rec.chunks[index] = data
	rec.receivedCount++
	rec.lastActivityAt = a.clock.Now()

	return ChunkResult{
		Received:   rec.receivedCount,
		Total:      rec.declared.TotalChunks,
		IsComplete: rec.receivedCount == rec.declared.TotalChunks,
	}, nil
}

// Complete assembles every chunk in ascending index order. A repeated call
// within the retention window replays the previously assembled result
// instead of reassembling from a now-cleared chunk table.
func (a *Assembler) Complete(uploadID string) (Assembled, error) {
	rec, err := a.lookup(uploadID)
	if err != nil {
		return Assembled{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state == stateCompleted {
		if rec.result != nil {
			return *rec.result, nil
		}
		return Assembled{}, apperr.New(apperr.AlreadyCompleted)
	}

	if rec.receivedCount != rec.declared.TotalChunks {
		return Assembled{}, apperr.New(apperr.Incomplete)
	}

	payload := make([]byte, 0, rec.declared.Size)
	for i := 0; i < rec.declared.TotalChunks; i++ {
		chunk, ok := rec.chunks[i]
		if !ok {
			return Assembled{}, apperr.Newf(apperr.MissingChunk, missingChunkDetail(i))
		}
		payload = append(payload, chunk...)
	}

	if int64(len(payload)) != rec.declared.Size {
		return Assembled{}, apperr.New(apperr.SizeMismatch)
	}

	assembled := Assembled{
		SessionID: rec.sessionID,
		Payload:   payload,
		Filename:  rec.declared.Filename,
		MimeType:  rec.declared.MimeType,
		Size:      rec.declared.Size,
	}

	rec.state = stateCompleted
	rec.chunks = nil
	rec.completedAt = a.clock.Now()
	rec.result = &assembled

	return assembled, nil
}

// Cancel drops an upload's state and chunks outright.
func (a *Assembler) Cancel(uploadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.uploads[uploadID]; !ok {
		return apperr.New(apperr.UploadNotFound)
	}
	delete(a.uploads, uploadID)
	return nil
}

// Sweep drops uploads stalled past the stale-upload threshold and
// completed uploads past their retention window. Returns the IDs removed,
// for logging.
func (a *Assembler) Sweep(now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []string
	for id, rec := range a.uploads {
		rec.mu.Lock()
		drop := false
		switch rec.state {
		case stateReceiving:
			drop = now.Sub(rec.lastActivityAt) > a.cfg.StaleUploadThreshold
		case stateCompleted:
			drop = now.Sub(rec.completedAt) > a.cfg.UploadRetentionAfterComplete
		}
		rec.mu.Unlock()

		if drop {
			delete(a.uploads, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ActiveCount returns how many uploads for sessionID are currently in
// RECEIVING state, for diagnostics and metrics.
func (a *Assembler) ActiveCount(sessionID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	count := 0
	for _, rec := range a.uploads {
		rec.mu.Lock()
		if rec.sessionID == sessionID && rec.state == stateReceiving {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

func missingChunkDetail(index int) string {
	return "missing chunk at index " + strconv.Itoa(index)
}
