package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vaporroom/vaporroom/internal/apperr"
	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/ids"
	"github.com/vaporroom/vaporroom/internal/logging"
)

// MemoryStore is the single, process-wide, in-RAM owner of every session's
// bytes. All mutations to session state or the global byte budget go
// through it — see spec.md §4.2.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	connToSession map[string]string

	totalBytes atomic.Int64

	cfg    *config.Config
	clock  clock.Clock
	logger logging.Logger
}

func New(cfg *config.Config, clk clock.Clock, logger logging.Logger) *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		connToSession: make(map[string]string),
		cfg:           cfg,
		clock:         clk,
		logger:        logger,
	}
}

// IsReady implements health.ReadinessCheck: the store is ready as soon as
// it's constructed.
func (s *MemoryStore) IsReady(ctx context.Context) error { return nil }

func (s *MemoryStore) Name() string { return "MemoryStore" }

// CreateSession generates a fresh, non-colliding session code and registers
// a new, empty session.
func (s *MemoryStore) CreateSession() Snapshot {
	now := s.clock.Now()

	s.mu.Lock()
	code := ids.NewSessionCode()
	for {
		if _, exists := s.sessions[code]; !exists {
			break
		}
		code = ids.NewSessionCode()
	}
	sess := &Session{
		ID:        code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		files:     make(map[string]FileRecord),
		members:   make(map[string]Member),
	}
	s.sessions[code] = sess
	s.mu.Unlock()

	return snapshotOf(sess)
}

// getLive looks up a session by case-insensitive code, transparently
// deleting and reporting NotFound if it doesn't exist or its TTL has
// elapsed. Used by operations whose own error contract has no
// SessionExpired case (session:join, file:request, file:delete,
// message:delete, AddMember).
func (s *MemoryStore) getLive(sessionID string) (*Session, error) {
	sess, ok := s.lookupLive(sessionID)
	if !ok {
		return nil, apperr.New(apperr.NotFound)
	}
	return sess, nil
}

// getLiveForMutation behaves like getLive but reports SessionExpired
// instead of NotFound. AddFile and AddMessage have no NotFound case in
// their error contract: a missing or TTL-lapsed session is SessionExpired
// either way.
func (s *MemoryStore) getLiveForMutation(sessionID string) (*Session, error) {
	sess, ok := s.lookupLive(sessionID)
	if !ok {
		return nil, apperr.New(apperr.SessionExpired)
	}
	return sess, nil
}

// lookupLive is the race-free shared lookup behind getLive and
// getLiveForMutation: an RLock fast path, then a write-locked recheck
// before eviction so deleteSessionLocked is never called without s.mu
// held for writing.
func (s *MemoryStore) lookupLive(sessionID string) (*Session, bool) {
	code := ids.CanonicalSessionCode(sessionID)

	s.mu.RLock()
	sess, ok := s.sessions[code]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !s.clock.Now().After(sess.ExpiresAt) {
		return sess, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok = s.sessions[code]
	if !ok {
		return nil, false
	}
	if s.clock.Now().After(sess.ExpiresAt) {
		s.deleteSessionLocked(code)
		return nil, false
	}
	return sess, true
}

// Snapshot returns the full current state of a session, per spec.md's
// session:join reply shape.
func (s *MemoryStore) Snapshot(sessionID string) (Snapshot, error) {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(sess), nil
}

func snapshotOf(sess *Session) Snapshot {
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	files := make([]FileMetadata, 0, len(sess.fileOrder))
	for _, id := range sess.fileOrder {
		files = append(files, sess.files[id].Metadata())
	}

	messages := make([]MessageRecord, len(sess.messages))
	copy(messages, sess.messages)

	members := make([]MemberInfo, 0, len(sess.members))
	for _, m := range sess.members {
		members = append(members, MemberInfo{ConnID: m.ConnID, DisplayName: m.DisplayName})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ConnID < members[j].ConnID })

	return Snapshot{
		ID:          sess.ID,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
		Files:       files,
		Messages:    messages,
		MemberCount: len(sess.members),
		Members:     members,
	}
}

// AddMember binds connID to sessionID, replacing any prior binding for that
// connection. Idempotent.
func (s *MemoryStore) AddMember(sessionID, connID, displayName string) error {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.connToSession[connID]; ok && prev != sess.ID {
		if prevSess, ok := s.sessions[prev]; ok {
			prevSess.mu.Lock()
			delete(prevSess.members, connID)
			prevSess.mu.Unlock()
		}
	}
	s.connToSession[connID] = sess.ID
	s.mu.Unlock()

	sess.mu.Lock()
	if sess.CreatorConnID == "" {
		sess.CreatorConnID = connID
	}
	if displayName == "" {
		displayName = "Anonymous"
	}
	sess.members[connID] = Member{ConnID: connID, DisplayName: displayName, JoinedAt: s.clock.Now()}
	sess.mu.Unlock()

	return nil
}

// RemoveMember unbinds connID, returning the session it was in (canonical
// ID) and whether it was bound to anything. Safe to call on an unknown
// connection.
func (s *MemoryStore) RemoveMember(connID string) (string, bool) {
	s.mu.Lock()
	sessionID, ok := s.connToSession[connID]
	if ok {
		delete(s.connToSession, connID)
	}
	sess := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok || sess == nil {
		return "", false
	}

	sess.mu.Lock()
	delete(sess.members, connID)
	sess.mu.Unlock()

	return sessionID, true
}

// MemberCount returns the current member count of a session, or 0 if the
// session is gone.
func (s *MemoryStore) MemberCount(sessionID string) int {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return 0
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return len(sess.members)
}

// AddFile validates and stores a file under sessionID, atomically
// incrementing the global byte budget on success.
func (s *MemoryStore) AddFile(sessionID string, rec FileRecord) (FileMetadata, error) {
	sess, err := s.getLiveForMutation(sessionID)
	if err != nil {
		return FileMetadata{}, err
	}

	size := int64(len(rec.Payload))
	if size == 0 {
		return FileMetadata{}, apperr.New(apperr.EmptyFile)
	}
	if size > s.cfg.MaxFileSizeBytes {
		return FileMetadata{}, apperr.New(apperr.FileTooLarge)
	}

	sess.mu.Lock()
	if len(sess.fileOrder) >= s.cfg.MaxFilesPerSession {
		sess.mu.Unlock()
		return FileMetadata{}, apperr.New(apperr.SessionFileCapReached)
	}

	if !s.reserveBytes(size) {
		sess.mu.Unlock()
		return FileMetadata{}, apperr.New(apperr.OutOfMemory)
	}

	if rec.ID == "" {
		rec.ID = ids.NewFileID()
	}
	rec.Filename = sanitizedFilenameOrFallback(rec.Filename, rec.ID)
	rec.MimeType = mimeTypeOrDefault(rec.MimeType, rec.Payload)
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = s.clock.Now()
	}

	sess.files[rec.ID] = rec
	sess.fileOrder = append(sess.fileOrder, rec.ID)
	sess.mu.Unlock()

	return rec.Metadata(), nil
}

// reserveBytes attempts to atomically increment total_bytes by size,
// refusing if it would exceed the global cap.
func (s *MemoryStore) reserveBytes(size int64) bool {
	for {
		cur := s.totalBytes.Load()
		next := cur + size
		if next > s.cfg.MaxTotalBytes {
			return false
		}
		if s.totalBytes.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (s *MemoryStore) releaseBytes(size int64) {
	s.totalBytes.Add(-size)
}

func sanitizedFilenameOrFallback(filename, fileID string) string {
	sanitized, emptied := ids.SanitizeFilenameChecked(filename)
	if emptied && filename != "" {
		// Sanitization stripped everything; prefer the fallback form so
		// distinct empties don't collide, preserving any extension.
		ext := extensionOf(filename)
		return ids.FallbackFilename(fileID, ext)
	}
	return sanitized
}

func extensionOf(name string) string {
	for i := len(name) - 1; i >= 0 && i > len(name)-8; i-- {
		if name[i] == '.' {
			return name[i:]
		}
	}
	return ""
}

func mimeTypeOrDefault(declared string, payload []byte) string {
	if declared != "" {
		return declared
	}
	if len(payload) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(payload).String()
}

// GetFileMetadata returns a file's metadata without its payload.
func (s *MemoryStore) GetFileMetadata(sessionID, fileID string) (FileMetadata, error) {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return FileMetadata{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	rec, ok := sess.files[fileID]
	if !ok {
		return FileMetadata{}, apperr.New(apperr.NotFound)
	}
	return rec.Metadata(), nil
}

// GetFilePayload returns a file's record including its payload. The
// payload slice is the store's own buffer, not a copy; callers must not
// retain it past a subsequent DeleteFile on the same file.
func (s *MemoryStore) GetFilePayload(sessionID, fileID string) (FileRecord, error) {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return FileRecord{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	rec, ok := sess.files[fileID]
	if !ok {
		return FileRecord{}, apperr.New(apperr.NotFound)
	}
	return rec, nil
}

// ListFiles returns every file's metadata in insertion order.
func (s *MemoryStore) ListFiles(sessionID string) ([]FileMetadata, error) {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	out := make([]FileMetadata, 0, len(sess.fileOrder))
	for _, id := range sess.fileOrder {
		out = append(out, sess.files[id].Metadata())
	}
	return out, nil
}

// DeleteFile removes a file and releases its bytes from the global budget.
func (s *MemoryStore) DeleteFile(sessionID, fileID string) (bool, error) {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	rec, ok := sess.files[fileID]
	if !ok {
		sess.mu.Unlock()
		return false, nil
	}
	delete(sess.files, fileID)
	for i, id := range sess.fileOrder {
		if id == fileID {
			sess.fileOrder = append(sess.fileOrder[:i], sess.fileOrder[i+1:]...)
			break
		}
	}
	sess.mu.Unlock()

	s.releaseBytes(rec.Size())
	return true, nil
}

// AddMessage validates and appends a message to sessionID.
func (s *MemoryStore) AddMessage(sessionID, content, sentBy, sentByName string) (MessageRecord, error) {
	sess, err := s.getLiveForMutation(sessionID)
	if err != nil {
		return MessageRecord{}, err
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return MessageRecord{}, apperr.New(apperr.Empty)
	}
	if utf8.RuneCountInString(trimmed) > s.cfg.MaxMessageLength {
		return MessageRecord{}, apperr.New(apperr.TooLong)
	}
	if sentByName == "" {
		sentByName = "Anonymous"
	}

	now := s.clock.Now()
	msg := MessageRecord{
		ID:         ids.NewMessageID(now),
		Content:    trimmed,
		SentBy:     sentBy,
		SentByName: sentByName,
		SentAt:     now,
	}

	sess.mu.Lock()
	if len(sess.messages) >= s.cfg.MaxMessagesPerSession {
		sess.mu.Unlock()
		return MessageRecord{}, apperr.New(apperr.MessageCapReached)
	}
	sess.messages = append(sess.messages, msg)
	sess.mu.Unlock()

	return msg, nil
}

// DeleteMessage removes a message iff caller was its sender or the
// session's creator. If the creator has since left, the store still
// remembers CreatorConnID (creator identity survives disconnect); once no
// creator was ever recorded, only the sender may delete.
func (s *MemoryStore) DeleteMessage(sessionID, messageID, callerConnID string) error {
	sess, err := s.getLive(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	idx := -1
	for i, m := range sess.messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return apperr.New(apperr.NotFound)
	}

	msg := sess.messages[idx]
	allowed := msg.SentBy == callerConnID || (sess.CreatorConnID != "" && sess.CreatorConnID == callerConnID)
	if !allowed {
		return apperr.New(apperr.Forbidden)
	}

	sess.messages = append(sess.messages[:idx], sess.messages[idx+1:]...)
	return nil
}

// DeleteSession frees every byte the session owns, drops its messages, and
// unbinds every member.
func (s *MemoryStore) DeleteSession(sessionID string) bool {
	code := ids.CanonicalSessionCode(sessionID)
	s.mu.Lock()
	ok := s.deleteSessionLocked(code)
	s.mu.Unlock()
	return ok
}

// deleteSessionLocked must be called with s.mu held for writing.
func (s *MemoryStore) deleteSessionLocked(code string) bool {
	sess, ok := s.sessions[code]
	if !ok {
		return false
	}
	delete(s.sessions, code)

	sess.mu.Lock()
	var freed int64
	for _, f := range sess.files {
		freed += f.Size()
	}
	for connID := range sess.members {
		delete(s.connToSession, connID)
	}
	sess.mu.Unlock()

	if freed > 0 {
		s.releaseBytes(freed)
	}
	return true
}

// ExpiredSessionIDs returns the canonical IDs of every session whose TTL
// has elapsed as of now.
func (s *MemoryStore) ExpiredSessionIDs(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			out = append(out, id)
		}
	}
	return out
}

// OldestSessionIDs returns up to n session IDs ordered by ascending
// CreatedAt, for emergency eviction under memory pressure.
func (s *MemoryStore) OldestSessionIDs(n int) []string {
	s.mu.RLock()
	type entry struct {
		id        string
		createdAt time.Time
	}
	entries := make([]entry, 0, len(s.sessions))
	for id, sess := range s.sessions {
		entries = append(entries, entry{id: id, createdAt: sess.CreatedAt})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].createdAt.Before(entries[j].createdAt) })

	if n > len(entries) {
		n = len(entries)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = entries[i].id
	}
	return out
}

// TotalBytes returns the sum of every stored file's size, across every
// session.
func (s *MemoryStore) TotalBytes() int64 { return s.totalBytes.Load() }

// SessionCount returns the number of live sessions.
func (s *MemoryStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// FileCount returns the number of files stored across all sessions.
func (s *MemoryStore) FileCount() int {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	count := 0
	for _, sess := range sessions {
		sess.mu.RLock()
		count += len(sess.fileOrder)
		sess.mu.RUnlock()
	}
	return count
}

// Stats is the read-only snapshot exposed to /healthz.
type Stats struct {
	SessionCount  int
	FileCount     int
	TotalBytes    int64
	MaxTotalBytes int64
}

func (s *MemoryStore) StatsSnapshot() Stats {
	return Stats{
		SessionCount:  s.SessionCount(),
		FileCount:     s.FileCount(),
		TotalBytes:    s.TotalBytes(),
		MaxTotalBytes: s.cfg.MaxTotalBytes,
	}
}
