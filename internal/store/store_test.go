package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporroom/vaporroom/internal/apperr"
	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/logging"
	"github.com/vaporroom/vaporroom/internal/store"
)

func newTestStore(t *testing.T) (*store.MemoryStore, *clock.Virtual) {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	vc := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return store.New(cfg, vc, logging.Noop{}), vc
}

func TestCreateSession_UniqueLiveCode(t *testing.T) {
	s, _ := newTestStore(t)
	snap := s.CreateSession()
	require.Len(t, snap.ID, 5)
	assert.Equal(t, 0, snap.MemberCount)
	assert.Empty(t, snap.Files)
	assert.Empty(t, snap.Messages)

	got, err := s.Snapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
}

func TestSnapshot_UnknownSession(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Snapshot("ZZZZZ")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestSnapshot_ExpiredSession(t *testing.T) {
	s, vc := newTestStore(t)
	snap := s.CreateSession()

	vc.Advance(6 * time.Hour)

	_, err := s.Snapshot(snap.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, 0, s.SessionCount())
}

func TestAddMember_RebindsAcrossSessions(t *testing.T) {
	s, _ := newTestStore(t)
	a := s.CreateSession()
	b := s.CreateSession()

	require.NoError(t, s.AddMember(a.ID, "conn1", "Alice"))
	assert.Equal(t, 1, s.MemberCount(a.ID))

	require.NoError(t, s.AddMember(b.ID, "conn1", "Alice"))
	assert.Equal(t, 0, s.MemberCount(a.ID))
	assert.Equal(t, 1, s.MemberCount(b.ID))
}

func TestAddMember_UnknownSession(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.AddMember("ZZZZZ", "conn1", "Alice")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRemoveMember_UnknownConn(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok := s.RemoveMember("nope")
	assert.False(t, ok)
}

func TestAddFile_HappyPath(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	meta, err := s.AddFile(sess.ID, store.FileRecord{
		Payload:  []byte("hello world"),
		Filename: "hello.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", meta.Filename)
	assert.Equal(t, int64(len("hello world")), meta.Size)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, int64(len("hello world")), s.TotalBytes())
}

func TestAddFile_EmptyRejected(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	_, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte{}, Filename: "x"})
	require.Error(t, err)
	assert.Equal(t, apperr.EmptyFile, apperr.KindOf(err))
}

func TestAddFile_TooLargeRejected(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxFileSizeBytes = 4
	vc := clock.NewVirtual(time.Now())
	small := store.New(cfg, vc, logging.Noop{})

	sess := small.CreateSession()
	_, err := small.AddFile(sess.ID, store.FileRecord{Payload: []byte("hello"), Filename: "x"})
	require.Error(t, err)
	assert.Equal(t, apperr.FileTooLarge, apperr.KindOf(err))
}

func TestAddFile_SessionCapReached(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxFilesPerSession = 1
	vc := clock.NewVirtual(time.Now())
	s := store.New(cfg, vc, logging.Noop{})

	sess := s.CreateSession()
	_, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("a"), Filename: "a.txt"})
	require.NoError(t, err)

	_, err = s.AddFile(sess.ID, store.FileRecord{Payload: []byte("b"), Filename: "b.txt"})
	require.Error(t, err)
	assert.Equal(t, apperr.SessionFileCapReached, apperr.KindOf(err))
}

func TestAddFile_GlobalBudgetExhausted(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxTotalBytes = 5
	vc := clock.NewVirtual(time.Now())
	s := store.New(cfg, vc, logging.Noop{})

	sess := s.CreateSession()
	_, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("abcde"), Filename: "a.txt"})
	require.NoError(t, err)

	_, err = s.AddFile(sess.ID, store.FileRecord{Payload: []byte("x"), Filename: "b.txt"})
	require.Error(t, err)
	assert.Equal(t, apperr.OutOfMemory, apperr.KindOf(err))
}

func TestAddFile_SanitizesTraversalFilename(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	meta, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("x"), Filename: "../../etc/passwd"})
	require.NoError(t, err)
	assert.Equal(t, "etcpasswd", meta.Filename)
}

func TestAddFile_LiteralUnnamedFilenamePreserved(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	meta, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("x"), Filename: "unnamed"})
	require.NoError(t, err)
	assert.Equal(t, "unnamed", meta.Filename, "a genuinely-named 'unnamed' upload must not be rewritten to a fallback name")
}

func TestAddFile_EmptiedFilenameGetsFallback(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	meta, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("x"), Filename: "/////"})
	require.NoError(t, err)
	assert.Equal(t, "file-"+meta.ID, meta.Filename, "sanitization emptied the name, so the fallback form is used instead of the literal string 'unnamed'")
}

func TestAddFile_ExpiredSessionReturnsSessionExpired(t *testing.T) {
	s, vc := newTestStore(t)
	sess := s.CreateSession()
	vc.Advance(6 * time.Hour)

	_, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("x"), Filename: "a.txt"})
	require.Error(t, err)
	assert.Equal(t, apperr.SessionExpired, apperr.KindOf(err))
}

func TestAddFile_UnknownSessionReturnsSessionExpired(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddFile("ZZZZZ", store.FileRecord{Payload: []byte("x"), Filename: "a.txt"})
	require.Error(t, err)
	assert.Equal(t, apperr.SessionExpired, apperr.KindOf(err))
}

func TestDeleteFile_ReleasesBytes(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	meta, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("hello"), Filename: "a.txt"})
	require.NoError(t, err)
	require.Equal(t, int64(5), s.TotalBytes())

	deleted, err := s.DeleteFile(sess.ID, meta.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, int64(0), s.TotalBytes())

	_, err = s.GetFileMetadata(sess.ID, meta.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteFile_UnknownFileReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()
	deleted, err := s.DeleteFile(sess.ID, "deadbeef")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestAddMessage_HappyPath(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	msg, err := s.AddMessage(sess.ID, "hi there", "conn1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "hi there", msg.Content)
	assert.NotEmpty(t, msg.ID)
}

func TestAddMessage_EmptyRejected(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	_, err := s.AddMessage(sess.ID, "   ", "conn1", "Alice")
	require.Error(t, err)
	assert.Equal(t, apperr.Empty, apperr.KindOf(err))
}

func TestAddMessage_ExpiredSessionReturnsSessionExpired(t *testing.T) {
	s, vc := newTestStore(t)
	sess := s.CreateSession()
	vc.Advance(6 * time.Hour)

	_, err := s.AddMessage(sess.ID, "hi", "conn1", "Alice")
	require.Error(t, err)
	assert.Equal(t, apperr.SessionExpired, apperr.KindOf(err))
}

func TestAddMessage_TooLongRejected(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxMessageLength = 5
	vc := clock.NewVirtual(time.Now())
	s := store.New(cfg, vc, logging.Noop{})
	sess := s.CreateSession()

	_, err := s.AddMessage(sess.ID, "way too long", "conn1", "Alice")
	require.Error(t, err)
	assert.Equal(t, apperr.TooLong, apperr.KindOf(err))
}

func TestAddMessage_CapReached(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxMessagesPerSession = 1
	vc := clock.NewVirtual(time.Now())
	s := store.New(cfg, vc, logging.Noop{})
	sess := s.CreateSession()

	_, err := s.AddMessage(sess.ID, "one", "conn1", "Alice")
	require.NoError(t, err)
	_, err = s.AddMessage(sess.ID, "two", "conn1", "Alice")
	require.Error(t, err)
	assert.Equal(t, apperr.MessageCapReached, apperr.KindOf(err))
}

func TestDeleteMessage_SenderAllowed(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	msg, err := s.AddMessage(sess.ID, "hi", "conn1", "Alice")
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(sess.ID, msg.ID, "conn1"))
}

func TestDeleteMessage_CreatorAllowed(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()
	require.NoError(t, s.AddMember(sess.ID, "creator", "Owner"))

	msg, err := s.AddMessage(sess.ID, "hi", "conn2", "Bob")
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(sess.ID, msg.ID, "creator"))
}

func TestDeleteMessage_OthersForbidden(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()

	msg, err := s.AddMessage(sess.ID, "hi", "conn1", "Alice")
	require.NoError(t, err)

	err = s.DeleteMessage(sess.ID, msg.ID, "conn2")
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestExpiredSessionIDs(t *testing.T) {
	s, vc := newTestStore(t)
	sess := s.CreateSession()

	assert.Empty(t, s.ExpiredSessionIDs(vc.Now()))

	vc.Advance(6 * time.Hour)
	expired := s.ExpiredSessionIDs(vc.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, sess.ID, expired[0])
}

func TestOldestSessionIDs(t *testing.T) {
	s, vc := newTestStore(t)
	first := s.CreateSession()
	vc.Advance(time.Minute)
	second := s.CreateSession()
	vc.Advance(time.Minute)
	_ = s.CreateSession()

	oldest := s.OldestSessionIDs(2)
	require.Len(t, oldest, 2)
	assert.Equal(t, first.ID, oldest[0])
	assert.Equal(t, second.ID, oldest[1])
}

func TestDeleteSession_FreesBytesAndMembers(t *testing.T) {
	s, _ := newTestStore(t)
	sess := s.CreateSession()
	require.NoError(t, s.AddMember(sess.ID, "conn1", "Alice"))
	_, err := s.AddFile(sess.ID, store.FileRecord{Payload: []byte("data"), Filename: "a.txt"})
	require.NoError(t, err)

	assert.True(t, s.DeleteSession(sess.ID))
	assert.Equal(t, int64(0), s.TotalBytes())
	assert.Equal(t, 0, s.SessionCount())

	_, ok := s.RemoveMember("conn1")
	assert.False(t, ok)
}
