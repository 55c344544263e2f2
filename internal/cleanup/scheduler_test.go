package cleanup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporroom/vaporroom/internal/cleanup"
	"github.com/vaporroom/vaporroom/internal/clock"
	"github.com/vaporroom/vaporroom/internal/config"
	"github.com/vaporroom/vaporroom/internal/logging"
	"github.com/vaporroom/vaporroom/internal/store"
	"github.com/vaporroom/vaporroom/internal/upload"
)

type fakeNotifier struct {
	evicted []string
}

func (f *fakeNotifier) BroadcastSessionExpired(sessionID, reason string) {
	f.evicted = append(f.evicted, sessionID)
}

func TestTick_EvictsExpiredSessions(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	vc := clock.NewVirtual(time.Now())
	st := store.New(cfg, vc, logging.Noop{})
	asm := upload.New(cfg, vc, logging.Noop{})
	notifier := &fakeNotifier{}
	sched := cleanup.New(st, asm, notifier, cfg, vc, logging.Noop{}, nil)

	snap := st.CreateSession()
	vc.Advance(6 * time.Hour)

	sched.Tick()

	assert.Contains(t, notifier.evicted, snap.ID)
	assert.Equal(t, 0, st.SessionCount())
}

func TestTick_CriticalPressureEvictsOldest(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxTotalBytes = 10
	cfg.CriticalThreshold = 0.9
	cfg.EmergencyEvictionN = 1
	vc := clock.NewVirtual(time.Now())
	st := store.New(cfg, vc, logging.Noop{})
	asm := upload.New(cfg, vc, logging.Noop{})
	notifier := &fakeNotifier{}
	sched := cleanup.New(st, asm, notifier, cfg, vc, logging.Noop{}, nil)

	oldest := st.CreateSession()
	vc.Advance(time.Minute)
	newest := st.CreateSession()

	_, err := st.AddFile(oldest.ID, store.FileRecord{Payload: []byte("123456789A"), Filename: "a"})
	require.NoError(t, err)

	sched.Tick()

	assert.Contains(t, notifier.evicted, oldest.ID)
	assert.Equal(t, 1, st.SessionCount())
	_, err = st.Snapshot(newest.ID)
	assert.NoError(t, err)
}

func TestTick_SweepsStaleUploads(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	vc := clock.NewVirtual(time.Now())
	st := store.New(cfg, vc, logging.Noop{})
	asm := upload.New(cfg, vc, logging.Noop{})
	sched := cleanup.New(st, asm, nil, cfg, vc, logging.Noop{}, nil)

	_, err := asm.Start("SESS1", upload.Declared{Size: 1, TotalChunks: 1})
	require.NoError(t, err)

	vc.Advance(31 * time.Minute)
	sched.Tick()

	assert.Equal(t, 0, asm.ActiveCount("SESS1"))
}

func TestRun_StopsCleanly(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	vc := clock.NewVirtual(time.Now())
	st := store.New(cfg, vc, logging.Noop{})
	asm := upload.New(cfg, vc, logging.Noop{})
	sched := cleanup.New(st, asm, nil, cfg, vc, logging.Noop{}, nil)

	go sched.Run(context.Background())
	sched.Stop()
}
