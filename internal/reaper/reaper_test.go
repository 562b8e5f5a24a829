package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/config"
	"github.com/hook0/dispatch-engine/internal/obs"
)

type fakeStore struct {
	recovered int
	err       error
	lease     time.Duration
}

func (f *fakeStore) ReapExpiredLeases(ctx context.Context, lease time.Duration) (int, error) {
	f.lease = lease
	return f.recovered, f.err
}

func testCfg() *config.Config {
	cfg, _ := config.Load("nonexistent.yaml")
	cfg.Reaper.Interval = time.Millisecond
	return cfg
}

func TestSweepOnce_RecordsRecoveredCount(t *testing.T) {
	before := testutil.ToFloat64(obs.ReaperRecovered)
	fs := &fakeStore{recovered: 3}
	cfg := testCfg()
	r := New(cfg, fs, zap.NewNop())

	r.sweepOnce(context.Background())

	assert.Equal(t, cfg.Worker.Lease, fs.lease)
	assert.Equal(t, before+3, testutil.ToFloat64(obs.ReaperRecovered))
}

func TestSweepOnce_LogsAndContinuesOnError(t *testing.T) {
	fs := &fakeStore{err: errors.New("db down")}
	r := New(testCfg(), fs, zap.NewNop())

	assert.NotPanics(t, func() { r.sweepOnce(context.Background()) })
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testCfg()
	cfg.Reaper.Interval = time.Millisecond
	fs := &fakeStore{}
	r := New(cfg, fs, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
