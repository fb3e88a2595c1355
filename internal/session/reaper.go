package session

import (
	"context"
	"syscall"
	"time"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
	"github.com/akaytatsu/cortex-sub000/internal/recovery"
	"github.com/akaytatsu/cortex-sub000/internal/store"
)

const (
	defaultReapInterval  = 30 * time.Minute
	defaultMaxSessionAge = 12 * time.Hour
	reapGracePeriod      = 5 * time.Second
	reapPollInterval     = 100 * time.Millisecond
)

// Reaper periodically terminates sessions older than the configured maximum
// age and removes their persisted records. One failing session never prevents
// cleanup of the others in the same sweep, and the periodic timer survives
// any failure inside a single pass.
type Reaper struct {
	store    *store.SessionStore
	interval time.Duration
	maxAge   time.Duration
	grace    time.Duration
	poll     time.Duration

	// signalFn is swappable in tests to exercise the ESRCH/EPERM paths
	// without real processes.
	signalFn func(pid int, sig syscall.Signal) error
}

// NewReaper creates a reaper with the default interval and age threshold.
func NewReaper(sessionStore *store.SessionStore) *Reaper {
	return &Reaper{
		store:    sessionStore,
		interval: defaultReapInterval,
		maxAge:   defaultMaxSessionAge,
		grace:    reapGracePeriod,
		poll:     reapPollInterval,
		signalFn: syscall.Kill,
	}
}

// SetInterval overrides the sweep interval.
func (r *Reaper) SetInterval(interval time.Duration) { r.interval = interval }

// SetMaxAge overrides the session age threshold.
func (r *Reaper) SetMaxAge(maxAge time.Duration) { r.maxAge = maxAge }

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Infof("Session reaper running (interval %v, max age %v)", r.interval, r.maxAge)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Session reaper stopped")
			return
		case <-ticker.C:
			recovery.SafeCall("reaper-sweep", r.Sweep)
		}
	}
}

// Sweep performs a single pass over all persisted sessions.
func (r *Reaper) Sweep() {
	sessions, err := r.store.All()
	if err != nil {
		logger.Errorf("Reaper failed to load sessions: %v", err)
		return
	}

	now := time.Now()
	for _, session := range sessions {
		age := now.Sub(session.StartedAt)
		if age < r.maxAge {
			continue
		}

		logger.Infof("Reaping session %s (pid %d, age %v)", session.ID, session.PID, age.Round(time.Second))
		if err := r.reapOne(session); err != nil {
			logger.Errorf("Failed to reap session %s: %v", session.ID, err)
		}
	}
}

// reapOne terminates a single expired session and removes its record.
// "Already gone" is a no-op before removal; "permission denied" keeps the
// record, since the process could not be confirmed terminated.
func (r *Reaper) reapOne(session *models.Session) error {
	err := r.signalFn(session.PID, syscall.SIGTERM)
	switch err {
	case nil:
		if !r.waitForExit(session.PID) {
			logger.Warnf("Session %s (pid %d) still alive after %v, sending SIGKILL", session.ID, session.PID, r.grace)
			if killErr := r.signalFn(session.PID, syscall.SIGKILL); killErr != nil && killErr != syscall.ESRCH {
				if killErr == syscall.EPERM {
					logger.Warnf("Permission denied killing session %s (pid %d), keeping record", session.ID, session.PID)
					return nil
				}
				return killErr
			}
		}
	case syscall.ESRCH:
		// Process already gone; just drop the record.
	case syscall.EPERM:
		logger.Warnf("Permission denied signaling session %s (pid %d), keeping record", session.ID, session.PID)
		return nil
	default:
		return err
	}

	if err := r.store.Remove(session.ID); err != nil {
		return err
	}
	logger.Infof("Removed expired session record %s", session.ID)
	return nil
}

// waitForExit polls liveness until the process is gone or the grace window
// lapses. Returns true once the process has exited.
func (r *Reaper) waitForExit(pid int) bool {
	deadline := time.Now().Add(r.grace)
	for time.Now().Before(deadline) {
		if err := r.signalFn(pid, syscall.Signal(0)); err == syscall.ESRCH {
			return true
		}
		time.Sleep(r.poll)
	}
	return r.signalFn(pid, syscall.Signal(0)) == syscall.ESRCH
}
