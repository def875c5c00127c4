package app

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"stepwise/internal/clock"
	"stepwise/internal/host"
	"stepwise/internal/timer"
	logx "stepwise/pkg/logx"
)

// watchdog pings systemd from the host goroutine. An increment that overruns
// its budget by more than the watchdog interval starves the pings and systemd
// restarts the daemon.
type watchdog struct {
	t       *timer.SmartTimer
	every   time.Duration
	notify  func() error
	log     logx.Logger
	stopped atomic.Bool
	fails   atomic.Int64
}

func newWatchdog(h host.Timers, c clock.Clock, every time.Duration, notify func() error, log logx.Logger) *watchdog {
	w := &watchdog{every: every, notify: notify, log: log}
	w.t = timer.NewSmartTimer("watchdog", h, c, w.ping)
	return w
}

func (w *watchdog) start() { w.t.Schedule(0) }

func (w *watchdog) stop() {
	w.stopped.Store(true)
	w.t.Cancel()
}

func (w *watchdog) ping() {
	if w.stopped.Load() {
		return
	}
	if err := w.notify(); err != nil {
		// Only the first failure is worth a warning; the socket does not heal.
		if w.fails.Add(1) == 1 {
			w.log.Warn("watchdog notify failed", logx.Err(err))
		}
	}
	w.t.Schedule(w.every)
}

// startWatchdog arms the watchdog when systemd asked for one (WATCHDOG_USEC).
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("watchdog config invalid; not pinging", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.watchdog = newWatchdog(a.host, clock.Real(), interval/2, func() error {
		_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		return err
	}, a.log.With(logx.String("comp", "watchdog")))
	a.watchdog.start()
	a.log.Info("systemd watchdog armed", logx.Duration("ping_every", interval/2))
}
