// Command friend-lite bridges a Friend/Omi BLE pendant to a WebSocket
// ingestion endpoint. It subscribes to the pendant's audio, button and
// battery characteristics over BlueZ, frames every packet, and streams the
// frames over a supervised wss:// uplink with reconnect backoff. A local
// HTTP API exposes status, session history and a live event stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BasedNight/friend-lite/bluetooth"
	"github.com/BasedNight/friend-lite/journal"
	"github.com/BasedNight/friend-lite/network"
	"github.com/BasedNight/friend-lite/notify"
	"github.com/BasedNight/friend-lite/server"
	"github.com/BasedNight/friend-lite/uplink"
	"github.com/BasedNight/friend-lite/utils"
)

const version = "0.3.0"

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP API listen address")
		target        = flag.String("target", "", "uplink endpoint (wss://host/path); empty waits for an API connect")
		dbPath        = flag.String("db", "/var/lib/friend-lite/journal.db", "session journal SQLite path")
		pendantAddr   = flag.String("pendant-address", "", "pendant Bluetooth address (default: discover by name)")
		pendantName   = flag.String("pendant-name", "", "pendant device name override")
		pingHost      = flag.String("ping-host", "1.1.1.1", "reachability probe host")
		iface         = flag.String("interface", "", "network interface to watch (default: any)")
		resetCounters = flag.Bool("reset-counters", false, "zero stream packet counters when a stream stops")
		logFile       = flag.String("log", "", "also write logs to this file")
		debug         = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log, err := utils.BuildLogger(*debug, *logFile)
	if err != nil {
		log = zap.Must(zap.NewProduction())
		log.Warn("log file unavailable, logging to stderr only", zap.Error(err))
	}
	defer log.Sync()

	log.Info("starting friend-lite",
		zap.String("version", version),
		zap.String("addr", *addr),
		zap.String("db", *dbPath),
		zap.String("target", *target),
		zap.Bool("debug", *debug))

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		log.Warn("could not create journal directory", zap.Error(err))
	}
	jrnl, err := journal.Open(*dbPath)
	if err != nil {
		log.Fatal("journal open failed", zap.Error(err))
	}
	if err := journal.Migrate(jrnl); err != nil {
		log.Fatal("journal migrate failed", zap.Error(err))
	}

	hub := utils.NewHub(log)

	monitor := network.NewMonitor(network.Config{
		Host:      *pingHost,
		Interface: *iface,
		OnChange: func(st network.Status) {
			hub.Broadcast(utils.Event{Type: "network/status", Payload: st})
		},
		Logger: log,
	})
	if err := monitor.Start(); err != nil {
		log.Warn("network monitor start failed", zap.Error(err))
	}

	var notifier notify.Notifier
	desktop, err := notify.NewDesktopNotifier()
	if err != nil {
		log.Warn("desktop notifications unavailable", zap.Error(err))
		notifier = notify.Discard{}
	} else {
		notifier = desktop
	}

	recorder := &sessionRecorder{journal: jrnl, hub: hub, log: log}

	client := uplink.New(uplink.Config{
		Reachability: monitorReachability{monitor},
		Notifier:     notifier,
		OnStatus: func(st uplink.Status) {
			hub.Broadcast(utils.Event{Type: "uplink/status", Payload: st})
			recorder.observe(st)
		},
		Logger: log,
	})

	var manager *bluetooth.Manager
	manager, err = bluetooth.NewManager(bluetooth.ManagerConfig{
		Device: bluetooth.DeviceConfig{
			Address: *pendantAddr,
			Name:    *pendantName,
			Logger:  log,
		},
		Sink:                client,
		Hub:                 hub,
		ResetCountersOnStop: *resetCounters,
		Notifier:            notifier,
		Logger:              log,
	})
	if err != nil {
		// No BlueZ on this host: uplink and API still work, the pendant
		// routes answer 503.
		log.Warn("pendant manager unavailable", zap.Error(err))
		manager = nil
	} else if err := manager.Start(); err != nil {
		log.Warn("pendant manager start failed", zap.Error(err))
	}

	srv := server.New(server.Config{
		Addr:    *addr,
		Version: version,
		Uplink:  client,
		Pendant: manager,
		Monitor: monitor,
		Journal: jrnl,
		Hub:     hub,
		Logger:  log,
	})
	if err := srv.Start(); err != nil {
		log.Fatal("server start failed", zap.Error(err))
	}

	if *target != "" {
		go func() {
			if err := client.Start(context.Background(), *target); err != nil {
				log.Warn("uplink autostart failed", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	if manager != nil {
		manager.Stop()
		manager.Close()
	}
	client.Stop()
	monitor.Stop()
	hub.Close()
	if desktop != nil {
		desktop.Close()
	}
	if err := jrnl.Close(); err != nil {
		log.Warn("journal close", zap.Error(err))
	}
	log.Info("stopped")
}

// monitorReachability adapts the network monitor to the uplink client's
// reachability collaborator.
type monitorReachability struct {
	monitor *network.Monitor
}

func (r monitorReachability) Current() uplink.ReachState {
	st := r.monitor.Current()
	return uplink.ReachState{Connected: st.LinkUp, InternetReachable: st.InternetReachable}
}

func (r monitorReachability) Subscribe() (<-chan uplink.ReachState, func()) {
	src, cancelSrc := r.monitor.Subscribe()
	out := make(chan uplink.ReachState, 4)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case st := <-src:
				select {
				case out <- uplink.ReachState{Connected: st.LinkUp, InternetReachable: st.InternetReachable}:
				default:
				}
			}
		}
	}()
	return out, func() {
		cancelSrc()
		close(stop)
	}
}

// sessionRecorder mirrors uplink lifecycle changes into the journal: one
// sessions row per connection attempt sequence, one transitions row per
// state change. Counter-only status updates are skipped. Session open and
// close are also announced on the hub.
type sessionRecorder struct {
	journal *journal.Journal
	hub     *utils.Hub
	log     *zap.Logger

	mu           sync.Mutex
	sessionID    int64
	lastState    uplink.ConnState
	lastAttempts int
	haveState    bool
}

func (r *sessionRecorder) observe(st uplink.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionID == 0 {
		// Idle churn before the first connection attempt is not a session.
		if st.State == uplink.StateIdle {
			return
		}
		id, err := r.journal.StartSession(st.Target)
		if err != nil {
			r.log.Warn("journal: start session failed", zap.Error(err))
			return
		}
		r.sessionID = id
		r.haveState = false
		r.hub.Broadcast(utils.Event{Type: "session/started", Payload: map[string]any{
			"id":     id,
			"target": st.Target,
		}})
	}

	if r.haveState && st.State == r.lastState && st.RetryAttempts == r.lastAttempts {
		return
	}
	r.lastState = st.State
	r.lastAttempts = st.RetryAttempts
	r.haveState = true

	if err := r.journal.RecordTransition(r.sessionID, st.State.String(), st.RetryAttempts, st.LastError); err != nil {
		r.log.Warn("journal: record transition failed", zap.Error(err))
	}

	if st.State == uplink.StateIdle || st.State == uplink.StateFailed {
		reason := "stopped"
		if st.State == uplink.StateFailed {
			reason = "retries-exhausted"
		}
		if err := r.journal.EndSession(r.sessionID, reason, st.FramesSent); err != nil {
			r.log.Warn("journal: end session failed", zap.Error(err))
		}
		r.hub.Broadcast(utils.Event{Type: "session/ended", Payload: map[string]any{
			"id":         r.sessionID,
			"reason":     reason,
			"framesSent": st.FramesSent,
		}})
		r.sessionID = 0
	}
}
