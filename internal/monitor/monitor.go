// Package monitor implements the Monitoring Loop (C2): a 1Hz tick that
// reads a pub/sub monitoring snapshot, rebuilds the host-liveness and
// topic-info maps under a writer lock, then invokes post-update hooks
// once the lock is released. Modeled on the original eCAL MonitoringThread::Loop
// design: the first hook is always the coordinator's connection-topology
// update.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/transport"
)

// RunningClients maps a host to the set of pids on it that matched a
// recorder-client unit name, per the latest monitoring snapshot.
type RunningClients map[domain.HostName]map[int32]string

// Hook is a post-update callback. Hooks run after the monitor has released
// its lock, so they may call the monitor's getters; they must return
// promptly, since a tick does not complete until every hook has.
type Hook func(ctx domain.Context, running RunningClients)

// RunningEnabledLookup answers "is (host,pid) one of the coordinator's
// currently enabled, running clients" — the filter step 3 of the tick
// applies before recording a subscriber's frequency.
type RunningEnabledLookup func(host domain.HostName, pid int32) bool

// ClientUnitNames is the set of eCAL unit names considered a "recorder
// client" process for liveness and subscriber-frequency purposes, e.g.
// {"eCALRecClient", "eCALRecGUI"}.
type ClientUnitNames map[string]struct{}

// Monitor is the Monitoring Loop.
type Monitor struct {
	tr       transport.Transport
	interval time.Duration
	units    ClientUnitNames
	lookup   RunningEnabledLookup
	log      *slog.Logger

	mu      sync.RWMutex
	topics  map[string]domain.TopicInfo
	running RunningClients

	hooksMu sync.Mutex
	hooks   []Hook

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor. lookup may be nil, in which case every
// subscriber's frequency is recorded unconditionally (useful for tests).
func New(tr transport.Transport, interval time.Duration, units ClientUnitNames, lookup RunningEnabledLookup, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		tr:       tr,
		interval: interval,
		units:    units,
		lookup:   lookup,
		log:      log.With(slog.String("component", "monitor")),
		topics:   make(map[string]domain.TopicInfo),
		running:  make(RunningClients),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// AddHook registers a post-update hook. The coordinator's
// update_connections hook must be registered first, per the spec's
// "the first hook is always the coordinator's update_connections".
func (m *Monitor) AddHook(h Hook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Run executes the 1Hz tick loop until ctx is cancelled or Stop is called.
// A tick fully completes, including every hook, before the next begins.
func (m *Monitor) Run(ctx domain.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

func (m *Monitor) tick(ctx domain.Context) {
	snap, err := m.tr.Snapshot(ctx)
	if err != nil {
		m.log.Warn("monitoring snapshot failed", slog.Any("error", err))
		return
	}

	running := make(RunningClients)
	for _, p := range snap.Processes {
		if !m.isClientUnit(p.UnitName) {
			continue
		}
		host := domain.NormalizeHost(p.Host)
		if running[host] == nil {
			running[host] = make(map[int32]string)
		}
		running[host][p.PID] = p.UnitName
	}

	topics := make(map[string]domain.TopicInfo)
	for _, pub := range snap.Publishers {
		t, ok := topics[pub.Topic]
		if !ok {
			t = domain.TopicInfo{TypeInfo: pub.TypeInfo, Publishers: make(map[domain.HostName]map[string]struct{}), RecSubscribers: make(map[domain.ClientIdentity]map[int32]float64)}
		}
		if t.Publishers[pub.Host] == nil {
			t.Publishers[pub.Host] = make(map[string]struct{})
		}
		t.Publishers[pub.Host][pub.UnitName] = struct{}{}
		topics[pub.Topic] = t
	}
	for _, sub := range snap.Subscribers {
		if !m.isClientUnit(sub.UnitName) {
			continue
		}
		if m.lookup != nil && !m.lookup(sub.Host, sub.PID) {
			continue
		}
		t, ok := topics[sub.Topic]
		if !ok {
			t = domain.TopicInfo{Publishers: make(map[domain.HostName]map[string]struct{}), RecSubscribers: make(map[domain.ClientIdentity]map[int32]float64)}
		}
		id := domain.ClientIdentity(sub.Host).Normalize()
		if t.RecSubscribers[id] == nil {
			t.RecSubscribers[id] = make(map[int32]float64)
		}
		t.RecSubscribers[id][sub.PID] = sub.FrequencyMilliHz / 1000.0
		topics[sub.Topic] = t
	}

	m.mu.Lock()
	m.running = running
	m.topics = topics
	m.mu.Unlock()

	m.mu.RLock()
	runningCopy := m.running
	m.mu.RUnlock()

	m.hooksMu.Lock()
	hooks := append([]Hook{}, m.hooks...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		h(ctx, runningCopy)
	}
}

func (m *Monitor) isClientUnit(unit string) bool {
	if len(m.units) == 0 {
		return true
	}
	_, ok := m.units[unit]
	return ok
}

// Topics returns a copy of the current topic-info map.
func (m *Monitor) Topics() map[string]domain.TopicInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.TopicInfo, len(m.topics))
	for k, v := range m.topics {
		out[k] = v
	}
	return out
}

// RunningClients returns a copy of the current host-liveness map.
func (m *Monitor) RunningClients() RunningClients {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(RunningClients, len(m.running))
	for h, pids := range m.running {
		cp := make(map[int32]string, len(pids))
		for pid, unit := range pids {
			cp[pid] = unit
		}
		out[h] = cp
	}
	return out
}
