// Package fleet implements FleetManager: the single control-plane loop
// that arbitrates leadership, slot scheduling, and recovery across a
// fleet of NodeMonitors.
package fleet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolwarden/poolwarden/pkg/config"
	"github.com/poolwarden/poolwarden/pkg/log"
	"github.com/poolwarden/poolwarden/pkg/metrics"
	"github.com/poolwarden/poolwarden/pkg/notify"
	"github.com/poolwarden/poolwarden/pkg/types"
)

const (
	tickInterval  = time.Second
	tipHysteresis = 3
)

// MonitorClient is the subset of pkg/monitor's Monitor that FleetManager
// depends on.
type MonitorClient interface {
	GetState() types.NodeState
	GetTip() uint64
	GetLastStats() (types.NodeStats, bool)
	GetLastBlock(ctx context.Context) ([]byte, error)
	GetCurrentEpoch() int
	IsLeader() bool
	GetLeaders(ctx context.Context) ([]int64, error)
	GetLeadersLogs(ctx context.Context) ([]types.LeaderLogEntry, error)
	IsStuck(fleetMaxTip uint64) bool
	GetSecondsSinceBootstrapStarted() int64
	StopNode(ctx context.Context, force bool, reason string) error
	StartNode(ctx context.Context, reason string) error
	Restart(ctx context.Context, reason string) error
	RegisterLeader(ctx context.Context) (int64, error)
	UnregisterLeader(ctx context.Context, leaderID int64) error
	SwitchToDefaultPeersBootstrap() error
	SwitchToFastBootstrap() error
}

// TelemetryClient is the subset of pkg/telemetry's Publisher that
// FleetManager depends on.
type TelemetryClient interface {
	RefreshDataForTipUpdate(stats types.NodeStats, lastBlockHex string, poolID, genesisHash string)
	SendMyTip()
	GetStatusSummary() map[string]interface{}
	GetMaxTip() uint64
}

// SlotPackager is the subset of pkg/slots' Packager that FleetManager
// depends on.
type SlotPackager interface {
	Process(currentEpoch int, currentSlots []types.LeaderLogEntry) error
}

// Notifier publishes out-of-band events to subscribers (email, logs, etc).
type Notifier interface {
	Publish(event *notify.Event)
}

type leaderEntry struct {
	id   int64
	name string
}

type slotsAssignedEntry struct {
	epoch int
	nodes []string
	slots []types.LeaderLogEntry
}

// Manager runs the single FleetManager tick loop.
type Manager struct {
	nodes     map[string]MonitorClient
	nodeOrder []string

	telemetry TelemetryClient
	packager  SlotPackager
	notifier  Notifier
	store     *config.Store

	poolID      string
	genesisHash string

	mu                        sync.Mutex
	maxNodeReportedTip        uint64
	leaderNodes               []leaderEntry
	slotsAssigned             []slotsAssignedEntry
	slotsSentEpoch            int
	lastConfigSeen            time.Time
	timeoutBetweenRestartsSec int64
	minScheduledTimeDiffSec   int64
	sendSlotsWithinSec        int64
	epochStartTime            types.EpochStartTime
	restartsLogPath           string
}

// New builds a FleetManager over the given named monitors.
func New(nodes map[string]MonitorClient, store *config.Store, telemetry TelemetryClient, packager SlotPackager, notifier Notifier, poolID, genesisHash string) *Manager {
	order := make([]string, 0, len(nodes))
	for name := range nodes {
		order = append(order, name)
	}
	sort.Strings(order)

	return &Manager{
		nodes:       nodes,
		nodeOrder:   order,
		telemetry:   telemetry,
		packager:    packager,
		notifier:    notifier,
		store:       store,
		poolID:      poolID,
		genesisHash: genesisHash,
		slotsSentEpoch: -1,
	}
}

// AnyOtherStarted implements pkg/monitor's FleetView: whether any node
// other than exceptNodeName is currently STARTED.
func (m *Manager) AnyOtherStarted(exceptNodeName string) bool {
	for name, mon := range m.nodes {
		if name == exceptNodeName {
			continue
		}
		if mon.GetState() == types.NodeStarted {
			return true
		}
	}
	return false
}

func (m *Manager) anyNodeStarted() bool {
	return m.AnyOtherStarted("")
}

// Run drives the FleetManager's forever loop until ctx is canceled. The
// loop records its own dt and skips a tick body if called again before
// tickInterval has elapsed, matching a ticker that self-throttles rather
// than assuming a precise wakeup.
func (m *Manager) Run(ctx context.Context) {
	fleetLog := log.WithComponent("fleet")
	fleetLog.Info().Msg("fleet manager started")

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tickInterval):
		}

		if time.Since(last) < tickInterval {
			continue
		}
		last = time.Now()

		tickLog := fleetLog.With().Str("tick_id", uuid.New().String()).Logger()
		timer := metrics.NewTimer()
		if err := m.tick(ctx); err != nil {
			tickLog.Error().Err(err).Msg("fleet manager tick failed")
		}
		timer.ObserveDuration(metrics.FleetTickDuration)
	}
}

func (m *Manager) tick(ctx context.Context) error {
	m.telemetry.GetStatusSummary()
	m.telemetry.SendMyTip()

	if err := m.refreshConfigIfNeeded(); err != nil {
		log.Error(fmt.Sprintf("fleet: refresh config: %v", err))
	}

	m.checkLeaders(ctx)
	m.checkSlotAssignments(ctx)
	m.sendSlots()
	m.restartNodesForSlotAssignments(ctx)
	m.recoveryPass(ctx)

	return nil
}

func (m *Manager) refreshConfigIfNeeded() error {
	m.mu.Lock()
	lastSeen := m.lastConfigSeen
	m.mu.Unlock()

	needed, err := m.store.IsConfigUpdateNeeded(lastSeen)
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}

	mgrCfg := m.store.GetManagerConfig()
	common := m.store.GetCommonConfig()

	m.mu.Lock()
	m.poolID = mgrCfg.PoolID
	m.genesisHash = mgrCfg.GenesisHash
	m.timeoutBetweenRestartsSec = int64(mgrCfg.TimeoutBetweenRestartsSec)
	m.minScheduledTimeDiffSec = int64(mgrCfg.MinScheduledTimeDifferenceSec)
	m.sendSlotsWithinSec = int64(mgrCfg.SendSlotsWithinSec)
	m.epochStartTime = mgrCfg.EpochStartTime
	m.restartsLogPath = common.RestartsLogPath
	m.lastConfigSeen = m.store.GetLatestVersion()
	m.mu.Unlock()
	return nil
}

// checkLeaders picks the fleet's max-tip STARTED node (with ±3 hysteresis)
// and ensures exactly one leader exists, and that it is the max-tip node.
func (m *Manager) checkLeaders(ctx context.Context) {
	var maxTipNode string
	var maxTip uint64
	haveMaxTip := false

	var leaders []leaderEntry

	for _, name := range m.nodeOrder {
		mon := m.nodes[name]
		if mon.GetState() != types.NodeStarted {
			continue
		}

		tip := mon.GetTip()
		if !haveMaxTip || tip >= maxTip+tipHysteresis {
			if haveMaxTip {
				log.Info(fmt.Sprintf("fleet: change to node with max tip: %s:%d ==> %s:%d", maxTipNode, maxTip, name, tip))
			}
			maxTipNode = name
			maxTip = tip
			haveMaxTip = true
		}

		if mon.IsLeader() {
			ids, err := mon.GetLeaders(ctx)
			if err != nil {
				log.Error(fmt.Sprintf("fleet: get leaders for %s: %v", name, err))
				continue
			}
			for _, id := range ids {
				leaders = append(leaders, leaderEntry{id: id, name: name})
			}
		}
	}

	m.mu.Lock()
	m.maxNodeReportedTip = maxTip
	m.mu.Unlock()

	// Open Question #4: if the max-tip node itself reports duplicate
	// leader registrations, unregister all but one before evaluating the
	// single/multi/zero-leader branches below.
	var ownLeaders []leaderEntry
	var others []leaderEntry
	for _, l := range leaders {
		if l.name == maxTipNode {
			ownLeaders = append(ownLeaders, l)
		} else {
			others = append(others, l)
		}
	}
	if len(ownLeaders) > 1 {
		for _, l := range ownLeaders[1:] {
			if err := m.nodes[maxTipNode].UnregisterLeader(ctx, l.id); err != nil {
				log.Error(fmt.Sprintf("fleet: unregister duplicate leader on %s: %v", maxTipNode, err))
				continue
			}
			log.Info(fmt.Sprintf("fleet: unregistered duplicate leader on max-tip node %s", maxTipNode))
		}
		ownLeaders = ownLeaders[:1]
	}
	leaders = append(ownLeaders, others...)

	switch {
	case len(leaders) == 1:
		if haveMaxTip && leaders[0].name != maxTipNode {
			log.Info(fmt.Sprintf("fleet: switching from leader node %s to better synced node %s", leaders[0].name, maxTipNode))
			if _, err := m.nodes[maxTipNode].RegisterLeader(ctx); err != nil {
				log.Error(fmt.Sprintf("fleet: register leader on %s: %v", maxTipNode, err))
				break
			}
			log.Info(fmt.Sprintf("fleet: registered leader %s", maxTipNode))
			if err := m.nodes[leaders[0].name].UnregisterLeader(ctx, leaders[0].id); err != nil {
				log.Error(fmt.Sprintf("fleet: unregister leader on %s: %v", leaders[0].name, err))
				break
			}
			log.Info(fmt.Sprintf("fleet: unregistered leader %s", leaders[0].name))
		}
	case len(leaders) > 1:
		log.Info(fmt.Sprintf("fleet: got multiple (%d) leaders", len(leaders)))
		for _, l := range leaders {
			if l.name == maxTipNode {
				continue
			}
			if err := m.nodes[l.name].UnregisterLeader(ctx, l.id); err != nil {
				log.Error(fmt.Sprintf("fleet: unregister leader on %s: %v", l.name, err))
				continue
			}
			log.Info(fmt.Sprintf("fleet: unregistered leader %s", l.name))
		}
	case len(leaders) == 0 && haveMaxTip:
		log.Info(fmt.Sprintf("fleet: no leader nodes found, registering %s as leader", maxTipNode))
		if _, err := m.nodes[maxTipNode].RegisterLeader(ctx); err != nil {
			log.Error(fmt.Sprintf("fleet: register leader on %s: %v", maxTipNode, err))
		}
	}

	m.mu.Lock()
	if haveMaxTip {
		if leaders, err := m.nodes[maxTipNode].GetLeaders(ctx); err == nil {
			m.leaderNodes = nil
			if len(leaders) > 0 {
				m.leaderNodes = []leaderEntry{{id: leaders[0], name: maxTipNode}}
			}
		}
	} else {
		m.leaderNodes = nil
	}
	metrics.LeaderCount.Set(float64(len(m.leaderNodes)))
	m.mu.Unlock()
}

func (m *Manager) currentLeader() (leaderEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.leaderNodes) == 0 {
		return leaderEntry{}, false
	}
	return m.leaderNodes[0], true
}

// checkSlotAssignments records the leader's slot schedule for the current
// epoch the first time it's observed, keeping a bounded 2-epoch ring.
func (m *Manager) checkSlotAssignments(ctx context.Context) {
	leader, ok := m.currentLeader()
	if !ok {
		log.Info("fleet: cannot get leader logs, no leader nodes found")
		return
	}

	mon := m.nodes[leader.name]
	currentEpoch := mon.GetCurrentEpoch()

	m.mu.Lock()
	for _, item := range m.slotsAssigned {
		if item.epoch == currentEpoch {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	slotsAssigned, err := mon.GetLeadersLogs(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("fleet: get leaders logs: %v", err))
		return
	}

	entry := slotsAssignedEntry{epoch: currentEpoch, nodes: []string{leader.name}, slots: slotsAssigned}

	m.mu.Lock()
	m.slotsAssigned = append(m.slotsAssigned, entry)
	if len(m.slotsAssigned) > 2 {
		m.slotsAssigned = m.slotsAssigned[len(m.slotsAssigned)-2:]
	}
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Publish(&notify.Event{Type: notify.EventSlotsAssigned, NodeName: leader.name, Slots: scheduledDates(slotsAssigned)})
	}
}

func scheduledDates(entries []types.LeaderLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ScheduledAtDate
	}
	return out
}

// sendSlots pushes the current epoch's slot assignment to the aggregator
// once, inside the [send_slots_within_sec, send_slots_within_sec+60) window
// measured from today's UTC epoch_start_time.
func (m *Manager) sendSlots() {
	leader, ok := m.currentLeader()
	if !ok {
		return
	}

	mon := m.nodes[leader.name]
	currentEpoch := mon.GetCurrentEpoch()

	m.mu.Lock()
	alreadySent := m.slotsSentEpoch == currentEpoch
	sendWithin := m.sendSlotsWithinSec
	epochStart := m.epochStartTime
	m.mu.Unlock()

	if alreadySent {
		return
	}

	now := time.Now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), epochStart.Hour, epochStart.Minute, epochStart.Second, 0, time.UTC)
	if !now.After(startOfDay) {
		return
	}

	elapsed := int64(now.Sub(startOfDay).Seconds())
	if elapsed < sendWithin || elapsed >= sendWithin+60 {
		return
	}

	slots, err := mon.GetLeadersLogs(context.Background())
	if err != nil {
		log.Error(fmt.Sprintf("fleet: get leaders logs for send_slots: %v", err))
		return
	}

	if err := m.packager.Process(currentEpoch, slots); err != nil {
		log.Error(fmt.Sprintf("fleet: send slots: %v", err))
		return
	}

	m.mu.Lock()
	m.slotsSentEpoch = currentEpoch
	m.mu.Unlock()
	metrics.SlotsSentTotal.Inc()
	log.Info("fleet: slots sent")
}

// restartNodesForSlotAssignments restarts any non-leader STARTED node that
// has not yet confirmed the leader's recorded schedule for the current
// epoch, once its nearest scheduled slot is far enough out.
func (m *Manager) restartNodesForSlotAssignments(ctx context.Context) {
	leader, ok := m.currentLeader()
	if !ok {
		return
	}
	currentEpoch := m.nodes[leader.name].GetCurrentEpoch()

	m.mu.Lock()
	var item *slotsAssignedEntry
	for i := range m.slotsAssigned {
		if m.slotsAssigned[i].epoch == currentEpoch {
			item = &m.slotsAssigned[i]
			break
		}
	}
	m.mu.Unlock()
	if item == nil {
		return
	}

	for _, name := range m.nodeOrder {
		if containsString(item.nodes, name) {
			continue
		}

		mon := m.nodes[name]
		nodeSlots, err := mon.GetLeadersLogs(ctx)
		if err != nil {
			continue
		}

		validDates := scheduledDates(item.slots)
		sort.Strings(validDates)
		nodeDates := scheduledDates(nodeSlots)
		sort.Strings(nodeDates)

		if equalStringSlices(validDates, nodeDates) {
			m.mu.Lock()
			item.nodes = append(item.nodes, name)
			m.mu.Unlock()
			continue
		}

		if len(nodeSlots) != 0 {
			log.Error("fleet: nodes report different slots")
			continue
		}

		if len(item.slots) == 0 {
			log.Info(fmt.Sprintf("fleet: node %s does not report any slots assigned while other nodes do: %v", name, item.nodes))
			continue
		}

		closest, ok := closestFutureSlot(item.slots)
		if !ok {
			continue
		}

		m.mu.Lock()
		minDiff := m.minScheduledTimeDiffSec
		m.mu.Unlock()

		if m.AnyOtherStarted(name) && int64(time.Until(closest).Seconds()) > minDiff && mon.GetState() == types.NodeStarted {
			log.Info("fleet: restarting node so it can get its assigned slots schedule")
			if err := mon.Restart(ctx, "leader logs"); err != nil {
				log.Error(fmt.Sprintf("fleet: restart %s for slot assignment: %v", name, err))
				continue
			}
			m.logRestart(name, "leader logs")
			metrics.RestartsTotal.WithLabelValues(name, "leader logs").Inc()
		}
	}
}

func closestFutureSlot(slots []types.LeaderLogEntry) (time.Time, bool) {
	now := time.Now().UTC()
	var closest time.Time
	found := false
	for _, s := range slots {
		ts := s.ScheduledAtTime
		if ts.IsZero() || ts.Before(now) {
			continue
		}
		if !found || ts.Before(closest) {
			closest = ts
			found = true
		}
	}
	return closest, found
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recoveryPass drives per-node state machine transitions and restarts.
func (m *Manager) recoveryPass(ctx context.Context) {
	anyUp := m.anyNodeStarted()

	for _, name := range m.nodeOrder {
		mon := m.nodes[name]
		state := mon.GetState()

		metrics.NodeState.WithLabelValues(name).Set(float64(state))

		switch state {
		case types.NodeStarted:
			m.updateMaxTip(name, mon)
			fleetMaxTip := m.getMaxTip()
			metrics.NodeTip.WithLabelValues(name).Set(float64(mon.GetTip()))
			if mon.IsStuck(fleetMaxTip) {
				log.Info(fmt.Sprintf("fleet: tip has not been updated, restarting node %s", name))
				if err := mon.Restart(ctx, "staled tip"); err != nil {
					log.Error(fmt.Sprintf("fleet: restart %s for staled tip: %v", name, err))
					continue
				}
				m.logRestart(name, "staled tip")
				metrics.RestartsTotal.WithLabelValues(name, "staled tip").Inc()
				metrics.StuckTotal.WithLabelValues(name).Inc()
				if m.notifier != nil {
					m.notifier.Publish(&notify.Event{Type: notify.EventStuck, NodeName: name})
				}
			}

		case types.NodeBootstrapping:
			m.mu.Lock()
			timeout := m.timeoutBetweenRestartsSec
			m.mu.Unlock()
			if mon.GetSecondsSinceBootstrapStarted() > timeout {
				if m.AnyOtherStarted(name) {
					log.Info(fmt.Sprintf("fleet: bootstrapping for too long, restarting node %s", name))
					if err := mon.Restart(ctx, "boot timeout"); err != nil {
						log.Error(fmt.Sprintf("fleet: restart %s for boot timeout: %v", name, err))
						continue
					}
				} else {
					log.Info(fmt.Sprintf("fleet: bootstrapping for too long, restarting node %s with default peers config", name))
					if err := mon.SwitchToDefaultPeersBootstrap(); err != nil {
						log.Error(fmt.Sprintf("fleet: switch to default peers for %s: %v", name, err))
					}
					if err := mon.Restart(ctx, "boot timeout"); err != nil {
						log.Error(fmt.Sprintf("fleet: restart %s for boot timeout: %v", name, err))
						continue
					}
					if err := mon.SwitchToFastBootstrap(); err != nil {
						log.Error(fmt.Sprintf("fleet: switch to fast bootstrap for %s: %v", name, err))
					}
				}
				m.logRestart(name, "boot timeout")
				metrics.RestartsTotal.WithLabelValues(name, "boot timeout").Inc()
				if m.notifier != nil {
					m.notifier.Publish(&notify.Event{Type: notify.EventBootstrapRestart, NodeName: name})
				}
			}

		case types.NodeStopped:
			if m.AnyOtherStarted(name) {
				log.Info(fmt.Sprintf("fleet: node %s is not running", name))
				if err := mon.StartNode(ctx, "stopped"); err != nil {
					log.Error(fmt.Sprintf("fleet: start %s: %v", name, err))
				}
			} else {
				m.startAllNodes(ctx)
			}

		default:
			if !anyUp {
				log.Info("fleet: no nodes running, starting all nodes")
				m.startAllNodes(ctx)
			} else {
				log.Info(fmt.Sprintf("fleet: node %s state is %v", name, state))
			}
		}
	}
}

func (m *Manager) updateMaxTip(name string, mon MonitorClient) {
	tip := mon.GetTip()
	m.mu.Lock()
	advance := tip > m.maxNodeReportedTip
	if advance {
		m.maxNodeReportedTip = tip
	}
	m.mu.Unlock()

	if !advance {
		return
	}

	stats, ok := mon.GetLastStats()
	if !ok {
		return
	}
	block, err := mon.GetLastBlock(context.Background())
	if err != nil || block == nil {
		return
	}
	m.telemetry.RefreshDataForTipUpdate(stats, string(block), m.poolID, m.genesisHash)
	metrics.MaxTip.Set(float64(tip))
}

func (m *Manager) getMaxTip() uint64 {
	m.mu.Lock()
	fleetMax := m.maxNodeReportedTip
	m.mu.Unlock()

	telemetryMax := m.telemetry.GetMaxTip()
	if telemetryMax > fleetMax {
		return telemetryMax
	}
	return fleetMax
}

// startAllNodes toggles every node to default-peers mode and starts each
// one that is stopped, used when no node in the fleet is up and siblings
// can't bootstrap from each other.
func (m *Manager) startAllNodes(ctx context.Context) {
	if m.anyNodeStarted() {
		return
	}
	for _, name := range m.nodeOrder {
		mon := m.nodes[name]
		if err := mon.SwitchToDefaultPeersBootstrap(); err != nil {
			log.Error(fmt.Sprintf("fleet: switch to default peers for %s: %v", name, err))
		}
		if mon.GetState() != types.NodeStopped {
			log.Info(fmt.Sprintf("fleet: cannot start node %s, not stopped (%v)", name, mon.GetState()))
			continue
		}
		if err := mon.StartNode(ctx, "start_all_nodes"); err != nil {
			log.Error(fmt.Sprintf("fleet: start %s: %v", name, err))
		}
	}
}

func (m *Manager) logRestart(nodeName, reason string) {
	m.mu.Lock()
	path := m.restartsLogPath
	m.mu.Unlock()
	if path == "" {
		return
	}

	var header string
	if _, err := os.Stat(path); os.IsNotExist(err) {
		header = "node name, timestamp, action, uptime, reason\n"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error(fmt.Sprintf("fleet: open restarts log: %v", err))
		return
	}
	defer f.Close()

	line := strings.Join([]string{nodeName, time.Now().UTC().Format(time.RFC3339), "restart", "", reason}, ",")
	if _, err := f.WriteString(header + line + "\n"); err != nil {
		log.Error(fmt.Sprintf("fleet: write restarts log: %v", err))
	}
}
