package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwarden/poolwarden/pkg/notify"
	"github.com/poolwarden/poolwarden/pkg/types"
)

type fakeMonitor struct {
	name    string
	state   types.NodeState
	tip     uint64
	stats   types.NodeStats
	hasStats bool
	block   []byte

	epoch   int
	leader  bool
	leaderIDs []int64
	leadersLogs []types.LeaderLogEntry

	stuck   bool
	secondsSinceBoot int64

	stopCalls, startCalls, restartCalls int
	lastRestartReason                   string
	registerCalls, unregisterCalls      int
	unregisteredIDs                     []int64
	defaultPeersCalls, fastBootCalls    int

	registerErr, unregisterErr, restartErr, startErr, stopErr error
}

func (f *fakeMonitor) GetState() types.NodeState { return f.state }
func (f *fakeMonitor) GetTip() uint64            { return f.tip }
func (f *fakeMonitor) GetLastStats() (types.NodeStats, bool) {
	return f.stats, f.hasStats
}
func (f *fakeMonitor) GetLastBlock(ctx context.Context) ([]byte, error) { return f.block, nil }
func (f *fakeMonitor) GetCurrentEpoch() int                             { return f.epoch }
func (f *fakeMonitor) IsLeader() bool                                   { return f.leader }
func (f *fakeMonitor) GetLeaders(ctx context.Context) ([]int64, error) {
	return f.leaderIDs, nil
}
func (f *fakeMonitor) GetLeadersLogs(ctx context.Context) ([]types.LeaderLogEntry, error) {
	return f.leadersLogs, nil
}
func (f *fakeMonitor) IsStuck(fleetMaxTip uint64) bool          { return f.stuck }
func (f *fakeMonitor) GetSecondsSinceBootstrapStarted() int64   { return f.secondsSinceBoot }
func (f *fakeMonitor) StopNode(ctx context.Context, force bool, reason string) error {
	f.stopCalls++
	return f.stopErr
}
func (f *fakeMonitor) StartNode(ctx context.Context, reason string) error {
	f.startCalls++
	if f.startErr == nil {
		f.state = types.NodeBootstrapping
	}
	return f.startErr
}
func (f *fakeMonitor) Restart(ctx context.Context, reason string) error {
	f.restartCalls++
	f.lastRestartReason = reason
	return f.restartErr
}
func (f *fakeMonitor) RegisterLeader(ctx context.Context) (int64, error) {
	f.registerCalls++
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.leader = true
	id := int64(100 + f.registerCalls)
	f.leaderIDs = []int64{id}
	return id, nil
}
func (f *fakeMonitor) UnregisterLeader(ctx context.Context, leaderID int64) error {
	f.unregisterCalls++
	f.unregisteredIDs = append(f.unregisteredIDs, leaderID)
	if f.unregisterErr != nil {
		return f.unregisterErr
	}
	remaining := f.leaderIDs[:0]
	for _, id := range f.leaderIDs {
		if id != leaderID {
			remaining = append(remaining, id)
		}
	}
	f.leaderIDs = remaining
	if len(f.leaderIDs) == 0 {
		f.leader = false
	}
	return nil
}
func (f *fakeMonitor) SwitchToDefaultPeersBootstrap() error {
	f.defaultPeersCalls++
	return nil
}
func (f *fakeMonitor) SwitchToFastBootstrap() error {
	f.fastBootCalls++
	return nil
}

type fakeTelemetry struct {
	refreshCalls int
	sendTipCalls int
	maxTip       uint64
	summary      map[string]interface{}
}

func (f *fakeTelemetry) RefreshDataForTipUpdate(stats types.NodeStats, lastBlockHex string, poolID, genesisHash string) {
	f.refreshCalls++
}
func (f *fakeTelemetry) SendMyTip()                                { f.sendTipCalls++ }
func (f *fakeTelemetry) GetStatusSummary() map[string]interface{} { return f.summary }
func (f *fakeTelemetry) GetMaxTip() uint64                         { return f.maxTip }

type fakePackager struct {
	processed  bool
	epoch      int
	slots      []types.LeaderLogEntry
	processErr error
}

func (f *fakePackager) Process(currentEpoch int, currentSlots []types.LeaderLogEntry) error {
	f.processed = true
	f.epoch = currentEpoch
	f.slots = currentSlots
	return f.processErr
}

type fakeNotifier struct {
	events []*notify.Event
}

func (f *fakeNotifier) Publish(event *notify.Event) {
	f.events = append(f.events, event)
}

func newTestManager(nodes map[string]MonitorClient) *Manager {
	return &Manager{
		nodes:          nodes,
		nodeOrder:      sortedNames(nodes),
		telemetry:      &fakeTelemetry{},
		packager:       &fakePackager{},
		notifier:       &fakeNotifier{},
		slotsSentEpoch: -1,
	}
}

func sortedNames(nodes map[string]MonitorClient) []string {
	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

func TestCheckLeaders_HysteresisKeepsCurrentMaxTipNode(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 102}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.checkLeaders(context.Background())

	assert.EqualValues(t, 100, m.maxNodeReportedTip, "within hysteresis band, first-seen max-tip node wins ties")
}

func TestCheckLeaders_TipBeyondHysteresisSwitchesMaxTipNode(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 103}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.checkLeaders(context.Background())

	assert.EqualValues(t, 103, m.maxNodeReportedTip)
}

func TestCheckLeaders_ZeroLeadersRegistersMaxTipNode(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 200}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.checkLeaders(context.Background())

	assert.Equal(t, 1, b.registerCalls)
	assert.True(t, b.leader)
	leader, ok := m.currentLeader()
	require.True(t, ok)
	assert.Equal(t, "b", leader.name)
}

func TestCheckLeaders_SingleLeaderNotMaxTipSwitches(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100, leader: true, leaderIDs: []int64{7}}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 200}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.checkLeaders(context.Background())

	require.Equal(t, 1, b.registerCalls, "new leader must be registered before old one is unregistered")
	require.Equal(t, 1, a.unregisterCalls)
	assert.Equal(t, []int64{7}, a.unregisteredIDs)
	assert.False(t, a.leader)
	assert.True(t, b.leader)
}

func TestCheckLeaders_MultipleLeadersUnregistersAllButMaxTip(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 200, leader: true, leaderIDs: []int64{1}}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 100, leader: true, leaderIDs: []int64{2}}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.checkLeaders(context.Background())

	assert.Equal(t, 0, a.unregisterCalls, "max-tip node's own leadership is left alone")
	assert.Equal(t, 1, b.unregisterCalls)
	assert.True(t, a.leader)
	assert.False(t, b.leader)
}

func TestCheckLeaders_DuplicateLeaderOnMaxTipNodeCollapsesToOne(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 200, leader: true, leaderIDs: []int64{1, 2}}
	m := newTestManager(map[string]MonitorClient{"a": a})

	m.checkLeaders(context.Background())

	assert.Equal(t, 1, a.unregisterCalls)
	assert.Equal(t, []int64{2}, a.unregisteredIDs)
	assert.Equal(t, []int64{1}, a.leaderIDs)
}

func TestCheckSlotAssignments_RecordsOncePerEpoch(t *testing.T) {
	entries := []types.LeaderLogEntry{{ScheduledAtDate: "220.5"}}
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100, leader: true, leaderIDs: []int64{1}, epoch: 220, leadersLogs: entries}
	m := newTestManager(map[string]MonitorClient{"a": a})
	m.checkLeaders(context.Background())

	m.checkSlotAssignments(context.Background())
	require.Len(t, m.slotsAssigned, 1)
	assert.Equal(t, 220, m.slotsAssigned[0].epoch)

	a.leadersLogs = append(a.leadersLogs, types.LeaderLogEntry{ScheduledAtDate: "220.9"})
	m.checkSlotAssignments(context.Background())
	assert.Len(t, m.slotsAssigned[0].slots, 1, "already-recorded epoch is not refreshed")

	notifier := m.notifier.(*fakeNotifier)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.EventSlotsAssigned, notifier.events[0].Type)
}

func TestSendSlots_WithinWindowSendsOnce(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-90 * time.Second)
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100, leader: true, leaderIDs: []int64{1}, epoch: 5}
	m := newTestManager(map[string]MonitorClient{"a": a})
	m.checkLeaders(context.Background())

	m.sendSlotsWithinSec = 60
	m.epochStartTime = types.EpochStartTime{Hour: start.Hour(), Minute: start.Minute(), Second: start.Second()}

	m.sendSlots()

	pkg := m.packager.(*fakePackager)
	assert.True(t, pkg.processed)
	assert.Equal(t, 5, m.slotsSentEpoch)

	pkg.processed = false
	m.sendSlots()
	assert.False(t, pkg.processed, "already sent this epoch")
}

func TestSendSlots_OutsideWindowDoesNotSend(t *testing.T) {
	now := time.Now().UTC()
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100, leader: true, leaderIDs: []int64{1}, epoch: 5}
	m := newTestManager(map[string]MonitorClient{"a": a})
	m.checkLeaders(context.Background())

	m.sendSlotsWithinSec = 300
	m.epochStartTime = types.EpochStartTime{Hour: now.Hour(), Minute: now.Minute(), Second: now.Second()}

	m.sendSlots()

	pkg := m.packager.(*fakePackager)
	assert.False(t, pkg.processed)
}

func TestRecoveryPass_StuckNodeRestartsAndNotifies(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStarted, tip: 100, stuck: true}
	m := newTestManager(map[string]MonitorClient{"a": a})

	m.recoveryPass(context.Background())

	assert.Equal(t, 1, a.restartCalls)
	assert.Equal(t, "staled tip", a.lastRestartReason)
	notifier := m.notifier.(*fakeNotifier)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.EventStuck, notifier.events[0].Type)
}

func TestRecoveryPass_BootstrapTimeoutAloneTogglesPeerMode(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeBootstrapping, secondsSinceBoot: 1000}
	m := newTestManager(map[string]MonitorClient{"a": a})
	m.timeoutBetweenRestartsSec = 60

	m.recoveryPass(context.Background())

	assert.Equal(t, 1, a.defaultPeersCalls)
	assert.Equal(t, 1, a.restartCalls)
	assert.Equal(t, 1, a.fastBootCalls)
	notifier := m.notifier.(*fakeNotifier)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.EventBootstrapRestart, notifier.events[0].Type)
}

func TestRecoveryPass_BootstrapTimeoutWithSiblingUpRestartsWithoutPeerToggle(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeBootstrapping, secondsSinceBoot: 1000}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 10}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})
	m.timeoutBetweenRestartsSec = 60

	m.recoveryPass(context.Background())

	assert.Equal(t, 0, a.defaultPeersCalls)
	assert.Equal(t, 1, a.restartCalls)
}

func TestRecoveryPass_StoppedNodeStartsWhenSiblingUp(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStopped}
	b := &fakeMonitor{name: "b", state: types.NodeStarted, tip: 10}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.recoveryPass(context.Background())

	assert.Equal(t, 1, a.startCalls)
}

func TestRecoveryPass_AllStoppedStartsAllWithDefaultPeers(t *testing.T) {
	a := &fakeMonitor{name: "a", state: types.NodeStopped}
	b := &fakeMonitor{name: "b", state: types.NodeStopped}
	m := newTestManager(map[string]MonitorClient{"a": a, "b": b})

	m.recoveryPass(context.Background())

	assert.Equal(t, 1, a.defaultPeersCalls)
	assert.Equal(t, 1, a.startCalls)
	assert.Equal(t, 1, b.defaultPeersCalls)
	assert.Equal(t, 1, b.startCalls)
}

func TestRestartNodesForSlotAssignments_MismatchedZeroSlotsRestarts(t *testing.T) {
	future := time.Now().UTC().Add(2 * time.Hour)
	leaderSlots := []types.LeaderLogEntry{{ScheduledAtDate: "1.1", ScheduledAtTime: future}}
	leader := &fakeMonitor{name: "leader", state: types.NodeStarted, tip: 200, leader: true, leaderIDs: []int64{1}, epoch: 1, leadersLogs: leaderSlots}
	lagging := &fakeMonitor{name: "lagging", state: types.NodeStarted, tip: 150}
	m := newTestManager(map[string]MonitorClient{"leader": leader, "lagging": lagging})
	m.minScheduledTimeDiffSec = 60

	m.checkLeaders(context.Background())
	m.checkSlotAssignments(context.Background())
	m.restartNodesForSlotAssignments(context.Background())

	assert.Equal(t, 1, lagging.restartCalls)
	assert.Equal(t, "leader logs", lagging.lastRestartReason)
}

func TestRestartNodesForSlotAssignments_MatchingSlotsNoRestart(t *testing.T) {
	leaderSlots := []types.LeaderLogEntry{{ScheduledAtDate: "1.1"}}
	leader := &fakeMonitor{name: "leader", state: types.NodeStarted, tip: 200, leader: true, leaderIDs: []int64{1}, epoch: 1, leadersLogs: leaderSlots}
	follower := &fakeMonitor{name: "follower", state: types.NodeStarted, tip: 150, leadersLogs: leaderSlots}
	m := newTestManager(map[string]MonitorClient{"leader": leader, "follower": follower})

	m.checkLeaders(context.Background())
	m.checkSlotAssignments(context.Background())
	m.restartNodesForSlotAssignments(context.Background())

	assert.Equal(t, 0, follower.restartCalls)
}
