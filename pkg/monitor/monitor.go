// Package monitor implements NodeMonitor: the per-node polling loop that
// owns one node's observed state machine.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/poolwarden/poolwarden/pkg/config"
	"github.com/poolwarden/poolwarden/pkg/log"
	"github.com/poolwarden/poolwarden/pkg/node"
	"github.com/poolwarden/poolwarden/pkg/types"
)

// FleetView is the capability a Monitor queries to learn whether any
// sibling node is currently up, without holding a reference to the
// sibling list itself.
type FleetView interface {
	AnyOtherStarted(exceptNodeName string) bool
}

// NodeClient is the subset of pkg/node's Client that Monitor depends on.
type NodeClient interface {
	GetStats(ctx context.Context) (types.NodeStats, error)
	GetLeaders(ctx context.Context) ([]int64, error)
	TryGetLeaders(ctx context.Context) ([]int64, bool, error)
	RegisterLeader(ctx context.Context, secretFilePath string) (int64, error)
	UnregisterLeader(ctx context.Context, leaderID int64) error
	GetLeadersLogs(ctx context.Context, currentEpoch int) ([]types.LeaderLogEntry, error)
	GetBlock(ctx context.Context, hash string) ([]byte, error)
	WriteConfig(merged map[string]interface{}) error
}

// SupervisorClient is the subset of pkg/supervisor's Client that Monitor
// depends on.
type SupervisorClient interface {
	GetInfo(service string) (state types.NodeState, startEpoch, nowEpoch int64, err error)
	IsUp(service string) (bool, error)
	Start(service string) error
	Stop(service string) error
}

// Monitor owns one node's ObservedNode state and drives its lifecycle.
type Monitor struct {
	nodeClient       NodeClient
	supervisorClient SupervisorClient
	store            *config.Store
	fleet            FleetView

	mu sync.RWMutex

	nodeName              string
	serviceName           string
	secretFilePath        string
	restartsLogPath       string
	defaultTrustedPeers   []string
	refreshInterval       time.Duration
	tipTimeoutSec         int64
	tipDiffThreshold      int64
	leadersRefreshInterval time.Duration

	mergedConfig     map[string]interface{}
	fastBootConfig   map[string]interface{}
	lastConfigSeen   time.Time

	state                types.NodeState
	hasPrevStats         bool
	currentStats         types.NodeStats
	previousStats        types.NodeStats
	lastProgressTime     time.Time
	leaders              []int64
	lastLeadersCheckTime time.Time
	defaultPeersEnabled  bool
	bootstrapStartedAt   time.Time
}

// New builds a Monitor for one node. The initial config is loaded into the
// monitor by the first loop iteration of Run.
func New(nodeName string, nodeClient NodeClient, supervisorClient SupervisorClient, store *config.Store, fleet FleetView) *Monitor {
	return &Monitor{
		nodeName:         nodeName,
		nodeClient:       nodeClient,
		supervisorClient: supervisorClient,
		store:            store,
		fleet:            fleet,
		state:            types.NodeUnknown,
	}
}

// Run drives the monitor's forever loop until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	nodeLog := log.WithNodeID(m.nodeName)
	nodeLog.Info().Msg("node monitor started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.tick(ctx); err != nil {
			nodeLog.Error().Err(err).Msg("node monitor tick failed")
		}

		interval := m.refreshInterval
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tick performs one iteration of the monitor loop: config refresh, stats
// fetch, state transition, and trusted-peer toggle.
func (m *Monitor) tick(ctx context.Context) error {
	if err := m.refreshConfigIfNeeded(); err != nil {
		return fmt.Errorf("monitor %s: refresh config: %w", m.nodeName, err)
	}

	if err := m.refreshStats(ctx); err != nil {
		var cliErr *types.CLIError
		if errors.As(err, &cliErr) {
			if cliErr.Kind == types.CLIErrorFailedRESTRequest || cliErr.Kind == types.CLIErrorAddressAlreadyInUse {
				log.WithNodeID(m.nodeName).Warn().Err(err).Msg("classified cli error, stopping node")
				return m.StopNode(ctx, true, "cli error: "+cliErr.Kind.String())
			}
		}
		return err
	}

	return m.togglePeerMode()
}

func (m *Monitor) refreshConfigIfNeeded() error {
	m.mu.RLock()
	lastSeen := m.lastConfigSeen
	m.mu.RUnlock()

	needed, err := m.store.IsConfigUpdateNeeded(lastSeen)
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}

	nc, ok := m.store.GetNodeConfig(m.nodeName)
	if !ok {
		return fmt.Errorf("no configuration found for node %q", m.nodeName)
	}
	common := m.store.GetCommonConfig()

	m.mu.Lock()
	m.serviceName = nc.SupervisorServiceName
	m.secretFilePath = nc.SecretFilePath
	m.restartsLogPath = common.RestartsLogPath
	m.defaultTrustedPeers = nc.DefaultTrustedPeers
	m.refreshInterval = time.Duration(common.RefreshIntervalSec) * time.Second
	m.tipTimeoutSec = int64(common.TipTimeoutSec)
	m.tipDiffThreshold = common.TipDiffThreshold
	m.leadersRefreshInterval = time.Duration(common.LeadersRefreshIntervalSec) * time.Second
	m.mergedConfig = nc.MergedConfig
	m.lastConfigSeen = m.store.GetLatestVersion()
	m.mu.Unlock()

	return m.nodeClient.WriteConfig(nc.MergedConfig)
}

func (m *Monitor) refreshStats(ctx context.Context) error {
	stats, err := m.nodeClient.GetStats(ctx)
	switch {
	case errors.Is(err, node.ErrBootstrapping):
		m.mu.Lock()
		m.state = types.NodeBootstrapping
		m.mu.Unlock()
		return nil
	case errors.Is(err, node.ErrNotReady):
		return m.setStateFromSupervisor()
	case err != nil:
		return err
	}

	m.mu.Lock()
	m.state = types.NodeStarted
	if !m.hasPrevStats {
		m.previousStats = stats
		m.currentStats = stats
		m.lastProgressTime = time.Now()
		m.hasPrevStats = true
	} else if stats.LastBlockHeight > m.currentStats.LastBlockHeight {
		m.previousStats = m.currentStats
		m.currentStats = stats
		m.lastProgressTime = time.Now()
	}
	m.mu.Unlock()
	return nil
}

func (m *Monitor) setStateFromSupervisor() error {
	state, _, _, err := m.supervisorClient.GetInfo(m.serviceNameLocked())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = state
	m.hasPrevStats = false
	m.currentStats = types.NodeStats{}
	m.previousStats = types.NodeStats{}
	m.leaders = nil
	m.mu.Unlock()
	return nil
}

func (m *Monitor) serviceNameLocked() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serviceName
}

// togglePeerMode implements the trusted-peer hand-off described in spec
// §4.4: when no other node is up, switch to default-peers ("slow") mode;
// otherwise run with the merged fast-bootstrap peers.
func (m *Monitor) togglePeerMode() error {
	anyOtherUp := m.fleet != nil && m.fleet.AnyOtherStarted(m.nodeName)

	m.mu.RLock()
	enabled := m.defaultPeersEnabled
	m.mu.RUnlock()

	if !anyOtherUp && !enabled {
		return m.SwitchToDefaultPeersBootstrap()
	}
	if anyOtherUp && enabled {
		return m.SwitchToFastBootstrap()
	}
	return nil
}

// SwitchToDefaultPeersBootstrap overwrites p2p.trusted_peers with the
// node's default set and persists the change. Calling it twice in a row
// writes the file only once, since the second call observes
// defaultPeersEnabled already true.
func (m *Monitor) SwitchToDefaultPeersBootstrap() error {
	m.mu.Lock()
	if m.defaultPeersEnabled {
		m.mu.Unlock()
		return nil
	}
	m.fastBootConfig = deepCopyJSON(m.mergedConfig)
	setTrustedPeers(m.mergedConfig, m.defaultTrustedPeers)
	merged := m.mergedConfig
	m.defaultPeersEnabled = true
	m.mu.Unlock()

	return m.nodeClient.WriteConfig(merged)
}

// SwitchToFastBootstrap restores the merged config saved before the last
// SwitchToDefaultPeersBootstrap call, a no-op if not currently toggled.
func (m *Monitor) SwitchToFastBootstrap() error {
	m.mu.Lock()
	if !m.defaultPeersEnabled || m.fastBootConfig == nil {
		m.mu.Unlock()
		return nil
	}
	m.mergedConfig = m.fastBootConfig
	merged := m.mergedConfig
	m.defaultPeersEnabled = false
	m.mu.Unlock()

	return m.nodeClient.WriteConfig(merged)
}

func setTrustedPeers(cfg map[string]interface{}, peers []string) {
	if cfg == nil {
		return
	}
	p2p, ok := cfg["p2p"].(map[string]interface{})
	if !ok {
		p2p = map[string]interface{}{}
		cfg["p2p"] = p2p
	}
	list := make([]interface{}, len(peers))
	for i, p := range peers {
		list[i] = p
	}
	p2p["trusted_peers"] = list
}

func deepCopyJSON(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	if m == nil {
		return out
	}
	b, _ := json.Marshal(m)
	_ = json.Unmarshal(b, &out)
	return out
}

// Name returns the node name this monitor was built for.
func (m *Monitor) Name() string {
	return m.nodeName
}

// GetState returns the node's current lifecycle state.
func (m *Monitor) GetState() types.NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetTip returns the node's last observed block height, or 0 if unset.
func (m *Monitor) GetTip() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasPrevStats {
		return 0
	}
	return m.currentStats.LastBlockHeight
}

// GetUptime returns the node's self-reported uptime, or -1 if unknown.
func (m *Monitor) GetUptime() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasPrevStats {
		return -1
	}
	return m.currentStats.UptimeSec
}

// GetLastStats returns the most recent NodeStats reading and whether one
// exists yet.
func (m *Monitor) GetLastStats() (types.NodeStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentStats, m.hasPrevStats
}

// GetLastBlock fetches the raw block body hex for the current tip.
func (m *Monitor) GetLastBlock(ctx context.Context) ([]byte, error) {
	stats, ok := m.GetLastStats()
	if !ok {
		return nil, nil
	}
	return m.nodeClient.GetBlock(ctx, stats.LastBlockHash)
}

// GetCurrentEpoch returns the integer epoch prefix of the node's current
// stats, or -1 if unset.
func (m *Monitor) GetCurrentEpoch() int {
	stats, ok := m.GetLastStats()
	if !ok {
		return -1
	}
	return stats.Epoch()
}

// GetLeaders returns the node's registered leader-ids, refetching only
// when the cached value is older than the configured refresh interval.
func (m *Monitor) GetLeaders(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	stale := time.Since(m.lastLeadersCheckTime) > m.leadersRefreshInterval
	cached := m.leaders
	m.mu.RUnlock()

	if !stale {
		return cached, nil
	}

	leaders, ok, err := m.nodeClient.TryGetLeaders(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return cached, nil
	}

	m.mu.Lock()
	m.leaders = leaders
	m.lastLeadersCheckTime = time.Now()
	m.mu.Unlock()
	return leaders, nil
}

// IsLeader reports whether the node currently has any registered leaders.
func (m *Monitor) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.leaders) > 0
}

// GetLeadersLogs returns the node's slot schedule for its current epoch.
func (m *Monitor) GetLeadersLogs(ctx context.Context) ([]types.LeaderLogEntry, error) {
	epoch := m.GetCurrentEpoch()
	if epoch < 0 {
		return nil, nil
	}
	return m.nodeClient.GetLeadersLogs(ctx, epoch)
}

// IsStuck reports whether this node should be considered stuck relative to
// fleetMaxTip: either its height hasn't advanced in tipTimeoutSec seconds,
// or it trails fleetMaxTip by more than tipDiffThreshold.
func (m *Monitor) IsStuck(fleetMaxTip uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasPrevStats {
		return false
	}

	if time.Since(m.lastProgressTime) > time.Duration(m.tipTimeoutSec)*time.Second {
		return true
	}

	diff := int64(m.currentStats.LastBlockHeight) - int64(fleetMaxTip)
	if diff < 0 {
		diff = -diff
	}
	return diff > m.tipDiffThreshold
}

// GetSecondsSinceBootstrapStarted returns elapsed seconds since bootstrap
// began, setting the start time lazily on first call if unset.
func (m *Monitor) GetSecondsSinceBootstrapStarted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bootstrapStartedAt.IsZero() {
		m.bootstrapStartedAt = time.Now()
	}
	return int64(time.Since(m.bootstrapStartedAt).Seconds())
}

// StopNode stops the node via the supervisor if it is up and either in a
// stoppable state or force is set.
func (m *Monitor) StopNode(ctx context.Context, force bool, reason string) error {
	state := m.GetState()
	up, err := m.supervisorClient.IsUp(m.serviceNameLocked())
	if err != nil {
		return err
	}
	if !up || (state != types.NodeStarted && state != types.NodeBootstrapping && !force) {
		return nil
	}

	if err := m.logAction("stop", reason); err != nil {
		log.WithNodeID(m.nodeName).Warn().Err(err).Msg("failed to write restarts log")
	}

	if err := m.supervisorClient.Stop(m.serviceNameLocked()); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = types.NodeStopped
	m.hasPrevStats = false
	m.currentStats = types.NodeStats{}
	m.previousStats = types.NodeStats{}
	m.leaders = nil
	m.bootstrapStartedAt = time.Time{}
	m.mu.Unlock()
	return nil
}

// StartNode starts the node via the supervisor if it is currently stopped.
func (m *Monitor) StartNode(ctx context.Context, reason string) error {
	if m.GetState() != types.NodeStopped {
		return nil
	}
	up, err := m.supervisorClient.IsUp(m.serviceNameLocked())
	if err != nil {
		return err
	}
	if up {
		return nil
	}

	if err := m.refreshConfigIfNeeded(); err != nil {
		return err
	}
	if err := m.logAction("start", reason); err != nil {
		log.WithNodeID(m.nodeName).Warn().Err(err).Msg("failed to write restarts log")
	}

	if err := m.supervisorClient.Start(m.serviceNameLocked()); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = types.NodeBootstrapping
	m.bootstrapStartedAt = time.Now()
	m.hasPrevStats = false
	m.currentStats = types.NodeStats{}
	m.previousStats = types.NodeStats{}
	m.mu.Unlock()
	return nil
}

// Restart stops then starts the node.
func (m *Monitor) Restart(ctx context.Context, reason string) error {
	if err := m.StopNode(ctx, true, reason); err != nil {
		return err
	}
	return m.StartNode(ctx, reason)
}

// RegisterLeader registers this node as leader, no-op unless STARTED.
func (m *Monitor) RegisterLeader(ctx context.Context) (int64, error) {
	if m.GetState() != types.NodeStarted {
		return 0, nil
	}
	leaderID, err := m.nodeClient.RegisterLeader(ctx, m.secretFilePathLocked())
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.leaders = append(m.leaders, leaderID)
	m.lastLeadersCheckTime = time.Now()
	m.mu.Unlock()
	return leaderID, nil
}

// UnregisterLeader removes leaderID, no-op unless STARTED.
func (m *Monitor) UnregisterLeader(ctx context.Context, leaderID int64) error {
	if m.GetState() != types.NodeStarted {
		return nil
	}
	if err := m.nodeClient.UnregisterLeader(ctx, leaderID); err != nil {
		return err
	}
	m.mu.Lock()
	filtered := m.leaders[:0]
	for _, id := range m.leaders {
		if id != leaderID {
			filtered = append(filtered, id)
		}
	}
	m.leaders = filtered
	m.lastLeadersCheckTime = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Monitor) secretFilePathLocked() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secretFilePath
}

func (m *Monitor) logAction(action, reason string) error {
	path := m.restartsLogPathLocked()
	if path == "" {
		return nil
	}

	var header string
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		header = "node name, timestamp, action, uptime, reason\n"
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	uptime := m.GetUptime()
	line := strings.Join([]string{
		m.nodeName,
		time.Now().UTC().Format(time.RFC3339),
		action,
		strconv.FormatInt(uptime, 10),
		reason,
	}, ",")
	_, err = f.WriteString(header + line + "\n")
	return err
}

func (m *Monitor) restartsLogPathLocked() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartsLogPath
}
