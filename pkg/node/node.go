// Package node implements NodeClient: all CLI/REST interactions with a
// single node process, serialized by a fleet-wide mutex.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/poolwarden/poolwarden/pkg/types"
)

// Mutex serializes every CLI invocation across the entire fleet, matching
// the single process-wide lock in the node's original supervisor loop.
var Mutex sync.Mutex

// ErrNotReady is returned by GetStats when the node reports neither a
// bootstrapping state nor a last block height.
var ErrNotReady = fmt.Errorf("node: not ready")

// ErrBootstrapping is returned by GetStats when the node's reported state
// field is "Bootstrapping".
var ErrBootstrapping = fmt.Errorf("node: bootstrapping")

const cliTimeout = 30 * time.Second

// Client drives one node's jcli tool and REST endpoint.
type Client struct {
	nodeName  string
	cliPath   string
	restHost  string
	configPath string

	runner cliRunner
}

// cliRunner abstracts process execution for testability.
type cliRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)

// NewClient builds a NodeClient for the given node configuration.
func NewClient(cfg types.NodeConfig) *Client {
	return &Client{
		nodeName:   cfg.NodeName,
		cliPath:    cfg.CLIToolPath,
		restHost:   cfg.RESTEndpoint,
		configPath: cfg.ConfigFilePath,
		runner:     execRunner,
	}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := commandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitCode = exitCodeOf(err)
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// rawNodeStats mirrors the JSON shape returned by `jcli rest v0 node stats get`.
type rawNodeStats struct {
	State           string `json:"state"`
	LastBlockHeight *uint64 `json:"lastBlockHeight"`
	LastBlockHash   string `json:"lastBlockHash"`
	LastBlockDate   string `json:"lastBlockDate"`
	Uptime          *int64 `json:"uptime"`
	Version         string `json:"version"`
}

// classifyCLIError inspects stderr to classify a non-zero CLI exit.
func classifyCLIError(stderr string) types.CLIErrorKind {
	switch {
	case strings.Contains(stderr, "failed to make a REST request"):
		return types.CLIErrorFailedRESTRequest
	case strings.Contains(stderr, "Address already in use"):
		return types.CLIErrorAddressAlreadyInUse
	default:
		return types.CLIErrorUnknown
	}
}

func (c *Client) cliError(op string, exitCode int, stdout, stderr []byte, err error) *types.CLIError {
	return &types.CLIError{
		Op:         op,
		ReturnCode: exitCode,
		Kind:       classifyCLIError(string(stderr)),
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		Err:        err,
	}
}

// GetStats shells out for the node's stats and parses them. Returns
// ErrBootstrapping when the node reports it is bootstrapping, ErrNotReady
// when stats are absent, or a *types.CLIError on CLI failure.
func (c *Client) GetStats(ctx context.Context) (types.NodeStats, error) {
	Mutex.Lock()
	defer Mutex.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	stdout, stderr, code, err := c.runner(execCtx, c.cliPath,
		"rest", "v0", "node", "stats", "get", "-h", c.restHost, "--output-format", "json")
	if err != nil || code != 0 {
		return types.NodeStats{}, c.cliError("get_stats", code, stdout, stderr, err)
	}

	var raw rawNodeStats
	if jsonErr := json.Unmarshal(stdout, &raw); jsonErr != nil {
		return types.NodeStats{}, fmt.Errorf("node: parse stats: %w", jsonErr)
	}

	if raw.State == "Bootstrapping" {
		return types.NodeStats{}, ErrBootstrapping
	}
	if raw.LastBlockHeight == nil {
		return types.NodeStats{}, ErrNotReady
	}

	uptime := int64(-1)
	if raw.Uptime != nil {
		uptime = *raw.Uptime
	}

	return types.NodeStats{
		LastBlockHeight: *raw.LastBlockHeight,
		LastBlockHash:   raw.LastBlockHash,
		LastBlockDate:   raw.LastBlockDate,
		UptimeSec:       uptime,
		Version:         raw.Version,
		ObservedAt:      time.Now(),
	}, nil
}

// GetLeaders returns the node's currently registered leader-ids.
func (c *Client) GetLeaders(ctx context.Context) ([]int64, error) {
	Mutex.Lock()
	defer Mutex.Unlock()
	return c.getLeadersLocked(ctx)
}

// TryGetLeaders returns the node's leader-ids, but returns ok=false
// without blocking if the fleet-wide mutex is currently held, matching the
// original's `get_leaders` cache-refresh path that skips when locked.
func (c *Client) TryGetLeaders(ctx context.Context) (leaders []int64, ok bool, err error) {
	if !Mutex.TryLock() {
		return nil, false, nil
	}
	defer Mutex.Unlock()
	leaders, err = c.getLeadersLocked(ctx)
	return leaders, true, err
}

func (c *Client) getLeadersLocked(ctx context.Context) ([]int64, error) {
	execCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	stdout, stderr, code, err := c.runner(execCtx, c.cliPath,
		"rest", "v0", "leaders", "get", "-h", c.restHost, "--output-format", "json")
	if err != nil || code != 0 {
		return nil, c.cliError("get_leaders", code, stdout, stderr, err)
	}

	var leaders []int64
	if jsonErr := json.Unmarshal(stdout, &leaders); jsonErr != nil {
		return nil, fmt.Errorf("node: parse leaders: %w", jsonErr)
	}
	return leaders, nil
}

// RegisterLeader registers this node as a leader using its secret file,
// then verifies the post-condition by re-listing leaders.
func (c *Client) RegisterLeader(ctx context.Context, secretFilePath string) (int64, error) {
	Mutex.Lock()

	execCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	stdout, stderr, code, err := c.runner(execCtx, c.cliPath,
		"rest", "v0", "leaders", "post", "-f", secretFilePath, "-h", c.restHost)
	cancel()
	Mutex.Unlock()

	if err != nil || code != 0 {
		return 0, c.cliError("register_leader", code, stdout, stderr, err)
	}

	leaders, lErr := c.GetLeaders(ctx)
	if lErr != nil {
		return 0, lErr
	}
	if len(leaders) == 0 {
		return 0, fmt.Errorf("node: register_leader succeeded but no leader found for %s", c.nodeName)
	}
	return leaders[len(leaders)-1], nil
}

// UnregisterLeader removes leaderID. The CLI must print "success"
// (case-insensitive) in stdout for this to be considered successful.
func (c *Client) UnregisterLeader(ctx context.Context, leaderID int64) error {
	Mutex.Lock()
	defer Mutex.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	stdout, stderr, code, err := c.runner(execCtx, c.cliPath,
		"rest", "v0", "leaders", "delete", strconv.FormatInt(leaderID, 10), "-h", c.restHost)
	if err != nil || code != 0 {
		return c.cliError("unregister_leader", code, stdout, stderr, err)
	}
	if !strings.Contains(strings.ToLower(string(stdout)), "success") {
		return c.cliError("unregister_leader", code, stdout, stderr, fmt.Errorf("missing success marker"))
	}
	return nil
}

// rawLeaderLog mirrors one entry from `jcli rest v0 leaders logs get`.
type rawLeaderLog struct {
	ScheduledAtDate string  `json:"scheduled_at_date"`
	ScheduledAtTime *string `json:"scheduled_at_time"`
	FinishedAtTime  *string `json:"finished_at_time"`
}

// GetLeadersLogs returns the raw slot schedule reported by the node,
// filtered to the given epoch's entries (matching the epoch-prefix filter
// applied by the original's `get_leaders_logs`); entries that already
// have a finished_at_time are dropped.
func (c *Client) GetLeadersLogs(ctx context.Context, currentEpoch int) ([]types.LeaderLogEntry, error) {
	Mutex.Lock()
	defer Mutex.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	stdout, stderr, code, err := c.runner(execCtx, c.cliPath,
		"rest", "v0", "leaders", "logs", "get", "-h", c.restHost, "--output-format", "json")
	if err != nil || code != 0 {
		return nil, c.cliError("get_leaders_logs", code, stdout, stderr, err)
	}

	var raw []rawLeaderLog
	if jsonErr := json.Unmarshal(stdout, &raw); jsonErr != nil {
		return nil, fmt.Errorf("node: parse leaders logs: %w", jsonErr)
	}

	entries := make([]types.LeaderLogEntry, 0, len(raw))
	for _, r := range raw {
		if epochPrefix(r.ScheduledAtDate) != currentEpoch || r.FinishedAtTime != nil {
			continue
		}
		entry := types.LeaderLogEntry{ScheduledAtDate: r.ScheduledAtDate}
		if r.ScheduledAtTime != nil {
			if t, perr := time.Parse(time.RFC3339, *r.ScheduledAtTime); perr == nil {
				entry.ScheduledAtTime = t
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func epochPrefix(dotted string) int {
	idx := strings.IndexByte(dotted, '.')
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(dotted[:idx])
	if err != nil {
		return -1
	}
	return n
}

// GetBlock returns the raw hex-encoded block body for hash.
func (c *Client) GetBlock(ctx context.Context, hash string) ([]byte, error) {
	Mutex.Lock()
	defer Mutex.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	stdout, stderr, code, err := c.runner(execCtx, c.cliPath,
		"rest", "v0", "block", hash, "get", "-h", c.restHost)
	if err != nil || code != 0 {
		return nil, c.cliError("get_block", code, stdout, stderr, err)
	}
	return stdout, nil
}

// WriteConfig atomically overwrites the node's config file with merged.
func (c *Client) WriteConfig(merged map[string]interface{}) error {
	b, err := json.MarshalIndent(merged, "", "    ")
	if err != nil {
		return fmt.Errorf("node: marshal config: %w", err)
	}
	tmp := c.configPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("node: write config: %w", err)
	}
	return os.Rename(tmp, c.configPath)
}
