// Package types holds the shared data model for poolwarden: node
// configuration, observed node state, and the records exchanged between
// the fleet manager, node monitors, and the telemetry/slot packagers.
package types

import (
	"strconv"
	"time"
)

// NodeState is the lifecycle state of a single node as observed by its
// NodeMonitor.
type NodeState int

const (
	NodeUnknown NodeState = iota
	NodeStarted
	NodeBootstrapping
	NodeStopped
)

func (s NodeState) String() string {
	switch s {
	case NodeStarted:
		return "STARTED"
	case NodeBootstrapping:
		return "BOOTSTRAPPING"
	case NodeStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// NodeConfig is the immutable-per-version configuration for one node.
type NodeConfig struct {
	NodeName              string
	ConfigFilePath        string
	RESTEndpoint          string
	CLIToolPath           string
	SupervisorServiceName string
	DefaultTrustedPeers   []string
	SecretFilePath        string
	MergedConfig          map[string]interface{}
}

// CommonConfig is shared across all nodes.
type CommonConfig struct {
	RefreshIntervalSec        int
	TipTimeoutSec             int
	TipDiffThreshold          int64
	LeadersRefreshIntervalSec int
	RestartsLogPath           string
	SupervisorRPCURL          string
}

// EpochStartTime is the UTC wall-clock time at which an epoch begins.
type EpochStartTime struct {
	Hour   int
	Minute int
	Second int
}

// ManagerConfig configures the FleetManager's policies.
type ManagerConfig struct {
	TimeoutBetweenRestartsSec     int
	MinScheduledTimeDifferenceSec int
	SendSlotsWithinSec            int
	EpochStartTime                EpochStartTime
	PoolID                        string
	GenesisHash                   string
}

// PoolToolEndpoint describes a single rate-limited telemetry endpoint.
type PoolToolEndpoint struct {
	URL         string
	RefreshRate time.Duration
}

// SendSlotsConfig configures SlotPackager behavior.
type SendSlotsConfig struct {
	URL             string
	KeyPath         string
	VerifySlotsGPG  bool
	VerifySlotsHash bool
}

// PoolToolConfig is the external aggregator configuration.
type PoolToolConfig struct {
	StatusSummary PoolToolEndpoint
	SendTip       PoolToolEndpoint
	SendSlots     SendSlotsConfig
	UserID        string
}

// EmailTemplate is one Notifier message template.
type EmailTemplate struct {
	Subject string
	Message string
}

// EmailConfig is the external Notifier's configuration (interface-only
// collaborator; kept here only so ConfigStore can expose a typed getter).
type EmailConfig struct {
	EmailAlerts bool
	SenderEmail string
	Password    string
	Recipient   string
	Port        int
	SMTPServer  string
	Templates   map[string]EmailTemplate
}

// NodeStats is a single observation of a node's chain tip.
type NodeStats struct {
	LastBlockHeight uint64
	LastBlockHash   string
	LastBlockDate   string // "<epoch>.<slot>"
	UptimeSec       int64
	Version         string
	ObservedAt      time.Time
}

// Epoch returns the integer epoch prefix of LastBlockDate, or -1 if unset
// or malformed.
func (s NodeStats) Epoch() int {
	if s.LastBlockDate == "" {
		return -1
	}
	epoch := 0
	for i := 0; i < len(s.LastBlockDate); i++ {
		c := s.LastBlockDate[i]
		if c == '.' {
			return epoch
		}
		if c < '0' || c > '9' {
			return -1
		}
		epoch = epoch*10 + int(c-'0')
	}
	return epoch
}

// LeaderRecord associates an opaque leader-id with the node that holds it.
type LeaderRecord struct {
	LeaderID int64
	NodeName string
}

// LeaderLogEntry is one raw slot-schedule entry reported by a node.
type LeaderLogEntry struct {
	ScheduledAtDate string
	ScheduledAtTime time.Time
	FinishedAtTime  time.Time
}

// SlotAssignment is the recorded schedule for one epoch.
type SlotAssignment struct {
	Epoch int
	Nodes []string
	Slots []LeaderLogEntry
}

// TipRecord is the payload sent to the pool-tool aggregator for "my tip".
type TipRecord struct {
	PoolID      string
	UserID      string
	GenesisPref string
	MyTip       uint64
	LastHash    string
	LastPool    string
	LastParent  string
	LastSlot    int64
	LastEpoch   int64
	NodeVersion string
	Platform    string
}

// CLIErrorKind classifies a failed node CLI invocation.
type CLIErrorKind int

const (
	CLIErrorUnknown CLIErrorKind = iota
	CLIErrorFailedRESTRequest
	CLIErrorAddressAlreadyInUse
)

func (k CLIErrorKind) String() string {
	switch k {
	case CLIErrorFailedRESTRequest:
		return "FAILED_REST_REQUEST"
	case CLIErrorAddressAlreadyInUse:
		return "ADDRESS_ALREADY_IN_USE"
	default:
		return "UNKNOWN"
	}
}

// CLIError wraps a non-zero node CLI invocation with its classification
// and captured output, per spec §4.3/§7.
type CLIError struct {
	Op         string
	ReturnCode int
	Kind       CLIErrorKind
	Stdout     string
	Stderr     string
	Err        error
}

func (e *CLIError) Error() string {
	return e.Op + ": cli exited with code " + strconv.Itoa(e.ReturnCode) + " (" + e.Kind.String() + ")"
}

func (e *CLIError) Unwrap() error { return e.Err }

// SupervisorError wraps a transport failure talking to the process
// supervisor's RPC endpoint.
type SupervisorError struct {
	Op  string
	Err error
}

func (e *SupervisorError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *SupervisorError) Unwrap() error { return e.Err }
