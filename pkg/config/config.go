// Package config implements the ConfigStore: a versioned, polled view over
// the JSON template + per-node override files that describe a pool's fleet.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poolwarden/poolwarden/pkg/types"
)

// fileConfig mirrors the on-disk jmanager-config JSON shape.
type fileConfig struct {
	CommonConfig struct {
		Jormungandr map[string]interface{} `json:"jormungandr"`
		Manager     rawManagerConfig       `json:"manager"`
		Email       rawEmailConfig         `json:"email"`
		PoolTool    rawPoolToolConfig      `json:"pooltool"`
	} `json:"common_config"`
	NodesConfig []rawNodeConfig `json:"nodes_config"`
}

type rawNodeConfig struct {
	NodeName        string                 `json:"node_name"`
	JmanagerSettings rawNodeSettings       `json:"jmanager_settings"`
	Config          map[string]interface{} `json:"config"`
}

type rawNodeSettings struct {
	NodePath              string   `json:"node_path"`
	RESTEndpoint          string   `json:"rest_endpoint"`
	CLIToolPath           string   `json:"cli_tool_path"`
	SupervisorServiceName string   `json:"supervisor_service_name"`
	DefaultTrustedPeers   []string `json:"default_trusted_peers"`
	SecretFilePath        string   `json:"secret_file_path"`
	RefreshIntervalSec        int    `json:"refresh_interval_sec"`
	TipTimeoutSec             int    `json:"tip_timeout_sec"`
	TipDiffThreshold          int64  `json:"tip_diff_threshold"`
	LeadersRefreshIntervalSec int    `json:"leaders_refresh_interval_sec"`
	RestartsLogPath           string `json:"restarts_log_path"`
	SupervisorRPCURL          string `json:"supervisor_rpc_url"`
}

type rawManagerConfig struct {
	TimeoutBetweenRestartsSec     int    `json:"timeout_between_restarts_sec"`
	MinScheduledTimeDifferenceSec int    `json:"min_scheduled_time_difference_sec"`
	SendSlotsWithinSec            int    `json:"send_slots_within_sec"`
	EpochStartHour                int    `json:"epoch_start_hour"`
	EpochStartMinute              int    `json:"epoch_start_minute"`
	EpochStartSecond              int    `json:"epoch_start_second"`
	PoolID                        string `json:"pool_id"`
	GenesisHash                   string `json:"genesis_hash"`
}

type rawEmailConfig struct {
	EmailAlerts bool                            `json:"email_alerts"`
	SenderEmail string                          `json:"sender_email"`
	Password    string                          `json:"password"`
	Recipient   string                          `json:"recipient"`
	Port        int                             `json:"port"`
	SMTPServer  string                          `json:"smtp_server"`
	Templates   map[string]types.EmailTemplate `json:"templates"`
}

type rawPoolToolConfig struct {
	UserID        string `json:"user_id"`
	StatusSummary struct {
		URL             string `json:"url"`
		RefreshRateSec int    `json:"refresh_rate_sec"`
	} `json:"status_summary"`
	SendTip struct {
		URL             string `json:"url"`
		RefreshRateSec int    `json:"refresh_rate_sec"`
	} `json:"send_tip"`
	SendSlots struct {
		URL             string `json:"url"`
		KeyPath         string `json:"key_path"`
		VerifySlotsGPG  bool   `json:"verify_slots_gpg"`
		VerifySlotsHash bool   `json:"verify_slots_hash"`
	} `json:"send_slots"`
}

// Store is a polled, versioned view over the jmanager-config and its
// template, merging the two into per-node configuration on every reload.
type Store struct {
	jmanagerConfigPath string
	templateConfigPath string

	mu              sync.RWMutex
	nodeConfigs     []types.NodeConfig
	commonConfig    types.CommonConfig
	managerConfig   types.ManagerConfig
	emailConfig     types.EmailConfig
	poolToolConfig  types.PoolToolConfig
	lastTemplateCheck time.Time
	lastConfigCheck   time.Time
}

// NewStore loads the initial configuration, writing each node's merged
// config file to disk before returning. A missing or malformed file is a
// fatal startup error, per spec.
func NewStore(jmanagerConfigPath, templateConfigPath string) (*Store, error) {
	s := &Store{
		jmanagerConfigPath: jmanagerConfigPath,
		templateConfigPath: templateConfigPath,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	templateBytes, err := os.ReadFile(s.templateConfigPath)
	if err != nil {
		return fmt.Errorf("config: read template: %w", err)
	}
	var template map[string]interface{}
	if err := json.Unmarshal(templateBytes, &template); err != nil {
		return fmt.Errorf("config: parse template: %w", err)
	}

	cfgBytes, err := os.ReadFile(s.jmanagerConfigPath)
	if err != nil {
		return fmt.Errorf("config: read jmanager config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(cfgBytes, &fc); err != nil {
		return fmt.Errorf("config: parse jmanager config: %w", err)
	}

	nodeConfigs := make([]types.NodeConfig, 0, len(fc.NodesConfig))
	for _, raw := range fc.NodesConfig {
		merged := deepCopyMap(template)
		fillTemplate(merged, raw.Config)

		configFilePath := filepath.Join(raw.JmanagerSettings.NodePath, raw.NodeName+".json")
		nc := types.NodeConfig{
			NodeName:              raw.NodeName,
			ConfigFilePath:        configFilePath,
			RESTEndpoint:          raw.JmanagerSettings.RESTEndpoint,
			CLIToolPath:           raw.JmanagerSettings.CLIToolPath,
			SupervisorServiceName: raw.JmanagerSettings.SupervisorServiceName,
			DefaultTrustedPeers:   raw.JmanagerSettings.DefaultTrustedPeers,
			SecretFilePath:        raw.JmanagerSettings.SecretFilePath,
			MergedConfig:          merged,
		}
		if err := writeNodeConfig(configFilePath, merged); err != nil {
			return fmt.Errorf("config: write node config %s: %w", raw.NodeName, err)
		}
		nodeConfigs = append(nodeConfigs, nc)
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeConfigs = nodeConfigs
	s.commonConfig = commonConfigFromRaw(fc)
	s.managerConfig = managerConfigFromRaw(fc.CommonConfig.Manager)
	s.emailConfig = emailConfigFromRaw(fc.CommonConfig.Email)
	s.poolToolConfig = poolToolConfigFromRaw(fc.CommonConfig.PoolTool)
	s.lastTemplateCheck = now
	s.lastConfigCheck = now
	return nil
}

func commonConfigFromRaw(fc fileConfig) types.CommonConfig {
	// CommonConfig is sourced per-node in practice (refresh interval etc. can
	// vary per node); here we take the first node's settings as the
	// fleet-wide default, matching the template's intent of one shared
	// cadence across nodes.
	if len(fc.NodesConfig) == 0 {
		return types.CommonConfig{}
	}
	s := fc.NodesConfig[0].JmanagerSettings
	return types.CommonConfig{
		RefreshIntervalSec:        s.RefreshIntervalSec,
		TipTimeoutSec:             s.TipTimeoutSec,
		TipDiffThreshold:          s.TipDiffThreshold,
		LeadersRefreshIntervalSec: s.LeadersRefreshIntervalSec,
		RestartsLogPath:           s.RestartsLogPath,
		SupervisorRPCURL:          s.SupervisorRPCURL,
	}
}

func managerConfigFromRaw(r rawManagerConfig) types.ManagerConfig {
	return types.ManagerConfig{
		TimeoutBetweenRestartsSec:     r.TimeoutBetweenRestartsSec,
		MinScheduledTimeDifferenceSec: r.MinScheduledTimeDifferenceSec,
		SendSlotsWithinSec:            r.SendSlotsWithinSec,
		EpochStartTime: types.EpochStartTime{
			Hour:   r.EpochStartHour,
			Minute: r.EpochStartMinute,
			Second: r.EpochStartSecond,
		},
		PoolID:      r.PoolID,
		GenesisHash: r.GenesisHash,
	}
}

func emailConfigFromRaw(r rawEmailConfig) types.EmailConfig {
	return types.EmailConfig{
		EmailAlerts: r.EmailAlerts,
		SenderEmail: r.SenderEmail,
		Password:    r.Password,
		Recipient:   r.Recipient,
		Port:        r.Port,
		SMTPServer:  r.SMTPServer,
		Templates:   r.Templates,
	}
}

func poolToolConfigFromRaw(r rawPoolToolConfig) types.PoolToolConfig {
	return types.PoolToolConfig{
		UserID: r.UserID,
		StatusSummary: types.PoolToolEndpoint{
			URL:         r.StatusSummary.URL,
			RefreshRate: time.Duration(r.StatusSummary.RefreshRateSec) * time.Second,
		},
		SendTip: types.PoolToolEndpoint{
			URL:         r.SendTip.URL,
			RefreshRate: time.Duration(r.SendTip.RefreshRateSec) * time.Second,
		},
		SendSlots: types.SendSlotsConfig{
			URL:             r.SendSlots.URL,
			KeyPath:         r.SendSlots.KeyPath,
			VerifySlotsGPG:  r.SendSlots.VerifySlotsGPG,
			VerifySlotsHash: r.SendSlots.VerifySlotsHash,
		},
	}
}

func writeNodeConfig(path string, merged map[string]interface{}) error {
	b, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// fillTemplate overlays obj onto template in place: scalar leaves in obj
// replace scalars in template; list elements are positionally overlaid,
// extending template if obj is longer; dicts recurse.
func fillTemplate(template map[string]interface{}, obj map[string]interface{}) {
	for key, val := range obj {
		switch v := val.(type) {
		case map[string]interface{}:
			existing, ok := template[key].(map[string]interface{})
			if !ok {
				existing = map[string]interface{}{}
			}
			fillTemplate(existing, v)
			template[key] = existing
		case []interface{}:
			existing, _ := template[key].([]interface{})
			template[key] = fillList(existing, v)
		default:
			template[key] = v
		}
	}
}

func fillList(template, obj []interface{}) []interface{} {
	for len(template) < len(obj) {
		template = append(template, obj[len(template)])
	}
	for idx, val := range obj {
		switch v := val.(type) {
		case map[string]interface{}:
			existing, ok := template[idx].(map[string]interface{})
			if !ok {
				existing = map[string]interface{}{}
			}
			fillTemplate(existing, v)
			template[idx] = existing
		case []interface{}:
			existing, _ := template[idx].([]interface{})
			template[idx] = fillList(existing, v)
		default:
			template[idx] = v
		}
	}
	return template
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	b, _ := json.Marshal(m)
	var out map[string]interface{}
	_ = json.Unmarshal(b, &out)
	return out
}

// GetLatestVersion returns the timestamp of the most recent successful load.
func (s *Store) GetLatestVersion() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastTemplateCheck.After(s.lastConfigCheck) {
		return s.lastTemplateCheck
	}
	return s.lastConfigCheck
}

// IsConfigUpdateNeeded reports whether lastSeen is stale: true if either
// source file's mtime has advanced since the last load, or if lastSeen is
// the zero value / older than the latest known version.
func (s *Store) IsConfigUpdateNeeded(lastSeen time.Time) (bool, error) {
	if s.sourcesChanged() {
		if err := s.load(); err != nil {
			return false, err
		}
	}
	if lastSeen.IsZero() || s.GetLatestVersion().After(lastSeen) {
		return true, nil
	}
	return false, nil
}

func (s *Store) sourcesChanged() bool {
	s.mu.RLock()
	lastTemplate := s.lastTemplateCheck
	lastConfig := s.lastConfigCheck
	s.mu.RUnlock()

	tInfo, err := os.Stat(s.templateConfigPath)
	if err != nil {
		return false
	}
	cInfo, err := os.Stat(s.jmanagerConfigPath)
	if err != nil {
		return false
	}
	return tInfo.ModTime().After(lastTemplate) || cInfo.ModTime().After(lastConfig)
}

// GetNodeConfigs returns the current per-node configurations.
func (s *Store) GetNodeConfigs() []types.NodeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.NodeConfig, len(s.nodeConfigs))
	copy(out, s.nodeConfigs)
	return out
}

// GetNodeConfig returns the named node's configuration, or false if absent.
func (s *Store) GetNodeConfig(nodeName string) (types.NodeConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, nc := range s.nodeConfigs {
		if nc.NodeName == nodeName {
			return nc, true
		}
	}
	return types.NodeConfig{}, false
}

// GetCommonConfig returns the fleet-wide common configuration.
func (s *Store) GetCommonConfig() types.CommonConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commonConfig
}

// GetManagerConfig returns the FleetManager's policy configuration.
func (s *Store) GetManagerConfig() types.ManagerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.managerConfig
}

// GetEmailConfig returns the Notifier's configuration.
func (s *Store) GetEmailConfig() types.EmailConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emailConfig
}

// GetPoolToolConfig returns the telemetry aggregator configuration.
func (s *Store) GetPoolToolConfig() types.PoolToolConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.poolToolConfig
}
