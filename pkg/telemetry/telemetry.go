// Package telemetry implements TelemetryPublisher: rate-limited pushes of
// fleet tip and status data to the external pool-tool aggregator.
package telemetry

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/poolwarden/poolwarden/pkg/log"
	"github.com/poolwarden/poolwarden/pkg/types"
)

const platformName = "poolwarden"

// Publisher pushes TipRecords and fetches the aggregator's status summary,
// both internally rate-limited so the control-plane loop can call them
// unconditionally every tick.
type Publisher struct {
	client *resty.Client
	cfg    types.PoolToolConfig

	mu                  sync.Mutex
	tip                 *types.TipRecord
	tipLastSent         time.Time
	statusSummary       map[string]interface{}
	statusLastRefreshed time.Time
}

// NewPublisher builds a Publisher against the given pool-tool config.
func NewPublisher(cfg types.PoolToolConfig) *Publisher {
	return &Publisher{
		client: resty.New().SetTimeout(10 * time.Second),
		cfg:    cfg,
	}
}

// SetConfig updates the publisher's endpoint/rate configuration. Nothing in
// this module calls it: a Publisher keeps the configuration it was built
// with, and a config reload seen by the FleetManager does not reach it.
func (p *Publisher) SetConfig(cfg types.PoolToolConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// RefreshDataForTipUpdate builds the next TipRecord to send from the stats
// and raw block hex of the node that reported the new fleet max tip. The byte offsets are fixed by the
// external block-header wire format.
func (p *Publisher) RefreshDataForTipUpdate(stats types.NodeStats, lastBlockHex string, poolID, genesisHash string) {
	if lastBlockHex == "" {
		return
	}
	if len(lastBlockHex) < 232 {
		log.Error("telemetry: block hex shorter than expected header length")
		return
	}

	lastSlot, err := strconv.ParseInt(lastBlockHex[24:32], 16, 64)
	if err != nil {
		log.Errorf("telemetry: parse last_slot: %v", err)
		return
	}
	lastEpoch, err := strconv.ParseInt(lastBlockHex[16:24], 16, 64)
	if err != nil {
		log.Errorf("telemetry: parse last_epoch: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tip = &types.TipRecord{
		PoolID:      poolID,
		UserID:      p.cfg.UserID,
		GenesisPref: genesisHash,
		MyTip:       stats.LastBlockHeight,
		LastHash:    stats.LastBlockHash,
		LastPool:    lastBlockHex[168:232],
		LastParent:  lastBlockHex[104:168],
		LastSlot:    lastSlot,
		LastEpoch:   lastEpoch,
		NodeVersion: stats.Version,
		Platform:    platformName,
	}
}

// SendMyTip pushes the last-built TipRecord, at most once per
// send_tip.refresh_rate. Transport errors are logged and swallowed.
func (p *Publisher) SendMyTip() {
	p.mu.Lock()
	tip := p.tip
	since := time.Since(p.tipLastSent)
	refreshRate := p.cfg.SendTip.RefreshRate
	url := p.cfg.SendTip.URL
	p.mu.Unlock()

	if tip == nil || since < refreshRate {
		return
	}

	resp, err := p.client.R().SetQueryParams(tipQueryParams(*tip)).Get(url)
	if err != nil {
		log.Errorf("telemetry: send_my_tip transport error: %v", err)
		return
	}
	if resp.IsError() {
		log.Error(fmt.Sprintf("telemetry: send_my_tip aggregator returned %d", resp.StatusCode()))
		return
	}

	p.mu.Lock()
	p.tipLastSent = time.Now().UTC()
	p.mu.Unlock()
}

func tipQueryParams(tip types.TipRecord) map[string]string {
	return map[string]string{
		"poolid":      tip.PoolID,
		"userid":      tip.UserID,
		"genesispref": tip.GenesisPref,
		"mytip":       strconv.FormatUint(tip.MyTip, 10),
		"lasthash":    tip.LastHash,
		"lastpool":    tip.LastPool,
		"lastparent":  tip.LastParent,
		"lastslot":    strconv.FormatInt(tip.LastSlot, 10),
		"lastepoch":   strconv.FormatInt(tip.LastEpoch, 10),
		"jormver":     tip.NodeVersion,
		"platform":    tip.Platform,
	}
}

// GetStatusSummary fetches and caches the aggregator's status summary for
// status_summary.refresh_rate seconds.
func (p *Publisher) GetStatusSummary() map[string]interface{} {
	p.mu.Lock()
	stale := p.statusLastRefreshed.IsZero() || time.Since(p.statusLastRefreshed) > p.cfg.StatusSummary.RefreshRate
	url := p.cfg.StatusSummary.URL
	p.mu.Unlock()

	if !stale {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.statusSummary
	}

	var summary map[string]interface{}
	resp, err := p.client.R().SetResult(&summary).Get(url)
	if err != nil {
		log.Errorf("telemetry: get_status_summary transport error: %v", err)
	} else if resp.IsError() {
		log.Error(fmt.Sprintf("telemetry: get_status_summary aggregator returned %d", resp.StatusCode()))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil && !resp.IsError() {
		p.statusSummary = summary
	}
	p.statusLastRefreshed = time.Now()
	return p.statusSummary
}

// GetMaxTip returns the aggregator's majority-max tip, or 0 if not yet
// fetched.
func (p *Publisher) GetMaxTip() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusSummary == nil {
		return 0
	}
	switch v := p.statusSummary["majoritymax"].(type) {
	case float64:
		return uint64(v)
	default:
		return 0
	}
}
