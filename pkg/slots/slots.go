// Package slots implements SlotPackager: builds the per-epoch
// slot-assignment payload sent to the pool-tool aggregator, in one of
// three mutually exclusive verification modes.
package slots

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/go-resty/resty/v2"

	"github.com/poolwarden/poolwarden/pkg/log"
	"github.com/poolwarden/poolwarden/pkg/types"
)

// Payload is the POST body sent to the pool-tool slots endpoint. Field
// presence depends on the active verification mode.
type Payload struct {
	CurrentEpoch      string `json:"currentepoch"`
	PoolID            string `json:"poolid"`
	GenesisPref       string `json:"genesispref"`
	UserID            string `json:"userid"`
	AssignedSlots     string `json:"assigned_slots"`
	PreviousEpochKey  string `json:"previous_epoch_key,omitempty"`
	EncryptedSlots    string `json:"encrypted_slots,omitempty"`
	ThisEpochHash     string `json:"this_epoch_hash,omitempty"`
	LastEpochSlots    string `json:"last_epoch_slots,omitempty"`
}

// Sender pushes a built Payload to the aggregator. Kept as an interface so
// Packager can be unit tested without a live HTTP endpoint.
type Sender interface {
	SendSlots(payload Payload) error
}

// Packager builds and sends the current epoch's slot-assignment payload.
type Packager struct {
	cfg     types.SendSlotsConfig
	poolID  string
	genesis string
	userID  string
	sender  Sender
}

// NewPackager builds a Packager. keyPath is created if absent.
func NewPackager(cfg types.SendSlotsConfig, poolID, genesisHash, userID string, sender Sender) (*Packager, error) {
	if cfg.KeyPath != "" {
		if _, err := os.Stat(cfg.KeyPath); os.IsNotExist(err) {
			log.Info("slots: key directory does not exist, creating it")
			if err := os.MkdirAll(cfg.KeyPath, 0o700); err != nil {
				return nil, fmt.Errorf("slots: create key dir: %w", err)
			}
		}
	}
	return &Packager{cfg: cfg, poolID: poolID, genesis: genesisHash, userID: userID, sender: sender}, nil
}

// CurrentSlots filters slotLog to entries whose scheduled_at_date epoch
// prefix matches currentEpoch.
func CurrentSlots(slotLog []types.LeaderLogEntry, currentEpoch int) []types.LeaderLogEntry {
	current := make([]types.LeaderLogEntry, 0, len(slotLog))
	for _, s := range slotLog {
		if epochPrefix(s.ScheduledAtDate) == currentEpoch {
			current = append(current, s)
		}
	}
	return current
}

func epochPrefix(dotted string) int {
	for i := 0; i < len(dotted); i++ {
		if dotted[i] == '.' {
			n, err := strconv.Atoi(dotted[:i])
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}

// Process builds the payload for currentEpoch from currentSlots, which the
// caller has already limited to currentEpoch's entries, and sends it using
// the configured verification mode.
func (p *Packager) Process(currentEpoch int, currentSlots []types.LeaderLogEntry) error {
	previousEpoch := currentEpoch - 1

	switch {
	case p.cfg.VerifySlotsGPG:
		return p.verifySlotsGPG(currentEpoch, previousEpoch, currentSlots)
	case p.cfg.VerifySlotsHash:
		return p.verifySlotsHash(currentEpoch, previousEpoch, currentSlots)
	default:
		return p.noVerification(currentEpoch, currentSlots)
	}
}

func (p *Packager) basePayload(currentEpoch int, currentSlots []types.LeaderLogEntry) Payload {
	return Payload{
		CurrentEpoch:  strconv.Itoa(currentEpoch),
		PoolID:        p.poolID,
		GenesisPref:   genesisPrefix(p.genesis),
		UserID:        p.userID,
		AssignedSlots: strconv.Itoa(len(currentSlots)),
	}
}

func genesisPrefix(genesisHash string) string {
	if len(genesisHash) < 7 {
		return genesisHash
	}
	return genesisHash[:7]
}

func (p *Packager) noVerification(currentEpoch int, currentSlots []types.LeaderLogEntry) error {
	payload := p.basePayload(currentEpoch, currentSlots)
	return p.sender.SendSlots(payload)
}

func (p *Packager) verifySlotsHash(currentEpoch, previousEpoch int, currentSlots []types.LeaderLogEntry) error {
	currentJSON, err := json.Marshal(currentSlots)
	if err != nil {
		return fmt.Errorf("slots: marshal current slots: %w", err)
	}

	prevPath := p.leaderSlotsPath(previousEpoch)
	lastEpochSlots := "[]"
	if data, err := os.ReadFile(prevPath); err == nil {
		lastEpochSlots = string(data)
	}

	curPath := p.leaderSlotsPath(currentEpoch)
	if _, err := os.Stat(curPath); os.IsNotExist(err) {
		if err := os.WriteFile(curPath, currentJSON, 0o600); err != nil {
			return fmt.Errorf("slots: write current slots: %w", err)
		}
	}

	sum := sha256.Sum256(currentJSON)
	hashHex := hex.EncodeToString(sum[:])
	if err := os.WriteFile(p.hashPath(currentEpoch), []byte(hashHex), 0o600); err != nil {
		return fmt.Errorf("slots: write hash: %w", err)
	}

	payload := p.basePayload(currentEpoch, currentSlots)
	payload.ThisEpochHash = hashHex
	payload.LastEpochSlots = lastEpochSlots
	return p.sender.SendSlots(payload)
}

func (p *Packager) verifySlotsGPG(currentEpoch, previousEpoch int, currentSlots []types.LeaderLogEntry) error {
	previousKey := ""
	if data, err := os.ReadFile(p.passphrasePath(previousEpoch)); err == nil {
		previousKey = string(data)
	}

	currentKeyPath := p.passphrasePath(currentEpoch)
	currentKey, err := os.ReadFile(currentKeyPath)
	if err != nil {
		currentKey, err = generateKey()
		if err != nil {
			return fmt.Errorf("slots: generate passphrase: %w", err)
		}
		if err := os.WriteFile(currentKeyPath, currentKey, 0o600); err != nil {
			return fmt.Errorf("slots: write passphrase: %w", err)
		}
	}

	encrypted, err := encryptSlots(currentSlots, string(currentKey))
	if err != nil {
		return fmt.Errorf("slots: encrypt current slots: %w", err)
	}

	payload := p.basePayload(currentEpoch, currentSlots)
	payload.PreviousEpochKey = previousKey
	payload.EncryptedSlots = encrypted
	return p.sender.SendSlots(payload)
}

// generateKey produces a fresh 32-byte base64 passphrase using the
// system's secure RNG, matching `openssl rand -base64 32`.
func generateKey() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}

// encryptSlots symmetrically encrypts the JSON-serialized slot list with
// passphrase, producing ASCII-armored ciphertext.
func encryptSlots(slots []types.LeaderLogEntry, passphrase string) (string, error) {
	plaintext := "[]"
	if len(slots) > 0 {
		b, err := json.Marshal(slots)
		if err != nil {
			return "", err
		}
		plaintext = string(b)
	}

	var armored bytes.Buffer
	armorWriter, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return "", err
	}

	cipherWriter, err := openpgp.SymmetricallyEncrypt(armorWriter, []byte(passphrase), nil, &packet.Config{})
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(cipherWriter, plaintext); err != nil {
		return "", err
	}
	if err := cipherWriter.Close(); err != nil {
		return "", err
	}
	if err := armorWriter.Close(); err != nil {
		return "", err
	}

	return armored.String(), nil
}

func (p *Packager) passphrasePath(epoch int) string {
	return filepath.Join(p.cfg.KeyPath, "passphrase_"+strconv.Itoa(epoch))
}

func (p *Packager) leaderSlotsPath(epoch int) string {
	return filepath.Join(p.cfg.KeyPath, "leader_slots_"+strconv.Itoa(epoch))
}

func (p *Packager) hashPath(epoch int) string {
	return filepath.Join(p.cfg.KeyPath, "hash_"+strconv.Itoa(epoch))
}

// RESTSender POSTs a built Payload to the configured slots aggregator URL.
type RESTSender struct {
	client *resty.Client
	url    string
}

// NewRESTSender builds a RESTSender targeting url.
func NewRESTSender(url string) *RESTSender {
	return &RESTSender{client: resty.New().SetTimeout(10 * time.Second), url: url}
}

// SendSlots posts payload as JSON. Transport and status errors are logged
// and swallowed, matching the aggregator's best-effort delivery contract.
func (s *RESTSender) SendSlots(payload Payload) error {
	resp, err := s.client.R().SetHeader("Content-Type", "application/json").SetBody(payload).Post(s.url)
	if err != nil {
		log.Errorf("slots: send_slots transport error: %v", err)
		return nil
	}
	if resp.IsError() {
		log.Error(fmt.Sprintf("slots: send_slots aggregator returned %d", resp.StatusCode()))
	}
	return nil
}
