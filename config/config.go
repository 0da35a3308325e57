package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/p2ppsr/babbage-escrow/crypto"
	"github.com/p2ppsr/babbage-escrow/native/escrow"

	"github.com/BurntSushi/toml"
)

const (
	DefaultTopic         = "tm_escrow"
	DefaultLookupService = "ls_escrow"
	DefaultOverlayURL    = "http://localhost:8088"
	DefaultNetworkPreset = "local"
)

// KeyDerivationProtocol names the wallet protocol used to derive role keys.
type KeyDerivationProtocol struct {
	SecurityLevel int    `toml:"SecurityLevel"`
	ProtocolID    string `toml:"ProtocolID"`
}

// GlobalConfig is the platform-wide contract policy shared by every seeker,
// furnisher and platform client of one escrow deployment.
type GlobalConfig struct {
	PlatformKey           escrow.PubKey         `toml:"PlatformKey"`
	Topic                 string                `toml:"Topic"`
	LookupService         string                `toml:"LookupService"`
	OverlayURL            string                `toml:"OverlayURL"`
	NetworkPreset         string                `toml:"NetworkPreset"`
	KeyDerivationProtocol KeyDerivationProtocol `toml:"KeyDerivationProtocol"`
	Policy                Policy                `toml:"policy"`
	Wallet                Wallet                `toml:"wallet"`
}

// Policy holds the defaults every new contract is created with.
type Policy struct {
	MinAllowableBid                                   uint64                    `toml:"MinAllowableBid"`
	MaxAllowedBids                                    uint32                    `toml:"MaxAllowedBids"`
	EscrowServiceFeeBasisPoints                       uint32                    `toml:"EscrowServiceFeeBasisPoints"`
	ContractType                                      escrow.ContractType       `toml:"ContractType"`
	PlatformAuthorizationRequired                     bool                      `toml:"PlatformAuthorizationRequired"`
	EscrowMustBeFullyDecisive                         bool                      `toml:"EscrowMustBeFullyDecisive"`
	BountySolversNeedApproval                         bool                      `toml:"BountySolversNeedApproval"`
	FurnisherBondingMode                              escrow.BondingMode        `toml:"FurnisherBondingMode"`
	RequiredBondAmount                                uint64                    `toml:"RequiredBondAmount"`
	ApprovalMode                                      escrow.ApprovalMode       `toml:"ApprovalMode"`
	ContractSurvivesAdverseFurnisherDisputeResolution bool                      `toml:"ContractSurvivesAdverseFurnisherDisputeResolution"`
	BountyIncreaseAllowanceMode                       escrow.BountyIncreaseMode `toml:"BountyIncreaseAllowanceMode"`
	BountyIncreaseCutoffPoint                         escrow.IncreaseCutoff     `toml:"BountyIncreaseCutoffPoint"`
	MaxWorkStartDelay                                 escrow.Timestamp          `toml:"MaxWorkStartDelay"`
	MaxWorkApprovalDelay                              escrow.Timestamp          `toml:"MaxWorkApprovalDelay"`
	DelayUnit                                         escrow.DelayUnit          `toml:"DelayUnit"`
}

// Wallet locates the role keystores used by the local signer.
type Wallet struct {
	KeystoreDir   string `toml:"KeystoreDir"`
	PassphraseEnv string `toml:"PassphraseEnv"`
}

// KeystorePath returns the keystore file holding the key for role.
func (w Wallet) KeystorePath(role escrow.Role) string {
	return filepath.Join(w.KeystoreDir, role.String()+".keystore")
}

// Passphrase reads the keystore passphrase from the configured environment
// variable. An unset variable yields an empty passphrase.
func (w Wallet) Passphrase() string {
	if strings.TrimSpace(w.PassphraseEnv) == "" {
		return ""
	}
	return os.Getenv(w.PassphraseEnv)
}

// DefaultPolicy mirrors the settings of a simple bid marketplace measured in
// blocks.
func DefaultPolicy() Policy {
	return Policy{
		MinAllowableBid:             0,
		MaxAllowedBids:              16,
		EscrowServiceFeeBasisPoints: 125,
		ContractType:                escrow.ContractBid,
		BountySolversNeedApproval:   true,
		FurnisherBondingMode:        escrow.BondingOptional,
		ApprovalMode:                escrow.ApprovalSeeker,
		BountyIncreaseAllowanceMode: escrow.IncreaseForbidden,
		BountyIncreaseCutoffPoint:   escrow.CutoffBidAcceptance,
		MaxWorkStartDelay:           144,
		MaxWorkApprovalDelay:        144,
		DelayUnit:                   escrow.DelayBlocks,
	}
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration whose platform key is generated and
// stored next to it.
func Load(path string) (*GlobalConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &GlobalConfig{Policy: DefaultPolicy()}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}
	applyDefaults(path, cfg)

	if cfg.PlatformKey.IsZero() {
		if err := ensurePlatformKey(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *GlobalConfig) {
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = DefaultTopic
	}
	if strings.TrimSpace(cfg.LookupService) == "" {
		cfg.LookupService = DefaultLookupService
	}
	if strings.TrimSpace(cfg.OverlayURL) == "" {
		cfg.OverlayURL = DefaultOverlayURL
	}
	if strings.TrimSpace(cfg.NetworkPreset) == "" {
		cfg.NetworkPreset = DefaultNetworkPreset
	}
	if cfg.KeyDerivationProtocol.ProtocolID == "" {
		cfg.KeyDerivationProtocol = KeyDerivationProtocol{SecurityLevel: 2, ProtocolID: "escrow"}
	}
	if cfg.Wallet.KeystoreDir == "" {
		cfg.Wallet.KeystoreDir = defaultKeystoreDir(path)
	}
}

func ensurePlatformKey(configPath string, cfg *GlobalConfig) error {
	key, _, err := crypto.LoadOrCreateKeystore(cfg.Wallet.KeystorePath(escrow.RolePlatform), cfg.Wallet.Passphrase())
	if err != nil {
		return err
	}
	cfg.PlatformKey = key.PubKey().Compressed()
	return persist(configPath, cfg)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*GlobalConfig, error) {
	cfg := &GlobalConfig{Policy: DefaultPolicy()}
	applyDefaults(path, cfg)
	if err := ensurePlatformKey(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *GlobalConfig) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystoreDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "keys")
}
