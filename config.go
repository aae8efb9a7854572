package escrow

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds the operational parameters of the issuer. The reserve
// minimum and fee buffer are ledger policy, not protocol truth, so they
// are explicit inputs here rather than constants at the use sites.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DBFile     string `toml:"db_file"`

	AlgodURL   string `toml:"algod_url"`
	AlgodToken string `toml:"algod_token"`

	// IndexerURL enables creation-note lookups for re-verification;
	// empty disables them.
	IndexerURL   string `toml:"indexer_url"`
	IndexerToken string `toml:"indexer_token"`

	// MinLockedAmount is the smallest payout an asset may lock, in
	// µunits.
	MinLockedAmount uint64 `toml:"min_locked_amount"`

	// ReserveMin is the balance the escrow account must retain to exist
	// on the ledger.
	ReserveMin uint64 `toml:"reserve_min"`

	// FeeBuffer is the margin kept in the escrow to pay its own
	// transaction fees through destroy and close-out.
	FeeBuffer uint64 `toml:"fee_buffer"`

	PollInterval   duration `toml:"poll_interval"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
}

// duration lets TOML carry values like "2s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// DefaultConfig mirrors the v3 testnet deployment parameters.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "localhost:2423",
		DBFile:          "escrow.db",
		AlgodURL:        "https://testnet-api.algonode.cloud",
		IndexerURL:      "https://testnet-idx.algonode.cloud",
		MinLockedAmount: 100_000,
		ReserveMin:      100_000,
		FeeBuffer:       3_000,
		PollInterval:    duration{time.Second},
		ConfirmTimeout:  duration{30 * time.Second},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}
	_, err := toml.DecodeFile(path, &conf)
	return conf, errors.Wrapf(err, "decoding config %s", path)
}

// FundingRequired is the total a creator must place in a new escrow:
// the locked payout plus the account's reserve minimum and fee buffer.
func (c Config) FundingRequired(lockedAmount uint64) uint64 {
	return lockedAmount + c.ReserveMin + c.FeeBuffer
}
