package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/blockchat/config"
)

// Config holds configuration for the round engine
type Config struct {
	// Timeouts
	Timeouts TimeoutConfig

	// Propose a block with no transactions when the propose timeout fires
	// and the mempool holds nothing includable.
	CreateEmptyBlocks bool

	// StatusInterval is how often the engine announces its height to peers.
	StatusInterval time.Duration

	// Catch-up
	SyncRequestTimeout time.Duration
	MaxPendingRequests int
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Timeouts:           DefaultTimeoutConfig(),
		CreateEmptyBlocks:  false,
		StatusInterval:     2 * time.Second,
		SyncRequestTimeout: 10 * time.Second,
		MaxPendingRequests: 5,
	}
}

// ConfigFrom builds the engine configuration from the node's consensus section.
func ConfigFrom(cfg config.ConsensusConfig) *Config {
	c := DefaultConfig()
	c.Timeouts.Propose = cfg.ProposeTimeout.Duration()
	c.Timeouts.Follow = cfg.FollowTimeout.Duration()
	c.CreateEmptyBlocks = cfg.CreateEmptyBlocks
	return c
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.Timeouts.Propose <= 0 {
		return fmt.Errorf("%w: propose timeout must be positive", ErrInvalidConfig)
	}
	if cfg.Timeouts.Follow <= 0 {
		return fmt.Errorf("%w: follow timeout must be positive", ErrInvalidConfig)
	}
	if cfg.StatusInterval <= 0 {
		return fmt.Errorf("%w: status interval must be positive", ErrInvalidConfig)
	}
	if cfg.SyncRequestTimeout <= 0 {
		return fmt.Errorf("%w: sync request timeout must be positive", ErrInvalidConfig)
	}
	if cfg.MaxPendingRequests <= 0 {
		return fmt.Errorf("%w: max pending requests must be positive", ErrInvalidConfig)
	}
	return nil
}
