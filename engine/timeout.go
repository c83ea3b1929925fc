package engine

import (
	"sync"
	"time"

	"github.com/blockberries/blockchat/logging"
)

// RoundStep is where the engine is within a round.
type RoundStep uint8

const (
	RoundStepIdle RoundStep = iota
	RoundStepLeading
	RoundStepFollowing
	RoundStepCommitted
)

func (s RoundStep) String() string {
	switch s {
	case RoundStepIdle:
		return "idle"
	case RoundStepLeading:
		return "leading"
	case RoundStepFollowing:
		return "following"
	case RoundStepCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// TimeoutInfo is a scheduled timeout. A zero Duration takes the configured
// value for Step.
type TimeoutInfo struct {
	Duration time.Duration
	Round    uint64
	Step     RoundStep
}

type TimeoutConfig struct {
	// Propose is how long a leader waits for a full mempool
	Propose time.Duration
	// Follow is how long a follower waits for the leader's block
	Follow time.Duration
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Propose: 5 * time.Second,
		Follow:  30 * time.Second,
	}
}

// TimeoutTicker holds at most one pending timeout. Scheduling a timeout
// cancels the pending one, including one that fired but was not yet read.
type TimeoutTicker struct {
	config TimeoutConfig
	logger *logging.Logger
	fired  chan TimeoutInfo

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	gen     uint64
}

func NewTimeoutTicker(config TimeoutConfig, logger *logging.Logger) *TimeoutTicker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &TimeoutTicker{
		config: config,
		logger: logger,
		fired:  make(chan TimeoutInfo, 1),
	}
}

func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	tt.running = true
	tt.mu.Unlock()
}

// Stop cancels the pending timeout. Timeouts scheduled after Stop are ignored.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.running = false
	tt.gen++
	if tt.timer != nil {
		tt.timer.Stop()
		tt.timer = nil
	}
}

// Chan delivers fired timeouts.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.fired
}

func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if !tt.running {
		return
	}
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.drain()

	if ti.Duration == 0 {
		ti.Duration = tt.calculateDuration(ti)
	}
	tt.gen++
	gen := tt.gen
	tt.timer = time.AfterFunc(ti.Duration, func() { tt.fire(gen, ti) })
}

func (tt *TimeoutTicker) fire(gen uint64, ti TimeoutInfo) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if gen != tt.gen || !tt.running {
		tt.logger.Debug("Discarded stale timeout",
			logging.Round(ti.Round),
			logging.Step(ti.Step.String()),
		)
		return
	}
	tt.timer = nil
	tt.fired <- ti
}

// drain empties fired; the caller holds mu, so fire cannot refill it.
func (tt *TimeoutTicker) drain() {
	select {
	case <-tt.fired:
	default:
	}
}

func (tt *TimeoutTicker) calculateDuration(ti TimeoutInfo) time.Duration {
	switch ti.Step {
	case RoundStepLeading:
		return tt.config.Propose
	case RoundStepFollowing:
		return tt.config.Follow
	default:
		return time.Second
	}
}

func (tt *TimeoutTicker) Propose() time.Duration { return tt.config.Propose }

func (tt *TimeoutTicker) Follow() time.Duration { return tt.config.Follow }
