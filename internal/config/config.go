package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/htms/backend/internal/core"
)

// Policy is the declarative trust policy: every threshold, weight, window
// and cryptographic difficulty the core consumes. Loaded from YAML and
// treated as immutable after load; reloads swap the whole snapshot.
type Policy struct {
	Server    ServerConfig    `yaml:"server"`
	Trust     TrustConfig     `yaml:"trust"`
	Probation ProbationConfig `yaml:"probation"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Fraud     FraudConfig     `yaml:"fraud"`
	VDF       VDFConfig       `yaml:"vdf"`
	Anchor    AnchorConfig    `yaml:"anchor"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	AdminKey string `yaml:"admin_key"`
	Env      string `yaml:"env"`
}

type TrustConfig struct {
	// BasePenalties holds positive magnitudes; the engine applies them as
	// negative deltas scaled by Weights and confidence.
	BasePenalties map[core.Violation]float64 `yaml:"base_penalties"`
	Weights       map[core.Violation]float64 `yaml:"weights"`
	Severity      map[core.Violation]int     `yaml:"severity"`

	// QuarantineOn lists violations whose single occurrence quarantines
	// the reader regardless of its score.
	QuarantineOn []core.Violation `yaml:"quarantine_on_violations"`

	CleanTransactionReward float64 `yaml:"clean_transaction_reward"`
	RewardStreak           int     `yaml:"reward_streak"`

	TrustedFloor        int `yaml:"trusted_floor"`
	DegradedFloor       int `yaml:"degraded_floor"`
	QuarantineFloor     int `yaml:"quarantine_floor"`
	ProbationEntryFloor int `yaml:"probation_entry_floor"`
	RestoreScore        int `yaml:"restore_score"`

	RecoveryRatePerHour   float64 `yaml:"recovery_rate_per_hour"`
	RecoveryCap           float64 `yaml:"recovery_cap"`
	RecoveryMinGapMinutes int     `yaml:"recovery_min_gap_minutes"`

	SuspicionWindowMinutes int     `yaml:"suspicion_window_minutes"`
	SuspicionTTLMinutes    int     `yaml:"suspicion_ttl_minutes"`
	SuspicionMultiplier    float64 `yaml:"suspicion_multiplier"`
}

func (c TrustConfig) RecoveryMinGap() time.Duration {
	return time.Duration(c.RecoveryMinGapMinutes) * time.Minute
}
func (c TrustConfig) SuspicionWindow() time.Duration {
	return time.Duration(c.SuspicionWindowMinutes) * time.Minute
}
func (c TrustConfig) SuspicionTTL() time.Duration {
	return time.Duration(c.SuspicionTTLMinutes) * time.Minute
}

type ProbationConfig struct {
	ChallengeMaxAttempts int `yaml:"challenge_max_attempts"`
	ChallengeTTLMinutes  int `yaml:"challenge_ttl_minutes"`
	TimingWindowMs       int `yaml:"timing_window_ms"`
}

func (c ProbationConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLMinutes) * time.Minute
}
func (c ProbationConfig) TimingWindow() time.Duration {
	return time.Duration(c.TimingWindowMs) * time.Millisecond
}

type ConsensusConfig struct {
	MinVoters      int     `yaml:"min_voters"`
	ApprovalRatio  float64 `yaml:"approval_ratio"`
	TimeoutMinutes int     `yaml:"timeout_minutes"`
}

func (c ConsensusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

type IngestConfig struct {
	MaxDriftSeconds  int64   `yaml:"max_drift_seconds"`
	RatePerMinute    float64 `yaml:"rate_per_minute"`
	Burst            int     `yaml:"burst"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
}

// NonceRetention is how long nonce records are kept before garbage
// collection: twice the maximum accepted timestamp drift.
func (c IngestConfig) NonceRetention() time.Duration {
	return 2 * time.Duration(c.MaxDriftSeconds) * time.Second
}

func (c IngestConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

type FraudConfig struct {
	AmountCeiling            float64            `yaml:"amount_ceiling"`
	TypeCeilings             map[string]float64 `yaml:"type_ceilings"`
	DuplicateWindowSeconds   int                `yaml:"duplicate_window_seconds"`
	MLBlockThreshold         float64            `yaml:"ml_block_threshold"`
	CrossWindowMinutes       int                `yaml:"cross_window_minutes"`
	CrossMultiplier          float64            `yaml:"cross_multiplier"`
	CrossStatsRefreshSeconds int                `yaml:"cross_stats_refresh_seconds"`
	ScorerMode               string             `yaml:"scorer_mode"` // real | mock | null
	ScorerURL                string             `yaml:"scorer_url"`
	ScorerTimeoutMs          int                `yaml:"scorer_timeout_ms"`
}

func (c FraudConfig) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowSeconds) * time.Second
}
func (c FraudConfig) CrossWindow() time.Duration {
	return time.Duration(c.CrossWindowMinutes) * time.Minute
}
func (c FraudConfig) CrossStatsRefresh() time.Duration {
	return time.Duration(c.CrossStatsRefreshSeconds) * time.Second
}
func (c FraudConfig) ScorerTimeout() time.Duration {
	return time.Duration(c.ScorerTimeoutMs) * time.Millisecond
}

type VDFConfig struct {
	Difficulty               int    `yaml:"difficulty"`
	CheckpointGranularity    int    `yaml:"checkpoint_granularity"`
	GenesisSeed              string `yaml:"genesis_seed"`
	Workers                  int    `yaml:"workers"`
	QueueDepth               int    `yaml:"queue_depth"`
	ResponseAwaitsVDF        bool   `yaml:"response_awaits_vdf"`
	ReorderToleranceSeconds  int64  `yaml:"reorder_tolerance_seconds"`
	ReconcileIntervalSeconds int    `yaml:"reconcile_interval_seconds"`
}

func (c VDFConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

type AnchorConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	MaxDelaySeconds int    `yaml:"max_delay_seconds"`
	BackoffBaseMs   int    `yaml:"backoff_base_ms"`
	BackoffCapMs    int    `yaml:"backoff_cap_ms"`
	QueueMax        int    `yaml:"queue_max"`
	Mode            string `yaml:"mode"` // real | mock | null
	LedgerURL       string `yaml:"ledger_url"`
	TimeoutMs       int    `yaml:"timeout_ms"`
}

func (c AnchorConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}
func (c AnchorConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}
func (c AnchorConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}
func (c AnchorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Default returns the policy used when a field is absent from the file.
// Values follow the production trust policy shipped with the system.
func Default() *Policy {
	return &Policy{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Trust: TrustConfig{
			BasePenalties: map[core.Violation]float64{
				core.ViolationBadSignature:     40,
				core.ViolationReplay:           40,
				core.ViolationBadKeyVersion:    15,
				core.ViolationStaleTimestamp:   5,
				core.ViolationRateLimited:      5,
				core.ViolationFraudRule:        10,
				core.ViolationFraudML:          8,
				core.ViolationBalanceTamper:    40,
				core.ViolationProbationFailure: 10,
			},
			Weights: map[core.Violation]float64{
				core.ViolationBadSignature:     1.0,
				core.ViolationReplay:           1.0,
				core.ViolationBadKeyVersion:    1.0,
				core.ViolationStaleTimestamp:   1.0,
				core.ViolationRateLimited:      1.0,
				core.ViolationFraudRule:        1.0,
				core.ViolationFraudML:          1.0,
				core.ViolationBalanceTamper:    1.0,
				core.ViolationProbationFailure: 1.0,
			},
			Severity: map[core.Violation]int{
				core.ViolationBadSignature:  2,
				core.ViolationReplay:        3,
				core.ViolationBalanceTamper: 3,
				core.ViolationFraudRule:     1,
				core.ViolationFraudML:       1,
			},
			QuarantineOn: []core.Violation{
				core.ViolationReplay,
				core.ViolationBalanceTamper,
			},
			CleanTransactionReward: 2,
			RewardStreak:           5,
			TrustedFloor:           70,
			DegradedFloor:          35,
			QuarantineFloor:        20,
			ProbationEntryFloor:    45,
			RestoreScore:           75,
			RecoveryRatePerHour:    5,
			RecoveryCap:            40,
			RecoveryMinGapMinutes:  60,
			SuspicionWindowMinutes: 60,
			SuspicionTTLMinutes:    30,
			SuspicionMultiplier:    1.5,
		},
		Probation: ProbationConfig{
			ChallengeMaxAttempts: 2,
			ChallengeTTLMinutes:  15,
			TimingWindowMs:       5000,
		},
		Consensus: ConsensusConfig{
			MinVoters:      2,
			ApprovalRatio:  0.6,
			TimeoutMinutes: 60,
		},
		Ingest: IngestConfig{
			MaxDriftSeconds:  300,
			RatePerMinute:    120,
			Burst:            20,
			RequestTimeoutMs: 10000,
		},
		Fraud: FraudConfig{
			AmountCeiling:            5000,
			TypeCeilings:             map[string]float64{"CAR": 300},
			DuplicateWindowSeconds:   60,
			MLBlockThreshold:         0.7,
			CrossWindowMinutes:       10,
			CrossMultiplier:          3,
			CrossStatsRefreshSeconds: 60,
			ScorerMode:               "null",
			ScorerTimeoutMs:          2000,
		},
		VDF: VDFConfig{
			Difficulty:               1000,
			CheckpointGranularity:    10,
			GenesisSeed:              "HTMS_VDF_GENESIS_2026",
			Workers:                  1,
			QueueDepth:               256,
			ResponseAwaitsVDF:        false,
			ReorderToleranceSeconds:  300,
			ReconcileIntervalSeconds: 60,
		},
		Anchor: AnchorConfig{
			BatchSize:       10,
			MaxDelaySeconds: 30,
			BackoffBaseMs:   1000,
			BackoffCapMs:    120000,
			QueueMax:        100,
			Mode:            "null",
			TimeoutMs:       10000,
		},
	}
}

// Load reads and validates a policy file. Absent fields keep their
// defaults; a parse error is fatal per the error-handling design.
func Load(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects policies that would break core invariants.
func (p *Policy) Validate() error {
	if p.Trust.DegradedFloor >= p.Trust.TrustedFloor {
		return fmt.Errorf("degraded_floor (%d) must be below trusted_floor (%d)",
			p.Trust.DegradedFloor, p.Trust.TrustedFloor)
	}
	if p.Trust.QuarantineFloor > p.Trust.DegradedFloor {
		return fmt.Errorf("quarantine_floor (%d) must not exceed degraded_floor (%d)",
			p.Trust.QuarantineFloor, p.Trust.DegradedFloor)
	}
	if p.Trust.RestoreScore < 0 || p.Trust.RestoreScore > 100 {
		return fmt.Errorf("restore_score (%d) outside [0,100]", p.Trust.RestoreScore)
	}
	if p.Consensus.ApprovalRatio <= 0 || p.Consensus.ApprovalRatio > 1 {
		return fmt.Errorf("approval_ratio (%.2f) outside (0,1]", p.Consensus.ApprovalRatio)
	}
	if p.VDF.Difficulty < 1 {
		return fmt.Errorf("vdf difficulty must be >= 1, got %d", p.VDF.Difficulty)
	}
	if p.VDF.CheckpointGranularity < 1 {
		return fmt.Errorf("checkpoint_granularity must be >= 1, got %d", p.VDF.CheckpointGranularity)
	}
	if p.Ingest.MaxDriftSeconds <= 0 {
		return fmt.Errorf("max_drift_seconds must be positive, got %d", p.Ingest.MaxDriftSeconds)
	}
	if p.Anchor.BatchSize < 1 {
		return fmt.Errorf("anchor batch_size must be >= 1, got %d", p.Anchor.BatchSize)
	}
	return nil
}
