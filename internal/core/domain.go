package core

import "time"

// ReaderStatus is the enforcement state of an RFID reader.
type ReaderStatus string

const (
	StatusActive      ReaderStatus = "ACTIVE"
	StatusDegraded    ReaderStatus = "DEGRADED"
	StatusSuspended   ReaderStatus = "SUSPENDED"
	StatusQuarantined ReaderStatus = "QUARANTINED"
	StatusProbation   ReaderStatus = "PROBATION"
)

// Serving reports whether a reader in this status may process toll events.
func (s ReaderStatus) Serving() bool {
	return s != StatusSuspended && s != StatusQuarantined
}

// Violation classifies trust-engine penalties.
type Violation string

const (
	ViolationBadSignature     Violation = "BAD_SIGNATURE"
	ViolationReplay           Violation = "REPLAY"
	ViolationBadKeyVersion    Violation = "BAD_KEY_VERSION"
	ViolationStaleTimestamp   Violation = "STALE_TIMESTAMP"
	ViolationRateLimited      Violation = "RATE_LIMITED"
	ViolationFraudRule        Violation = "FRAUD_RULE"
	ViolationFraudML          Violation = "FRAUD_ML"
	ViolationBalanceTamper    Violation = "BALANCE_MANIPULATION"
	ViolationProbationFailure Violation = "PROBATION_FAILURE"
)

// Reader is an authenticated RFID reader device. Created by admin
// registration, mutated only by the trust engine, never deleted.
type Reader struct {
	ReaderID             string       `json:"reader_id"`
	Secret               []byte       `json:"-"`
	KeyVersion           int          `json:"key_version"`
	TrustScore           int          `json:"trust_score"`
	Status               ReaderStatus `json:"status"`
	LastViolationAt      time.Time    `json:"last_violation_at"`
	LastTrustUpdateAt    time.Time    `json:"last_trust_update_at"`
	AuthFailures         int          `json:"auth_failures"`
	ReplayAttempts       int          `json:"replay_attempts"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	RegisteredAt         time.Time    `json:"registered_at"`
}

// TollEvent is one inbound reader submission. Transient: discarded once the
// accepted event is persisted as a DecisionRecord.
type TollEvent struct {
	TagHash    string `json:"tag_hash"`
	ReaderID   string `json:"reader_id"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
	KeyVersion int    `json:"key_version"`
}

// NonceRecord marks one observed (reader, nonce) pair.
type NonceRecord struct {
	ReaderID   string
	Nonce      string
	ObservedAt time.Time
}

// Card maps a hashed tag UID to a stored balance.
type Card struct {
	TagHash     string    `json:"tag_hash"`
	Balance     float64   `json:"balance"`
	VehicleType string    `json:"vehicle_type"`
	TariffClass string    `json:"tariff_class"`
	LastSeen    time.Time `json:"last_seen"`
}

// Tariff is the per-vehicle-type toll amount.
type Tariff struct {
	VehicleType string  `json:"vehicle_type"`
	Amount      float64 `json:"amount"`
}

// Decision is the fused allow/block outcome for one event.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// DecisionRecord is the append-only audit row persisted for every decision.
type DecisionRecord struct {
	EventID       string    `json:"event_id"`
	ReaderID      string    `json:"reader_id"`
	TagHash       string    `json:"tag_hash"`
	Timestamp     int64     `json:"timestamp"`
	MLScoreA      *float64  `json:"ml_a"`
	MLScoreB      *float64  `json:"ml_b"`
	IsoFlag       int       `json:"iso_flag"`
	RuleFlags     []string  `json:"rule_flags"`
	TrustSnapshot int       `json:"trust_snapshot"`
	Decision      Decision  `json:"decision"`
	ReasonCodes   []string  `json:"reason_codes"`
	Amount        float64   `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// VdfLink is one link of the tamper-evident hash chain.
type VdfLink struct {
	Seq         uint64    `json:"seq"`
	EventID     string    `json:"event_id"`
	ReaderID    string    `json:"reader_id"`
	Timestamp   int64     `json:"timestamp"`
	PrevOutput  string    `json:"prev_output"`
	VdfInput    string    `json:"vdf_input"`
	VdfOutput   string    `json:"vdf_output"`
	Checkpoints []string  `json:"proof_checkpoints"`
	Difficulty  int       `json:"difficulty"`
	ComputedAt  time.Time `json:"computed_at"`
}

// AnchorStatus tracks one ledger submission lifecycle.
type AnchorStatus string

const (
	AnchorPending AnchorStatus = "PENDING"
	AnchorSent    AnchorStatus = "SENT"
	AnchorFailed  AnchorStatus = "FAILED"
)

// Anchor covers a contiguous range of VDF links with one Merkle root.
type Anchor struct {
	ID            int64        `json:"id"`
	SeqFrom       uint64       `json:"seq_from"`
	SeqTo         uint64       `json:"seq_to"`
	RootHash      string       `json:"root_hash"`
	LedgerReceipt string       `json:"ledger_receipt,omitempty"`
	Status        AnchorStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastAttempt   time.Time    `json:"last_attempt"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Quarantine records one enforced non-serving episode for a reader.
type Quarantine struct {
	ID               int64      `json:"id"`
	ReaderID         string     `json:"reader_id"`
	EnteredAt        time.Time  `json:"entered_at"`
	Severity         int        `json:"severity"` // 1..3
	TriggerViolation Violation  `json:"trigger_violation"`
	ScoreAtEntry     int        `json:"trust_score_at_entry"`
	ClearedAt        *time.Time `json:"cleared_at,omitempty"`
}

// ChallengeKind enumerates probation challenge types.
type ChallengeKind string

const (
	ChallengeKnownTag   ChallengeKind = "KNOWN_TAG"
	ChallengeTiming     ChallengeKind = "TIMING"
	ChallengeHashVerify ChallengeKind = "HASH_VERIFY"
)

// ProbationChallenge is one graduated recovery task issued to a
// quarantined reader.
type ProbationChallenge struct {
	ID                string        `json:"id"`
	ReaderID          string        `json:"reader_id"`
	QuarantineID      int64         `json:"quarantine_id"`
	Kind              ChallengeKind `json:"kind"`
	IssuedAt          time.Time     `json:"issued_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	AttemptsRemaining int           `json:"attempts_remaining"`
	Passed            *bool         `json:"passed,omitempty"`
	// Kind-specific material: the whitelisted tag hash, the server nonce,
	// or the bytes the reader must hash.
	ExpectedTagHash string `json:"expected_tag_hash,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	Payload         string `json:"payload,omitempty"`
}

// PeerVote is one restoration vote. Unique on (quarantine, voter).
type PeerVote struct {
	QuarantineID  int64     `json:"quarantine_id"`
	SubjectReader string    `json:"subject_reader_id"`
	VoterReader   string    `json:"voter_reader_id"`
	Vote          string    `json:"vote"` // APPROVE | REJECT
	CastAt        time.Time `json:"cast_at"`
}

// TagSuspicion elevates fraud sensitivity for a tag after its reader
// was quarantined.
type TagSuspicion struct {
	TagHash        string    `json:"tag_hash"`
	SourceReaderID string    `json:"source_reader_id"`
	Multiplier     float64   `json:"multiplier"`
	ExpiresAt      time.Time `json:"expires_at"`
}
