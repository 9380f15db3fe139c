package sdk

// Decision constants returned by the ingest pipeline
const (
	// DecisionAllow means the toll was charged and the vehicle may pass.
	DecisionAllow = "allow"

	// DecisionBlock means passage was refused and nothing was charged.
	DecisionBlock = "block"
)

// TollEvent is the signed submission a reader sends to the backend.
type TollEvent struct {
	// TagHash is the SHA-256 of the RFID tag UID
	TagHash string `json:"tag_hash"`

	// ReaderID identifies the submitting reader
	ReaderID string `json:"reader_id"`

	// Timestamp is the reader's Unix time at scan
	Timestamp int64 `json:"timestamp"`

	// Nonce is a single-use random value; the backend rejects reuse
	Nonce string `json:"nonce"`

	// Signature is the hex HMAC-SHA256 over the canonical event message
	Signature string `json:"signature"`

	// KeyVersion is the reader's current key generation
	KeyVersion int `json:"key_version"`
}

// TollResult is the backend's answer to one submission.
type TollResult struct {
	// Decision is "allow" or "block"
	Decision string `json:"decision"`

	// ReasonCodes explains a block (UNKNOWN_TAG, INSUFFICIENT_BALANCE, ...)
	ReasonCodes []string `json:"reason_codes,omitempty"`

	// TrustScore is the reader's score after this event
	TrustScore int `json:"trust_score"`

	// EventID is the server-assigned identifier of the logged decision
	EventID string `json:"event_id"`

	// VdfSeq is the event's position in the audit chain, when the
	// backend chains synchronously
	VdfSeq *uint64 `json:"vdf_seq,omitempty"`

	// Rejected is true when the submission never reached a decision;
	// ErrorCode and Detail carry the backend's rejection
	Rejected   bool   `json:"-"`
	ErrorCode  string `json:"-"`
	Detail     string `json:"-"`
	HTTPStatus int    `json:"-"`
}

// Card is the prepaid account snapshot from the card lookup endpoint.
type Card struct {
	TagHash     string  `json:"tag_hash"`
	Balance     float64 `json:"balance"`
	VehicleType string  `json:"vehicle_type"`
	TariffClass string  `json:"tariff_class"`
}

// ChallengeResult is the backend's evaluation of a probation response.
type ChallengeResult struct {
	Passed               bool `json:"passed"`
	AttemptsRemaining    int  `json:"attempts_remaining"`
	ChallengesLeft       int  `json:"challenges_left"`
	ReturnedToQuarantine bool `json:"returned_to_quarantine"`
}
