// Package ingest authenticates inbound toll events and drives one
// accepted event through fraud detection, balance deduction, trust
// feedback, the decision log and the VDF chain.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/core"
	"github.com/htms/backend/internal/cryptoutil"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/registry"
	"github.com/htms/backend/internal/store"
)

// RejectCode identifies why a submission was refused.
type RejectCode string

const (
	RejectUnknownReader   RejectCode = "UNKNOWN_READER"
	RejectBadKeyVersion   RejectCode = "BAD_KEY_VERSION"
	RejectBadSignature    RejectCode = "BAD_SIGNATURE"
	RejectStaleTimestamp  RejectCode = "STALE_TIMESTAMP"
	RejectReplay          RejectCode = "REPLAY"
	RejectRateLimited     RejectCode = "RATE_LIMITED"
	RejectReaderSuspended RejectCode = "READER_SUSPENDED"
)

// Rejection is a refused submission. Violation names the trust class
// charged for the failure; it is empty when no penalty applies (unknown
// reader, already-suspended reader).
type Rejection struct {
	Code      RejectCode
	Detail    string
	Violation core.Violation
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Verifier runs the ordered authentication checks for one toll event.
// Failures terminate the sequence; the nonce is committed only after
// every check passes.
type Verifier struct {
	policy   *config.Manager
	registry *registry.Registry
	nonces   nonce.Ledger
}

func NewVerifier(policy *config.Manager, reg *registry.Registry, nonces nonce.Ledger) *Verifier {
	return &Verifier{policy: policy, registry: reg, nonces: nonces}
}

// Verify authenticates ev. It returns the reader snapshot on acceptance,
// a Rejection on refusal, or an infrastructure error. The caller must
// hold the reader's logical lock.
func (v *Verifier) Verify(ctx context.Context, ev *core.TollEvent, now time.Time) (*core.Reader, *Rejection, error) {
	cfg := v.policy.Get().Ingest

	reader, err := v.registry.Get(ctx, ev.ReaderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Rejection{
			Code:   RejectUnknownReader,
			Detail: fmt.Sprintf("reader %q is not registered", ev.ReaderID),
		}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if ev.KeyVersion < reader.KeyVersion {
		return nil, &Rejection{
			Code:      RejectBadKeyVersion,
			Detail:    fmt.Sprintf("key version %d superseded by %d", ev.KeyVersion, reader.KeyVersion),
			Violation: core.ViolationBadKeyVersion,
		}, nil
	}

	expected := cryptoutil.SignEvent(reader.Secret, ev.TagHash, ev.ReaderID, ev.Timestamp, ev.Nonce)
	if !cryptoutil.ConstantTimeEqual(expected, ev.Signature) {
		return nil, &Rejection{
			Code:      RejectBadSignature,
			Detail:    "signature verification failed",
			Violation: core.ViolationBadSignature,
		}, nil
	}

	// Drift exactly at the bound is accepted.
	drift := now.Unix() - ev.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > cfg.MaxDriftSeconds {
		return nil, &Rejection{
			Code:      RejectStaleTimestamp,
			Detail:    fmt.Sprintf("timestamp drift %ds exceeds %ds", drift, cfg.MaxDriftSeconds),
			Violation: core.ViolationStaleTimestamp,
		}, nil
	}

	seen, err := v.nonces.Seen(ctx, ev.ReaderID, ev.Nonce, now)
	if err != nil {
		return nil, nil, err
	}
	if seen {
		return nil, &Rejection{
			Code:      RejectReplay,
			Detail:    "nonce already observed",
			Violation: core.ViolationReplay,
		}, nil
	}

	if !v.registry.Allow(ev.ReaderID) {
		return nil, &Rejection{
			Code:      RejectRateLimited,
			Detail:    "reader submission rate exceeded",
			Violation: core.ViolationRateLimited,
		}, nil
	}

	if !reader.Status.Serving() {
		return nil, &Rejection{
			Code:   RejectReaderSuspended,
			Detail: fmt.Sprintf("reader is %s", reader.Status),
		}, nil
	}

	// Full acceptance: commit the nonce. A lost race is a replay.
	ok, err := v.nonces.Remember(ctx, ev.ReaderID, ev.Nonce, now)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, &Rejection{
			Code:      RejectReplay,
			Detail:    "nonce already observed",
			Violation: core.ViolationReplay,
		}, nil
	}
	return reader, nil, nil
}
