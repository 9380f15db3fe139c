package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/htms/backend/internal/core"
)

// Postgres implements Store on a relational database via lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the pool for collaborators that share the database, such
// as the durable nonce ledger.
func (p *Postgres) DB() *sql.DB { return p.db }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS readers (
		reader_id TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		key_version INT NOT NULL,
		trust_score INT NOT NULL,
		status TEXT NOT NULL,
		last_violation_at TIMESTAMPTZ,
		last_trust_update_at TIMESTAMPTZ,
		auth_failures INT NOT NULL DEFAULT 0,
		replay_attempts INT NOT NULL DEFAULT 0,
		consecutive_successes INT NOT NULL DEFAULT 0,
		registered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nonces (
		reader_id TEXT NOT NULL,
		nonce TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (reader_id, nonce)
	)`,
	`CREATE TABLE IF NOT EXISTS cards (
		tag_hash TEXT PRIMARY KEY,
		balance DOUBLE PRECISION NOT NULL,
		vehicle_type TEXT NOT NULL,
		tariff_class TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS tariffs (
		vehicle_type TEXT PRIMARY KEY,
		amount DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		event_id TEXT PRIMARY KEY,
		reader_id TEXT NOT NULL,
		tag_hash TEXT NOT NULL,
		event_ts BIGINT NOT NULL,
		ml_a DOUBLE PRECISION,
		ml_b DOUBLE PRECISION,
		iso_flag INT NOT NULL DEFAULT 0,
		rule_flags TEXT[] NOT NULL DEFAULT '{}',
		trust_snapshot INT NOT NULL,
		decision TEXT NOT NULL,
		reason_codes TEXT[] NOT NULL DEFAULT '{}',
		amount DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS decisions_reader_created_idx
		ON decisions (reader_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS vdf_links (
		seq BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL,
		reader_id TEXT NOT NULL,
		event_ts BIGINT NOT NULL,
		prev_output TEXT NOT NULL,
		vdf_input TEXT NOT NULL,
		vdf_output TEXT NOT NULL,
		checkpoints TEXT[] NOT NULL DEFAULT '{}',
		difficulty INT NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS vdf_links_event_idx ON vdf_links (event_id)`,
	`CREATE TABLE IF NOT EXISTS anchors (
		id BIGSERIAL PRIMARY KEY,
		seq_from BIGINT NOT NULL,
		seq_to BIGINT NOT NULL,
		root_hash TEXT NOT NULL,
		ledger_receipt TEXT,
		status TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_attempt TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quarantines (
		id BIGSERIAL PRIMARY KEY,
		reader_id TEXT NOT NULL,
		entered_at TIMESTAMPTZ NOT NULL,
		severity INT NOT NULL,
		trigger_violation TEXT NOT NULL,
		score_at_entry INT NOT NULL,
		cleared_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS challenges (
		id TEXT PRIMARY KEY,
		reader_id TEXT NOT NULL,
		quarantine_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		attempts_remaining INT NOT NULL,
		passed BOOLEAN,
		expected_tag_hash TEXT,
		nonce TEXT,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS peer_votes (
		quarantine_id BIGINT NOT NULL,
		subject_reader TEXT NOT NULL,
		voter_reader TEXT NOT NULL,
		vote TEXT NOT NULL,
		cast_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (quarantine_id, voter_reader)
	)`,
	`CREATE TABLE IF NOT EXISTS tag_suspicions (
		tag_hash TEXT NOT NULL,
		source_reader_id TEXT NOT NULL,
		multiplier DOUBLE PRECISION NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tag_hash, source_reader_id)
	)`,
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---- readers ----

func (p *Postgres) CreateReader(ctx context.Context, r *core.Reader) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO readers (reader_id, secret, key_version, trust_score, status,
			last_violation_at, last_trust_update_at, auth_failures, replay_attempts,
			consecutive_successes, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ReaderID, hex.EncodeToString(r.Secret), r.KeyVersion, r.TrustScore, r.Status,
		nullTime(r.LastViolationAt), nullTime(r.LastTrustUpdateAt),
		r.AuthFailures, r.ReplayAttempts, r.ConsecutiveSuccesses, r.RegisteredAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetReader(ctx context.Context, readerID string) (*core.Reader, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT reader_id, secret, key_version, trust_score, status,
			last_violation_at, last_trust_update_at, auth_failures,
			replay_attempts, consecutive_successes, registered_at
		FROM readers WHERE reader_id = $1`, readerID)
	return scanReader(row)
}

func (p *Postgres) UpdateReader(ctx context.Context, r *core.Reader) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE readers SET secret=$2, key_version=$3, trust_score=$4, status=$5,
			last_violation_at=$6, last_trust_update_at=$7, auth_failures=$8,
			replay_attempts=$9, consecutive_successes=$10
		WHERE reader_id=$1`,
		r.ReaderID, hex.EncodeToString(r.Secret), r.KeyVersion, r.TrustScore, r.Status,
		nullTime(r.LastViolationAt), nullTime(r.LastTrustUpdateAt),
		r.AuthFailures, r.ReplayAttempts, r.ConsecutiveSuccesses)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListReaders(ctx context.Context) ([]*core.Reader, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT reader_id, secret, key_version, trust_score, status,
			last_violation_at, last_trust_update_at, auth_failures,
			replay_attempts, consecutive_successes, registered_at
		FROM readers ORDER BY reader_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Reader
	for rows.Next() {
		r, err := scanReader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReader(row rowScanner) (*core.Reader, error) {
	var r core.Reader
	var secretHex string
	var lastViolation, lastUpdate sql.NullTime
	err := row.Scan(&r.ReaderID, &secretHex, &r.KeyVersion, &r.TrustScore, &r.Status,
		&lastViolation, &lastUpdate, &r.AuthFailures, &r.ReplayAttempts,
		&r.ConsecutiveSuccesses, &r.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Secret, err = hex.DecodeString(secretHex); err != nil {
		return nil, fmt.Errorf("corrupt reader secret for %s: %w", r.ReaderID, err)
	}
	r.LastViolationAt = lastViolation.Time
	r.LastTrustUpdateAt = lastUpdate.Time
	return &r, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// ---- cards & tariffs ----

func (p *Postgres) GetCard(ctx context.Context, tagHash string) (*core.Card, error) {
	var c core.Card
	var lastSeen sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT tag_hash, balance, vehicle_type, tariff_class, last_seen
		FROM cards WHERE tag_hash = $1`, tagHash).
		Scan(&c.TagHash, &c.Balance, &c.VehicleType, &c.TariffClass, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastSeen = lastSeen.Time
	return &c, nil
}

func (p *Postgres) ListCards(ctx context.Context, limit int) ([]*core.Card, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT tag_hash, balance, vehicle_type, tariff_class, last_seen
		FROM cards ORDER BY tag_hash LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Card
	for rows.Next() {
		var c core.Card
		var lastSeen sql.NullTime
		if err := rows.Scan(&c.TagHash, &c.Balance, &c.VehicleType, &c.TariffClass, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = lastSeen.Time
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertCard(ctx context.Context, c *core.Card) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cards (tag_hash, balance, vehicle_type, tariff_class, last_seen)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tag_hash) DO UPDATE SET
			balance=EXCLUDED.balance, vehicle_type=EXCLUDED.vehicle_type,
			tariff_class=EXCLUDED.tariff_class, last_seen=EXCLUDED.last_seen`,
		c.TagHash, c.Balance, c.VehicleType, c.TariffClass, nullTime(c.LastSeen))
	return err
}

func (p *Postgres) UpdateCardBalance(ctx context.Context, tagHash string, balance float64, lastSeen time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE cards SET balance=$2, last_seen=$3 WHERE tag_hash=$1`,
		tagHash, balance, lastSeen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetTariff(ctx context.Context, vehicleType string) (*core.Tariff, error) {
	var t core.Tariff
	err := p.db.QueryRowContext(ctx,
		`SELECT vehicle_type, amount FROM tariffs WHERE vehicle_type=$1`, vehicleType).
		Scan(&t.VehicleType, &t.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func (p *Postgres) UpsertTariff(ctx context.Context, t *core.Tariff) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tariffs (vehicle_type, amount) VALUES ($1,$2)
		ON CONFLICT (vehicle_type) DO UPDATE SET amount=EXCLUDED.amount`,
		t.VehicleType, t.Amount)
	return err
}

// ---- decisions ----

func (p *Postgres) AppendDecision(ctx context.Context, d *core.DecisionRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO decisions (event_id, reader_id, tag_hash, event_ts, ml_a, ml_b,
			iso_flag, rule_flags, trust_snapshot, decision, reason_codes, amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.EventID, d.ReaderID, d.TagHash, d.Timestamp,
		nullFloat(d.MLScoreA), nullFloat(d.MLScoreB), d.IsoFlag,
		pq.Array(d.RuleFlags), d.TrustSnapshot, d.Decision,
		pq.Array(d.ReasonCodes), d.Amount, d.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func (p *Postgres) GetDecision(ctx context.Context, eventID string) (*core.DecisionRecord, error) {
	row := p.db.QueryRowContext(ctx, decisionSelect+` WHERE event_id=$1`, eventID)
	return scanDecision(row)
}

const decisionSelect = `
	SELECT event_id, reader_id, tag_hash, event_ts, ml_a, ml_b, iso_flag,
		rule_flags, trust_snapshot, decision, reason_codes, amount, created_at
	FROM decisions`

func scanDecision(row rowScanner) (*core.DecisionRecord, error) {
	var d core.DecisionRecord
	var mlA, mlB sql.NullFloat64
	var ruleFlags, reasonCodes pq.StringArray
	err := row.Scan(&d.EventID, &d.ReaderID, &d.TagHash, &d.Timestamp, &mlA, &mlB,
		&d.IsoFlag, &ruleFlags, &d.TrustSnapshot, &d.Decision, &reasonCodes,
		&d.Amount, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if mlA.Valid {
		d.MLScoreA = &mlA.Float64
	}
	if mlB.Valid {
		d.MLScoreB = &mlB.Float64
	}
	d.RuleFlags = []string(ruleFlags)
	d.ReasonCodes = []string(reasonCodes)
	return &d, nil
}

func (p *Postgres) ListDecisions(ctx context.Context, readerID string, limit int) ([]*core.DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if readerID == "" {
		rows, err = p.db.QueryContext(ctx,
			decisionSelect+` ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			decisionSelect+` WHERE reader_id=$1 ORDER BY created_at DESC LIMIT $2`,
			readerID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func (p *Postgres) ListUnchainedDecisions(ctx context.Context, limit int) ([]*core.DecisionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, decisionSelect+`
		WHERE NOT EXISTS (SELECT 1 FROM vdf_links v WHERE v.event_id = decisions.event_id)
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func collectDecisions(rows *sql.Rows) ([]*core.DecisionRecord, error) {
	var out []*core.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) CountDecisionsByReaderSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT reader_id, COUNT(*) FROM decisions
		WHERE created_at >= $1 GROUP BY reader_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) DistinctTagsSeenBy(ctx context.Context, readerID string, since time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT tag_hash FROM decisions
		WHERE reader_id=$1 AND created_at >= $2`, readerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// ---- vdf chain ----

func (p *Postgres) AppendLink(ctx context.Context, l *core.VdfLink) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vdf_links (seq, event_id, reader_id, event_ts, prev_output,
			vdf_input, vdf_output, checkpoints, difficulty, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.Seq, l.EventID, l.ReaderID, l.Timestamp, l.PrevOutput,
		l.VdfInput, l.VdfOutput, pq.Array(l.Checkpoints), l.Difficulty, l.ComputedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const linkSelect = `
	SELECT seq, event_id, reader_id, event_ts, prev_output, vdf_input,
		vdf_output, checkpoints, difficulty, computed_at
	FROM vdf_links`

func scanLink(row rowScanner) (*core.VdfLink, error) {
	var l core.VdfLink
	var checkpoints pq.StringArray
	err := row.Scan(&l.Seq, &l.EventID, &l.ReaderID, &l.Timestamp, &l.PrevOutput,
		&l.VdfInput, &l.VdfOutput, &checkpoints, &l.Difficulty, &l.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Checkpoints = []string(checkpoints)
	return &l, nil
}

func (p *Postgres) HeadLink(ctx context.Context) (*core.VdfLink, error) {
	return scanLink(p.db.QueryRowContext(ctx, linkSelect+` ORDER BY seq DESC LIMIT 1`))
}

func (p *Postgres) GetLink(ctx context.Context, seq uint64) (*core.VdfLink, error) {
	return scanLink(p.db.QueryRowContext(ctx, linkSelect+` WHERE seq=$1`, seq))
}

func (p *Postgres) GetLinkByEvent(ctx context.Context, eventID string) (*core.VdfLink, error) {
	return scanLink(p.db.QueryRowContext(ctx, linkSelect+` WHERE event_id=$1`, eventID))
}

func (p *Postgres) ListLinks(ctx context.Context, from, to uint64) ([]*core.VdfLink, error) {
	rows, err := p.db.QueryContext(ctx,
		linkSelect+` WHERE seq >= $1 AND seq <= $2 ORDER BY seq`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.VdfLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) CountLinks(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vdf_links`).Scan(&n)
	return n, err
}

// ---- anchors ----

func (p *Postgres) CreateAnchor(ctx context.Context, a *core.Anchor) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO anchors (seq_from, seq_to, root_hash, ledger_receipt, status,
			attempts, last_attempt, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		a.SeqFrom, a.SeqTo, a.RootHash, nullString(a.LedgerReceipt), a.Status,
		a.Attempts, nullTime(a.LastAttempt), a.CreatedAt).Scan(&a.ID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *Postgres) UpdateAnchor(ctx context.Context, a *core.Anchor) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE anchors SET ledger_receipt=$2, status=$3, attempts=$4, last_attempt=$5
		WHERE id=$1`,
		a.ID, nullString(a.LedgerReceipt), a.Status, a.Attempts, nullTime(a.LastAttempt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const anchorSelect = `
	SELECT id, seq_from, seq_to, root_hash, ledger_receipt, status, attempts,
		last_attempt, created_at
	FROM anchors`

func scanAnchor(row rowScanner) (*core.Anchor, error) {
	var a core.Anchor
	var receipt sql.NullString
	var lastAttempt sql.NullTime
	err := row.Scan(&a.ID, &a.SeqFrom, &a.SeqTo, &a.RootHash, &receipt, &a.Status,
		&a.Attempts, &lastAttempt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.LedgerReceipt = receipt.String
	a.LastAttempt = lastAttempt.Time
	return &a, nil
}

func (p *Postgres) GetAnchor(ctx context.Context, id int64) (*core.Anchor, error) {
	return scanAnchor(p.db.QueryRowContext(ctx, anchorSelect+` WHERE id=$1`, id))
}

func (p *Postgres) ListAnchorsByStatus(ctx context.Context, status core.AnchorStatus) ([]*core.Anchor, error) {
	rows, err := p.db.QueryContext(ctx, anchorSelect+` WHERE status=$1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestAnchor(ctx context.Context) (*core.Anchor, error) {
	return scanAnchor(p.db.QueryRowContext(ctx, anchorSelect+` ORDER BY id DESC LIMIT 1`))
}

// ---- quarantine / probation / consensus ----

func (p *Postgres) CreateQuarantine(ctx context.Context, q *core.Quarantine) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO quarantines (reader_id, entered_at, severity, trigger_violation,
			score_at_entry, cleared_at)
		VALUES ($1,$2,$3,$4,$5,NULL) RETURNING id`,
		q.ReaderID, q.EnteredAt, q.Severity, q.TriggerViolation, q.ScoreAtEntry).Scan(&q.ID)
}

func (p *Postgres) UpdateQuarantine(ctx context.Context, q *core.Quarantine) error {
	var cleared sql.NullTime
	if q.ClearedAt != nil {
		cleared = sql.NullTime{Time: *q.ClearedAt, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE quarantines SET severity=$2, cleared_at=$3 WHERE id=$1`,
		q.ID, q.Severity, cleared)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const quarantineSelect = `
	SELECT id, reader_id, entered_at, severity, trigger_violation, score_at_entry, cleared_at
	FROM quarantines`

func scanQuarantine(row rowScanner) (*core.Quarantine, error) {
	var q core.Quarantine
	var cleared sql.NullTime
	err := row.Scan(&q.ID, &q.ReaderID, &q.EnteredAt, &q.Severity,
		&q.TriggerViolation, &q.ScoreAtEntry, &cleared)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if cleared.Valid {
		q.ClearedAt = &cleared.Time
	}
	return &q, nil
}

func (p *Postgres) GetQuarantine(ctx context.Context, id int64) (*core.Quarantine, error) {
	return scanQuarantine(p.db.QueryRowContext(ctx, quarantineSelect+` WHERE id=$1`, id))
}

func (p *Postgres) ActiveQuarantine(ctx context.Context, readerID string) (*core.Quarantine, error) {
	return scanQuarantine(p.db.QueryRowContext(ctx, quarantineSelect+`
		WHERE reader_id=$1 AND cleared_at IS NULL ORDER BY id DESC LIMIT 1`, readerID))
}

func (p *Postgres) ListActiveQuarantines(ctx context.Context) ([]*core.Quarantine, error) {
	rows, err := p.db.QueryContext(ctx, quarantineSelect+` WHERE cleared_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Quarantine
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateChallenge(ctx context.Context, c *core.ProbationChallenge) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO challenges (id, reader_id, quarantine_id, kind, issued_at,
			expires_at, attempts_remaining, passed, expected_tag_hash, nonce, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.ReaderID, c.QuarantineID, c.Kind, c.IssuedAt, c.ExpiresAt,
		c.AttemptsRemaining, nullBool(c.Passed),
		nullString(c.ExpectedTagHash), nullString(c.Nonce), nullString(c.Payload))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func (p *Postgres) UpdateChallenge(ctx context.Context, c *core.ProbationChallenge) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE challenges SET attempts_remaining=$2, passed=$3 WHERE id=$1`,
		c.ID, c.AttemptsRemaining, nullBool(c.Passed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const challengeSelect = `
	SELECT id, reader_id, quarantine_id, kind, issued_at, expires_at,
		attempts_remaining, passed, expected_tag_hash, nonce, payload
	FROM challenges`

func scanChallenge(row rowScanner) (*core.ProbationChallenge, error) {
	var c core.ProbationChallenge
	var passed sql.NullBool
	var tag, nonce, payload sql.NullString
	err := row.Scan(&c.ID, &c.ReaderID, &c.QuarantineID, &c.Kind, &c.IssuedAt,
		&c.ExpiresAt, &c.AttemptsRemaining, &passed, &tag, &nonce, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if passed.Valid {
		c.Passed = &passed.Bool
	}
	c.ExpectedTagHash = tag.String
	c.Nonce = nonce.String
	c.Payload = payload.String
	return &c, nil
}

func (p *Postgres) GetChallenge(ctx context.Context, id string) (*core.ProbationChallenge, error) {
	return scanChallenge(p.db.QueryRowContext(ctx, challengeSelect+` WHERE id=$1`, id))
}

func (p *Postgres) ListChallenges(ctx context.Context, quarantineID int64) ([]*core.ProbationChallenge, error) {
	rows, err := p.db.QueryContext(ctx,
		challengeSelect+` WHERE quarantine_id=$1 ORDER BY id`, quarantineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ProbationChallenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertVote(ctx context.Context, v *core.PeerVote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO peer_votes (quarantine_id, subject_reader, voter_reader, vote, cast_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (quarantine_id, voter_reader)
			DO UPDATE SET vote=EXCLUDED.vote, cast_at=EXCLUDED.cast_at`,
		v.QuarantineID, v.SubjectReader, v.VoterReader, v.Vote, v.CastAt)
	return err
}

func (p *Postgres) ListVotes(ctx context.Context, quarantineID int64) ([]*core.PeerVote, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT quarantine_id, subject_reader, voter_reader, vote, cast_at
		FROM peer_votes WHERE quarantine_id=$1 ORDER BY voter_reader`, quarantineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.PeerVote
	for rows.Next() {
		var v core.PeerVote
		if err := rows.Scan(&v.QuarantineID, &v.SubjectReader, &v.VoterReader,
			&v.Vote, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ---- tag suspicion ----

func (p *Postgres) UpsertSuspicion(ctx context.Context, s *core.TagSuspicion) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tag_suspicions (tag_hash, source_reader_id, multiplier, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tag_hash, source_reader_id)
			DO UPDATE SET multiplier=EXCLUDED.multiplier, expires_at=EXCLUDED.expires_at`,
		s.TagHash, s.SourceReaderID, s.Multiplier, s.ExpiresAt)
	return err
}

func (p *Postgres) MaxSuspicion(ctx context.Context, tagHash string, now time.Time) (float64, error) {
	var max sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(multiplier) FROM tag_suspicions
		WHERE tag_hash=$1 AND expires_at > $2`, tagHash, now).Scan(&max)
	if err != nil {
		return 1.0, err
	}
	if !max.Valid {
		return 1.0, nil
	}
	return max.Float64, nil
}

func (p *Postgres) DeleteExpiredSuspicions(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM tag_suspicions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) DeleteSuspicionsBySource(ctx context.Context, readerID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM tag_suspicions WHERE source_reader_id=$1`, readerID)
	return err
}
