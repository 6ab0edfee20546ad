package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/watchmesh/backend/internal/core"
)

// Postgres implements every core store port on top of database/sql with the
// lib/pq driver. One *sql.DB is shared by all ports; per-entity atomicity
// comes from single-row statements and the ledger transaction in Credit.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the connection pool and verifies connectivity.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
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
	return &Postgres{db: db}, nil
}

// Ping verifies connectivity for the health endpoint.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close shuts down the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Schema is the DDL applied by cmd/verify-schema. The index set mirrors the
// read paths: checks by (target_id, ts DESC) for stats, incidents by
// (target_id, resolved_at) for the open-incident lookup, cooldowns by pair.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
    id                   TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    owner_email          TEXT NOT NULL DEFAULT '',
    name                 TEXT NOT NULL DEFAULT '',
    url                  TEXT NOT NULL,
    kind                 TEXT NOT NULL,
    interval_sec         INT  NOT NULL,
    timeout_ms           INT  NOT NULL,
    expected_status_code INT  NOT NULL DEFAULT 200,
    active               BOOLEAN NOT NULL DEFAULT TRUE,
    regions              TEXT[] NOT NULL,
    alert_threshold      INT  NOT NULL DEFAULT 3,
    recovery_threshold   INT  NOT NULL DEFAULT 1,
    alert_contacts       TEXT[] NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    version              BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS checks (
    id               TEXT PRIMARY KEY,
    target_id        TEXT NOT NULL,
    owner_id         TEXT NOT NULL,
    success          BOOLEAN NOT NULL,
    status_code      INT,
    response_time_ms BIGINT NOT NULL,
    error_kind       TEXT,
    error_message    TEXT,
    location         TEXT NOT NULL,
    loc_city         TEXT,
    loc_country      TEXT,
    loc_lat          DOUBLE PRECISION,
    loc_lon          DOUBLE PRECISION,
    loc_ip           TEXT,
    prober_id        TEXT,
    ts               TIMESTAMPTZ NOT NULL,
    payment_settled  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_checks_target_ts ON checks (target_id, ts DESC);

CREATE TABLE IF NOT EXISTS incidents (
    id             TEXT PRIMARY KEY,
    target_id      TEXT NOT NULL,
    start_check_id TEXT NOT NULL,
    end_check_id   TEXT,
    started_at     TIMESTAMPTZ NOT NULL,
    resolved_at    TIMESTAMPTZ,
    duration_ms    BIGINT,
    reason         TEXT NOT NULL,
    region         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_target_resolved ON incidents (target_id, resolved_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_open
    ON incidents (target_id) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS prober_wallets (
    prober_id           TEXT PRIMARY KEY,
    balance_minor_units BIGINT NOT NULL DEFAULT 0,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_ledger (
    check_id           TEXT PRIMARY KEY,
    prober_id          TEXT NOT NULL,
    amount_minor_units BIGINT NOT NULL,
    credited_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_prober ON wallet_ledger (prober_id, credited_at DESC);

CREATE TABLE IF NOT EXISTS cooldowns (
    prober_id         TEXT NOT NULL,
    target_id         TEXT NOT NULL,
    last_submitted_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (prober_id, target_id)
);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return core.E(core.Unavailable, "store.EnsureSchema", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// TargetStore
// ---------------------------------------------------------------------------

const targetColumns = `id, owner_id, owner_email, name, url, kind, interval_sec, timeout_ms,
	expected_status_code, active, regions, alert_threshold, recovery_threshold,
	alert_contacts, created_at, version`

func (p *Postgres) CreateTarget(ctx context.Context, t *core.Target) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO targets (`+targetColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.OwnerID, t.OwnerEmail, t.Name, t.URL, string(t.Kind), t.IntervalSec, t.TimeoutMs,
		t.ExpectedStatusCode, t.Active, pq.Array(t.Regions), t.AlertThreshold, t.RecoveryThreshold,
		pq.Array(t.AlertContacts), t.CreatedAt, t.Version)
	if err != nil {
		return core.E(core.Unavailable, "store.CreateTarget", err)
	}
	return nil
}

func (p *Postgres) scanTarget(row interface{ Scan(...interface{}) error }) (*core.Target, error) {
	var t core.Target
	var kind string
	var regions, contacts pq.StringArray
	err := row.Scan(&t.ID, &t.OwnerID, &t.OwnerEmail, &t.Name, &t.URL, &kind, &t.IntervalSec,
		&t.TimeoutMs, &t.ExpectedStatusCode, &t.Active, &regions, &t.AlertThreshold,
		&t.RecoveryThreshold, &contacts, &t.CreatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	t.Kind = core.TargetKind(kind)
	t.Regions = regions
	t.AlertContacts = contacts
	return &t, nil
}

func (p *Postgres) GetTarget(ctx context.Context, id string) (*core.Target, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := p.scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.NotFound, "store.GetTarget", "target %s not found", id)
	}
	if err != nil {
		return nil, core.E(core.Unavailable, "store.GetTarget", err)
	}
	return t, nil
}

func (p *Postgres) UpdateTarget(ctx context.Context, t *core.Target) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE targets SET owner_email=$2, name=$3, url=$4, kind=$5, interval_sec=$6,
			timeout_ms=$7, expected_status_code=$8, active=$9, regions=$10,
			alert_threshold=$11, recovery_threshold=$12, alert_contacts=$13, version=$14
		WHERE id = $1`,
		t.ID, t.OwnerEmail, t.Name, t.URL, string(t.Kind), t.IntervalSec, t.TimeoutMs,
		t.ExpectedStatusCode, t.Active, pq.Array(t.Regions), t.AlertThreshold,
		t.RecoveryThreshold, pq.Array(t.AlertContacts), t.Version)
	if err != nil {
		return core.E(core.Unavailable, "store.UpdateTarget", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Ef(core.NotFound, "store.UpdateTarget", "target %s not found", t.ID)
	}
	return nil
}

func (p *Postgres) DeleteTarget(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return core.E(core.Unavailable, "store.DeleteTarget", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Ef(core.NotFound, "store.DeleteTarget", "target %s not found", id)
	}
	return nil
}

func (p *Postgres) listTargets(ctx context.Context, where string, args ...interface{}) ([]*core.Target, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, core.E(core.Unavailable, "store.ListTargets", err)
	}
	defer rows.Close()

	var out []*core.Target
	for rows.Next() {
		t, err := p.scanTarget(rows)
		if err != nil {
			return nil, core.E(core.Internal, "store.ListTargets", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTargets(ctx context.Context, ownerID string) ([]*core.Target, error) {
	if ownerID == "" {
		return p.listTargets(ctx, "")
	}
	return p.listTargets(ctx, "WHERE owner_id = $1", ownerID)
}

func (p *Postgres) ListActiveTargets(ctx context.Context) ([]*core.Target, error) {
	return p.listTargets(ctx, "WHERE active")
}

// ---------------------------------------------------------------------------
// CheckStore
// ---------------------------------------------------------------------------

const checkColumns = `id, target_id, owner_id, success, status_code, response_time_ms,
	error_kind, error_message, location, loc_city, loc_country, loc_lat, loc_lon, loc_ip,
	prober_id, ts, payment_settled`

func (p *Postgres) SaveCheck(ctx context.Context, c *core.Check) error {
	var city, country, ip, proberID, errKind, errMsg sql.NullString
	var lat, lon sql.NullFloat64
	var statusCode sql.NullInt64
	if c.LocationInfo != nil {
		city = sql.NullString{String: c.LocationInfo.City, Valid: c.LocationInfo.City != ""}
		country = sql.NullString{String: c.LocationInfo.Country, Valid: c.LocationInfo.Country != ""}
		ip = sql.NullString{String: c.LocationInfo.IP, Valid: c.LocationInfo.IP != ""}
		lat = sql.NullFloat64{Float64: c.LocationInfo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: c.LocationInfo.Lon, Valid: true}
	}
	proberID = sql.NullString{String: c.ProberID, Valid: c.ProberID != ""}
	errKind = sql.NullString{String: c.ErrorKind, Valid: c.ErrorKind != ""}
	errMsg = sql.NullString{String: c.ErrorMessage, Valid: c.ErrorMessage != ""}
	statusCode = sql.NullInt64{Int64: int64(c.StatusCode), Valid: c.StatusCode != 0}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checks (`+checkColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, c.TargetID, c.OwnerID, c.Success, statusCode, c.ResponseTimeMs,
		errKind, errMsg, c.Location, city, country, lat, lon, ip, proberID,
		c.Timestamp, c.PaymentSettled)
	if err != nil {
		return core.E(core.Unavailable, "store.SaveCheck", err)
	}
	return nil
}

func (p *Postgres) scanCheck(row interface{ Scan(...interface{}) error }) (*core.Check, error) {
	var c core.Check
	var city, country, ip, proberID, errKind, errMsg sql.NullString
	var lat, lon sql.NullFloat64
	var statusCode sql.NullInt64
	err := row.Scan(&c.ID, &c.TargetID, &c.OwnerID, &c.Success, &statusCode, &c.ResponseTimeMs,
		&errKind, &errMsg, &c.Location, &city, &country, &lat, &lon, &ip, &proberID,
		&c.Timestamp, &c.PaymentSettled)
	if err != nil {
		return nil, err
	}
	c.StatusCode = int(statusCode.Int64)
	c.ErrorKind = errKind.String
	c.ErrorMessage = errMsg.String
	c.ProberID = proberID.String
	if city.Valid || country.Valid || ip.Valid || lat.Valid {
		c.LocationInfo = &core.LocationDetails{
			City: city.String, Country: country.String,
			Lat: lat.Float64, Lon: lon.Float64, IP: ip.String,
		}
	}
	return &c, nil
}

func (p *Postgres) GetCheck(ctx context.Context, id string) (*core.Check, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+checkColumns+` FROM checks WHERE id = $1`, id)
	c, err := p.scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.NotFound, "store.GetCheck", "check %s not found", id)
	}
	if err != nil {
		return nil, core.E(core.Unavailable, "store.GetCheck", err)
	}
	return c, nil
}

func (p *Postgres) ListChecks(ctx context.Context, targetID string, since time.Time) ([]*core.Check, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+checkColumns+` FROM checks
		WHERE target_id = $1 AND ts >= $2
		ORDER BY ts DESC`, targetID, since)
	if err != nil {
		return nil, core.E(core.Unavailable, "store.ListChecks", err)
	}
	defer rows.Close()

	var out []*core.Check
	for rows.Next() {
		c, err := p.scanCheck(rows)
		if err != nil {
			return nil, core.E(core.Internal, "store.ListChecks", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestCheck(ctx context.Context, targetID string) (*core.Check, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+checkColumns+` FROM checks
		WHERE target_id = $1 ORDER BY ts DESC LIMIT 1`, targetID)
	c, err := p.scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.NotFound, "store.LatestCheck", "no checks for target %s", targetID)
	}
	if err != nil {
		return nil, core.E(core.Unavailable, "store.LatestCheck", err)
	}
	return c, nil
}

func (p *Postgres) SettlePayment(ctx context.Context, checkID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE checks SET payment_settled = TRUE WHERE id = $1 AND NOT payment_settled`, checkID)
	if err != nil {
		return core.E(core.Unavailable, "store.SettlePayment", err)
	}
	return nil
}

func (p *Postgres) AnnotateOverrun(ctx context.Context, checkID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE checks
		SET error_message = error_kind || ': ' || COALESCE(error_message, ''), error_kind = $2
		WHERE id = $1 AND NOT success AND error_kind <> $2`, checkID, core.ErrKindOverrun)
	if err != nil {
		return core.E(core.Unavailable, "store.AnnotateOverrun", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// IncidentStore
// ---------------------------------------------------------------------------

const incidentColumns = `id, target_id, start_check_id, end_check_id, started_at, resolved_at, duration_ms, reason, region`

func (p *Postgres) OpenIncident(ctx context.Context, inc *core.Incident) error {
	// The partial unique index on (target_id) WHERE resolved_at IS NULL
	// enforces the at-most-one-open invariant at the store level.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO incidents (id, target_id, start_check_id, started_at, reason, region)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		inc.ID, inc.TargetID, inc.StartCheckID, inc.StartedAt, inc.Reason, inc.Region)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return core.Ef(core.Conflict, "store.OpenIncident",
				"target %s already has an open incident", inc.TargetID)
		}
		return core.E(core.Unavailable, "store.OpenIncident", err)
	}
	return nil
}

func (p *Postgres) ResolveIncident(ctx context.Context, inc *core.Incident) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE incidents SET end_check_id=$2, resolved_at=$3, duration_ms=$4
		WHERE id = $1 AND resolved_at IS NULL`,
		inc.ID, inc.EndCheckID, inc.ResolvedAt, inc.DurationMs)
	if err != nil {
		return core.E(core.Unavailable, "store.ResolveIncident", err)
	}
	return nil
}

func (p *Postgres) scanIncident(row interface{ Scan(...interface{}) error }) (*core.Incident, error) {
	var inc core.Incident
	var endCheck sql.NullString
	var resolvedAt sql.NullTime
	var durationMs sql.NullInt64
	err := row.Scan(&inc.ID, &inc.TargetID, &inc.StartCheckID, &endCheck, &inc.StartedAt,
		&resolvedAt, &durationMs, &inc.Reason, &inc.Region)
	if err != nil {
		return nil, err
	}
	inc.EndCheckID = endCheck.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	inc.DurationMs = durationMs.Int64
	return &inc, nil
}

func (p *Postgres) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := p.scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.NotFound, "store.GetIncident", "incident %s not found", id)
	}
	if err != nil {
		return nil, core.E(core.Unavailable, "store.GetIncident", err)
	}
	return inc, nil
}

func (p *Postgres) GetOpenIncident(ctx context.Context, targetID string) (*core.Incident, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE target_id = $1 AND resolved_at IS NULL`, targetID)
	inc, err := p.scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.E(core.Unavailable, "store.GetOpenIncident", err)
	}
	return inc, nil
}

func (p *Postgres) ListIncidents(ctx context.Context, targetID string, limit int) ([]*core.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents `
	var args []interface{}
	if targetID != "" {
		query += `WHERE target_id = $1 `
		args = append(args, targetID)
	}
	query += `ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.E(core.Unavailable, "store.ListIncidents", err)
	}
	defer rows.Close()

	var out []*core.Incident
	for rows.Next() {
		inc, err := p.scanIncident(rows)
		if err != nil {
			return nil, core.E(core.Internal, "store.ListIncidents", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// WalletStore
// ---------------------------------------------------------------------------

func (p *Postgres) Credit(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, core.E(core.Unavailable, "store.Credit", err)
	}
	defer tx.Rollback()

	// Ledger insert first: the check_id primary key makes redelivery a no-op.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ledger (check_id, prober_id, amount_minor_units, credited_at)
		VALUES ($1,$2,$3,$4) ON CONFLICT (check_id) DO NOTHING`,
		entry.CheckID, entry.ProberID, entry.AmountMinorUnits, entry.CreditedAt)
	if err != nil {
		return false, core.E(core.Unavailable, "store.Credit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prober_wallets (prober_id, balance_minor_units, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (prober_id) DO UPDATE
		SET balance_minor_units = prober_wallets.balance_minor_units + EXCLUDED.balance_minor_units,
		    updated_at = EXCLUDED.updated_at`,
		entry.ProberID, entry.AmountMinorUnits, entry.CreditedAt)
	if err != nil {
		return false, core.E(core.Unavailable, "store.Credit", err)
	}

	if err := tx.Commit(); err != nil {
		return false, core.E(core.Unavailable, "store.Credit", err)
	}
	return true, nil
}

func (p *Postgres) GetWallet(ctx context.Context, proberID string) (*core.ProberWallet, error) {
	var w core.ProberWallet
	err := p.db.QueryRowContext(ctx, `
		SELECT prober_id, balance_minor_units, updated_at
		FROM prober_wallets WHERE prober_id = $1`, proberID).
		Scan(&w.ProberID, &w.BalanceMinorUnits, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.NotFound, "store.GetWallet", "wallet for prober %s not found", proberID)
	}
	if err != nil {
		return nil, core.E(core.Unavailable, "store.GetWallet", err)
	}
	return &w, nil
}

func (p *Postgres) ListLedger(ctx context.Context, proberID string, limit int) ([]*core.LedgerEntry, error) {
	query := `SELECT check_id, prober_id, amount_minor_units, credited_at
		FROM wallet_ledger WHERE prober_id = $1 ORDER BY credited_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, proberID)
	if err != nil {
		return nil, core.E(core.Unavailable, "store.ListLedger", err)
	}
	defer rows.Close()

	var out []*core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		if err := rows.Scan(&e.CheckID, &e.ProberID, &e.AmountMinorUnits, &e.CreditedAt); err != nil {
			return nil, core.E(core.Internal, "store.ListLedger", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// CooldownStore
// ---------------------------------------------------------------------------

func (p *Postgres) LastSubmitted(ctx context.Context, proberID, targetID string) (time.Time, bool, error) {
	var at time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT last_submitted_at FROM cooldowns
		WHERE prober_id = $1 AND target_id = $2`, proberID, targetID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, core.E(core.Unavailable, "store.LastSubmitted", err)
	}
	return at, true, nil
}

func (p *Postgres) Stamp(ctx context.Context, proberID, targetID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cooldowns (prober_id, target_id, last_submitted_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (prober_id, target_id) DO UPDATE SET last_submitted_at = EXCLUDED.last_submitted_at`,
		proberID, targetID, at)
	if err != nil {
		return core.E(core.Unavailable, "store.Stamp", err)
	}
	return nil
}
