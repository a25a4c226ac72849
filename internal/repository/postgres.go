package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/habitusnet/llmgateway/internal/domain"
)

// Schema creates the policy table PostgresPolicySource reads.
const Schema = `
CREATE TABLE IF NOT EXISTS tenant_policies (
	tenant_id           TEXT PRIMARY KEY,
	tier                TEXT NOT NULL DEFAULT 'standard',
	allowed_providers   TEXT[] NOT NULL DEFAULT '{}',
	allowed_models      TEXT[] NOT NULL DEFAULT '{}',
	requests_per_window INTEGER NOT NULL DEFAULT 0,
	window_seconds      INTEGER NOT NULL DEFAULT 60,
	burst               INTEGER NOT NULL DEFAULT 0,
	enabled             BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type PostgresPolicySource struct {
	db *sql.DB
}

func NewPostgresPolicySource(db *sql.DB) *PostgresPolicySource {
	return &PostgresPolicySource{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (r *PostgresPolicySource) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create tenant_policies: %w", err)
	}
	return nil
}

// Get treats a disabled tenant the same as an unknown one.
func (r *PostgresPolicySource) Get(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	query := `
		SELECT tenant_id, tier, allowed_providers, allowed_models,
		       requests_per_window, window_seconds, burst
		FROM tenant_policies
		WHERE tenant_id = $1 AND enabled = true
	`

	var p domain.TenantPolicy
	var tier string
	var providers, models pq.StringArray

	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&p.TenantID,
		&tier,
		&providers,
		&models,
		&p.RateLimit.RequestsPerWindow,
		&p.RateLimit.WindowSeconds,
		&p.RateLimit.Burst,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant policy: %w", err)
	}

	p.Tier = domain.Tier(tier)
	p.AllowedProviders = []string(providers)
	p.AllowedModels = []string(models)
	if err := validatePolicy(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Put inserts or replaces a tenant's policy.
func (r *PostgresPolicySource) Put(ctx context.Context, p *domain.TenantPolicy) error {
	c := clonePolicy(p)
	if err := validatePolicy(c); err != nil {
		return err
	}

	query := `
		INSERT INTO tenant_policies (tenant_id, tier, allowed_providers, allowed_models,
		                             requests_per_window, window_seconds, burst, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)
		ON CONFLICT (tenant_id) DO UPDATE
		SET tier = EXCLUDED.tier, allowed_providers = EXCLUDED.allowed_providers,
		    allowed_models = EXCLUDED.allowed_models, requests_per_window = EXCLUDED.requests_per_window,
		    window_seconds = EXCLUDED.window_seconds, burst = EXCLUDED.burst,
		    enabled = true, updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		c.TenantID,
		string(c.Tier),
		pq.Array(c.AllowedProviders),
		pq.Array(c.AllowedModels),
		c.RateLimit.RequestsPerWindow,
		c.RateLimit.WindowSeconds,
		c.RateLimit.Burst,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert tenant policy: %w", err)
	}
	return nil
}

// Disable keeps the row but makes Get report the tenant as unknown.
func (r *PostgresPolicySource) Disable(ctx context.Context, tenantID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tenant_policies SET enabled = false, updated_at = $2 WHERE tenant_id = $1`,
		tenantID, time.Now())
	if err != nil {
		return fmt.Errorf("disable tenant policy: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

func (r *PostgresPolicySource) Delete(ctx context.Context, tenantID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tenant_policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant policy: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

func (r *PostgresPolicySource) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
