package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradebench/broker-auth/internal/audit"
	"github.com/tradebench/broker-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ConfigRepository = (*PostgresConfigRepo)(nil)
	_ TokenRepository  = (*PostgresTokenRepo)(nil)
	_ audit.Repository = (*PostgresAuditRepo)(nil)
)

// PostgresConfigRepo implements ConfigRepository on pgx.
type PostgresConfigRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresConfigRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresConfigRepo {
	return &PostgresConfigRepo{db: pool, node: node}
}

const configColumns = `id, user_id, broker_name, api_key, encrypted_api_secret,
connection_state, connection_message, last_checked, session_status, needs_reauth,
last_sync, last_token_refresh, last_status_check, created_at, updated_at`

const insertConfigSQL = `INSERT INTO broker_configs
(id, user_id, broker_name, api_key, encrypted_api_secret, connection_state, connection_message, last_checked, session_status, needs_reauth)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + configColumns

func (r *PostgresConfigRepo) Create(ctx context.Context, cfg domain.BrokerConfig) (domain.BrokerConfig, error) {
	row := r.db.QueryRow(ctx, insertConfigSQL,
		r.node.Generate().Int64(),
		cfg.UserID,
		cfg.BrokerName,
		cfg.APIKey,
		cfg.EncryptedAPISecret,
		string(cfg.ConnectionStatus.State),
		cfg.ConnectionStatus.Message,
		cfg.ConnectionStatus.LastChecked,
		cfg.SessionStatus,
		cfg.NeedsReauth,
	)
	created, err := scanConfig(row)
	if err != nil {
		return domain.BrokerConfig{}, fmt.Errorf("create config: %w", err)
	}
	return created, nil
}

func (r *PostgresConfigRepo) GetByID(ctx context.Context, id int64) (domain.BrokerConfig, error) {
	row := r.db.QueryRow(ctx, `SELECT `+configColumns+` FROM broker_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrokerConfig{}, fmt.Errorf("config %d: %w", id, domain.ErrNotFound)
		}
		return domain.BrokerConfig{}, fmt.Errorf("get config: %w", err)
	}
	return cfg, nil
}

func (r *PostgresConfigRepo) GetByUserAndBroker(ctx context.Context, userID, brokerName string) (domain.BrokerConfig, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+configColumns+` FROM broker_configs WHERE user_id = $1 AND broker_name = $2`,
		userID, brokerName)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrokerConfig{}, fmt.Errorf("config for user %s: %w", userID, domain.ErrNotFound)
		}
		return domain.BrokerConfig{}, fmt.Errorf("get config by user: %w", err)
	}
	return cfg, nil
}

func (r *PostgresConfigRepo) ListByUser(ctx context.Context, userID string) ([]domain.BrokerConfig, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+configColumns+` FROM broker_configs WHERE user_id = $1 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()
	return collectConfigs(rows)
}

func (r *PostgresConfigRepo) ListByState(ctx context.Context, state domain.ConnectionState) ([]domain.BrokerConfig, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+configColumns+` FROM broker_configs WHERE connection_state = $1`,
		string(state))
	if err != nil {
		return nil, fmt.Errorf("list configs by state: %w", err)
	}
	defer rows.Close()
	return collectConfigs(rows)
}

func (r *PostgresConfigRepo) UpdateStatus(ctx context.Context, id int64, status domain.ConnectionStatus, needsReauth bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE broker_configs
		 SET connection_state = $2, connection_message = $3, last_checked = $4,
		     last_status_check = $4, needs_reauth = $5, updated_at = now()
		 WHERE id = $1`,
		id, string(status.State), status.Message, status.LastChecked, needsReauth)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("config %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresConfigRepo) TouchTokenRefresh(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE broker_configs SET last_token_refresh = $2, updated_at = now() WHERE id = $1`,
		id, at); err != nil {
		return fmt.Errorf("touch token refresh: %w", err)
	}
	return nil
}

func (r *PostgresConfigRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM broker_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("config %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresTokenRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool, node: node}
}

const tokenColumns = `id, config_id, encrypted_access_token, encrypted_refresh_token,
token_type, expires_at, scope, broker_user_id, created_at, updated_at`

const insertTokenSQL = `INSERT INTO oauth_tokens
(id, config_id, encrypted_access_token, encrypted_refresh_token, token_type, expires_at, scope, broker_user_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + tokenColumns

// Replace enforces the at-most-one-row invariant: the prior row for the
// config is deleted and the new one inserted inside one transaction.
func (r *PostgresTokenRepo) Replace(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("begin replace token: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM oauth_tokens WHERE config_id = $1`, token.ConfigID); err != nil {
		return domain.OAuthToken{}, fmt.Errorf("delete prior token: %w", err)
	}

	row := tx.QueryRow(ctx, insertTokenSQL,
		r.node.Generate().Int64(),
		token.ConfigID,
		token.EncryptedAccessToken,
		token.EncryptedRefreshToken,
		token.TokenType,
		token.ExpiresAt,
		token.Scope,
		token.BrokerUserID,
	)
	inserted, err := scanToken(row)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.OAuthToken{}, fmt.Errorf("commit replace token: %w", err)
	}
	return inserted, nil
}

func (r *PostgresTokenRepo) GetByConfigID(ctx context.Context, configID int64) (domain.OAuthToken, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE config_id = $1`, configID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OAuthToken{}, fmt.Errorf("token for config %d: %w", configID, domain.ErrNotFound)
		}
		return domain.OAuthToken{}, fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

func (r *PostgresTokenRepo) DeleteByConfigID(ctx context.Context, configID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE config_id = $1`, configID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.OAuthToken, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE expires_at < $1 ORDER BY expires_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.OAuthToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// PostgresAuditRepo implements audit.Repository. Entries are append-only.
type PostgresAuditRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresAuditRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: pool, node: node}
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry domain.AuditLogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO oauth_audit_log (id, config_id, user_id, action, status, details, ip_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.node.Generate().Int64(),
		entry.ConfigID,
		entry.UserID,
		entry.Action,
		entry.Status,
		details,
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (domain.BrokerConfig, error) {
	var cfg domain.BrokerConfig
	var state string
	if err := row.Scan(
		&cfg.ID,
		&cfg.UserID,
		&cfg.BrokerName,
		&cfg.APIKey,
		&cfg.EncryptedAPISecret,
		&state,
		&cfg.ConnectionStatus.Message,
		&cfg.ConnectionStatus.LastChecked,
		&cfg.SessionStatus,
		&cfg.NeedsReauth,
		&cfg.LastSync,
		&cfg.LastTokenRefresh,
		&cfg.LastStatusCheck,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return domain.BrokerConfig{}, err
	}
	cfg.ConnectionStatus.State = domain.ConnectionState(state)
	return cfg, nil
}

func collectConfigs(rows pgx.Rows) ([]domain.BrokerConfig, error) {
	var configs []domain.BrokerConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func scanToken(row pgx.Row) (domain.OAuthToken, error) {
	var token domain.OAuthToken
	if err := row.Scan(
		&token.ID,
		&token.ConfigID,
		&token.EncryptedAccessToken,
		&token.EncryptedRefreshToken,
		&token.TokenType,
		&token.ExpiresAt,
		&token.Scope,
		&token.BrokerUserID,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		return domain.OAuthToken{}, err
	}
	return token, nil
}
