// Package postgres provides Postgres-backed implementations of the store
// interfaces, using a pgxpool.Pool connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"metamcp/internal/filtercache"
	"metamcp/internal/serverconfig"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPool creates a Postgres connection pool with conservative, fixed
// defaults and verifies connectivity with a short-lived ping.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ServerConfigStore is a Postgres-backed serverconfig.Config registry.
type ServerConfigStore struct {
	pool *pgxpool.Pool
}

// NewServerConfigStore wraps pool.
func NewServerConfigStore(pool *pgxpool.Pool) *ServerConfigStore {
	return &ServerConfigStore{pool: pool}
}

// Init creates the mcp_servers table if it doesn't already exist. The
// namespace membership tables are created by NamespaceStore.Init.
func (s *ServerConfigStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS mcp_servers (
	uuid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	args JSONB NOT NULL DEFAULT '[]',
	env JSONB NOT NULL DEFAULT '{}',
	cwd TEXT NOT NULL DEFAULT '',
	stderr_mode TEXT NOT NULL DEFAULT 'pipe',
	url TEXT NOT NULL DEFAULT '',
	bearer_token TEXT NOT NULL DEFAULT '',
	oauth_tokens JSONB
);
`)
	return err
}

func scanConfig(row pgxScanner) (serverconfig.Config, error) {
	var cfg serverconfig.Config
	var args, env []byte
	var oauth []byte
	if err := row.Scan(&cfg.UUID, &cfg.Name, &cfg.Kind, &cfg.Command, &args, &env, &cfg.Cwd, &cfg.StderrMode, &cfg.URL, &cfg.BearerToken, &oauth); err != nil {
		return serverconfig.Config{}, err
	}
	_ = json.Unmarshal(args, &cfg.Args)
	_ = json.Unmarshal(env, &cfg.Env)
	if len(oauth) > 0 {
		var tok serverconfig.OAuthTokens
		if err := json.Unmarshal(oauth, &tok); err == nil {
			cfg.OAuthTokens = &tok
		}
	}
	return cfg, nil
}

// pgxScanner matches both pgx.Row and pgx.Rows' Scan method.
type pgxScanner interface {
	Scan(dest ...any) error
}

// GetByUUID implements store.ServerConfigStore.
func (s *ServerConfigStore) GetByUUID(ctx context.Context, uuid string) (serverconfig.Config, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT uuid, name, kind, command, args, env, cwd, stderr_mode, url, bearer_token, oauth_tokens
		FROM mcp_servers WHERE uuid = $1
	`, uuid)
	cfg, err := scanConfig(row)
	if err != nil {
		return serverconfig.Config{}, false, nil
	}
	return cfg, true, nil
}

// ListAll implements store.ServerConfigStore.
func (s *ServerConfigStore) ListAll(ctx context.Context) ([]serverconfig.Config, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uuid, name, kind, command, args, env, cwd, stderr_mode, url, bearer_token, oauth_tokens
		FROM mcp_servers ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []serverconfig.Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ListByNamespace implements store.ServerConfigStore, joining through
// namespace_servers.
func (s *ServerConfigStore) ListByNamespace(ctx context.Context, namespaceUUID string, includeInactive bool) (map[string]serverconfig.Config, error) {
	query := `
		SELECT m.uuid, m.name, m.kind, m.command, m.args, m.env, m.cwd, m.stderr_mode, m.url, m.bearer_token, m.oauth_tokens
		FROM mcp_servers m
		JOIN namespace_servers ns ON ns.server_uuid = m.uuid
		WHERE ns.namespace_uuid = $1
	`
	if !includeInactive {
		query += " AND ns.status = 'ACTIVE'"
	}
	rows, err := s.pool.Query(ctx, query, namespaceUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]serverconfig.Config{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out[cfg.UUID] = cfg
	}
	return out, rows.Err()
}

// Upsert inserts or replaces cfg.
func (s *ServerConfigStore) Upsert(ctx context.Context, cfg serverconfig.Config) error {
	args, _ := json.Marshal(cfg.Args)
	env, _ := json.Marshal(cfg.Env)
	var oauth []byte
	if cfg.OAuthTokens != nil {
		oauth, _ = json.Marshal(cfg.OAuthTokens)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mcp_servers (uuid, name, kind, command, args, env, cwd, stderr_mode, url, bearer_token, oauth_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (uuid) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, command = EXCLUDED.command,
			args = EXCLUDED.args, env = EXCLUDED.env, cwd = EXCLUDED.cwd,
			stderr_mode = EXCLUDED.stderr_mode, url = EXCLUDED.url,
			bearer_token = EXCLUDED.bearer_token, oauth_tokens = EXCLUDED.oauth_tokens
	`, cfg.UUID, cfg.Name, cfg.Kind, cfg.Command, args, env, cfg.Cwd, cfg.StderrMode, cfg.URL, cfg.BearerToken, oauth)
	return err
}

// Delete removes uuid.
func (s *ServerConfigStore) Delete(ctx context.Context, uuid string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM mcp_servers WHERE uuid = $1", uuid)
	return err
}

// NamespaceStore is a Postgres-backed namespace membership registry.
type NamespaceStore struct {
	pool *pgxpool.Pool
}

// NewNamespaceStore wraps pool.
func NewNamespaceStore(pool *pgxpool.Pool) *NamespaceStore {
	return &NamespaceStore{pool: pool}
}

// Init creates the namespace_servers and namespace_tools tables.
func (n *NamespaceStore) Init(ctx context.Context) error {
	if _, err := n.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS namespace_servers (
	namespace_uuid TEXT NOT NULL,
	server_uuid TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	PRIMARY KEY (namespace_uuid, server_uuid)
);
`); err != nil {
		return err
	}
	_, err := n.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS namespace_tools (
	namespace_uuid TEXT NOT NULL,
	server_uuid TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	PRIMARY KEY (namespace_uuid, server_uuid, tool_name)
);
`)
	return err
}

// ListAll implements store.NamespaceStore.
func (n *NamespaceStore) ListAll(ctx context.Context) ([]string, error) {
	rows, err := n.pool.Query(ctx, "SELECT DISTINCT namespace_uuid FROM namespace_servers ORDER BY namespace_uuid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// FindNamespacesContainingServer implements store.NamespaceStore.
func (n *NamespaceStore) FindNamespacesContainingServer(ctx context.Context, serverUUID string) ([]string, error) {
	rows, err := n.pool.Query(ctx, "SELECT namespace_uuid FROM namespace_servers WHERE server_uuid = $1", serverUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// SetMembers replaces the full server membership list for ns.
func (n *NamespaceStore) SetMembers(ctx context.Context, ns string, members map[string]filtercache.Status) error {
	tx, err := n.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM namespace_servers WHERE namespace_uuid = $1", ns); err != nil {
		return err
	}
	for serverUUID, status := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO namespace_servers (namespace_uuid, server_uuid, status) VALUES ($1, $2, $3)
		`, ns, serverUUID, statusToWire(status)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func statusToWire(s filtercache.Status) string {
	if s == filtercache.StatusInactive {
		return "INACTIVE"
	}
	return "ACTIVE"
}

// ToolStatusStore is a Postgres-backed per-(namespace,server,tool) status
// registry.
type ToolStatusStore struct {
	pool *pgxpool.Pool
}

// NewToolStatusStore wraps pool.
func NewToolStatusStore(pool *pgxpool.Pool) *ToolStatusStore {
	return &ToolStatusStore{pool: pool}
}

// GetStatus implements store.ToolStatusStore. A missing row reports
// filtercache.StatusAbsent so the filter middleware fails open per §4.3.
func (t *ToolStatusStore) GetStatus(ctx context.Context, namespaceUUID, serverUUID, toolName string) (filtercache.Status, error) {
	var wire string
	err := t.pool.QueryRow(ctx, `
		SELECT status FROM namespace_tools WHERE namespace_uuid = $1 AND server_uuid = $2 AND tool_name = $3
	`, namespaceUUID, serverUUID, toolName).Scan(&wire)
	if err != nil {
		return filtercache.StatusAbsent, nil
	}
	if wire == "INACTIVE" {
		return filtercache.StatusInactive, nil
	}
	return filtercache.StatusActive, nil
}

// SetStatus upserts the status of one (namespace, server, tool) triple.
func (t *ToolStatusStore) SetStatus(ctx context.Context, namespaceUUID, serverUUID, toolName string, status filtercache.Status) error {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO namespace_tools (namespace_uuid, server_uuid, tool_name, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace_uuid, server_uuid, tool_name) DO UPDATE SET status = EXCLUDED.status
	`, namespaceUUID, serverUUID, toolName, statusToWire(status))
	return err
}
