package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/config"
)

const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements KeyStore with a PostgreSQL backend.
// Keys are stored bcrypt-hashed; the plaintext never reaches the database.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a PostgreSQL-backed key store.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("FUNNEL_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Bootstrap creates the key tables when absent. Idempotent; production
// schema provisioning is handled externally, this covers tests and
// first-run development setups.
func (s *PersistentKeyStore) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id          TEXT PRIMARY KEY,
			key_hash    TEXT NOT NULL,
			producer_id TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			permissions JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at  TIMESTAMPTZ,
			active      BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_producer_id ON api_keys (producer_id)`,
		`CREATE TABLE IF NOT EXISTS api_key_audit_log (
			id          BIGSERIAL PRIMARY KEY,
			api_key_id  TEXT NOT NULL,
			operation   TEXT NOT NULL,
			masked_key  TEXT NOT NULL,
			producer_id TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}',
			logged_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap key tables: %w", err)
		}
	}

	return nil
}

// Close is a no-op: the connection is managed externally via dependency
// injection and closed by its owner.
func (s *PersistentKeyStore) Close() error {
	return nil
}

// FindByKey retrieves an API key by its key value using bcrypt hash comparison.
// Queries all active keys and compares hashes in-memory (acceptable with <1000 keys).
// Returns (nil, false) if key not found or invalid.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*Key, bool) {
	if key == "" {
		return nil, false
	}

	query := `
		SELECT id, key_hash, producer_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE active = TRUE
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	var keyFound *Key

	// Iterate through active keys and compare hashes
	for rows.Next() {
		apiKey, err := scanKey(rows)
		if err != nil {
			continue
		}

		// The stored value is the bcrypt hash, compare against the plaintext
		if CompareAPIKeyHash(apiKey.Key, key) {
			// Mask the hash so neither plaintext nor hash leaves the store
			apiKey.Key = MaskKey(apiKey.Key)
			keyFound = apiKey

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to find key", slog.String("key", MaskKey(key)), slog.String("error", err.Error()))

		return nil, false
	}

	return keyFound, keyFound != nil
}

// Add stores a new API key with bcrypt hashing and audit logging.
//
// Duplicate detection compares against existing active keys with bcrypt,
// since identical inputs produce distinct hashes.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, key_hash, producer_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		apiKey.ProducerID,
		apiKey.Name,
		permissionsJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.audit(ctx, keyCreated, apiKey)

	return nil
}

// Update modifies an existing API key's name, permissions, active status and
// expiration. The key hash itself cannot be updated for security reasons.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE api_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		apiKey.Name,
		permissionsJSON,
		apiKey.Active,
		apiKey.ExpiresAt,
		apiKey.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.audit(ctx, keyUpdated, apiKey)

	return nil
}

// Delete performs a soft delete by setting active=FALSE. The row is kept for
// the audit trail.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	query := `
		UPDATE api_keys
		SET active = FALSE
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.audit(ctx, keyDeleted, &Key{ID: keyID})

	return nil
}

// ListByProducer returns all active API keys for a specific producer, hashes
// masked.
func (s *PersistentKeyStore) ListByProducer(ctx context.Context, producerID string) ([]*Key, error) {
	if producerID == "" {
		return nil, ErrProducerIDEmpty
	}

	query := `
		SELECT id, key_hash, producer_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE producer_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, producerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []*Key

	for rows.Next() {
		apiKey, err := scanKey(rows)
		if err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)
		keys = append(keys, apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if keys == nil {
		keys = []*Key{}
	}

	return keys, nil
}

// audit writes a best-effort audit log entry for a key operation. Failures
// are logged, never surfaced: the key operation itself already succeeded.
func (s *PersistentKeyStore) audit(ctx context.Context, operation string, apiKey *Key) {
	query := `
		INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, producer_id, metadata)
		VALUES ($1, $2, $3, $4, '{}')
	`

	_, err := s.conn.ExecContext(ctx, query, apiKey.ID, operation, MaskKey(apiKey.Key), apiKey.ProducerID)
	if err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(rows rowScanner) (*Key, error) {
	var (
		apiKey          Key
		permissionsJSON []byte
	)

	err := rows.Scan(
		&apiKey.ID,
		&apiKey.Key,
		&apiKey.ProducerID,
		&apiKey.Name,
		&permissionsJSON,
		&apiKey.CreatedAt,
		&apiKey.ExpiresAt,
		&apiKey.Active,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
		return nil, fmt.Errorf("parse permissions: %w", err)
	}

	return &apiKey, nil
}

// permissionsToJSON converts a permissions slice to JSON format for PostgreSQL JSONB storage.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}
