package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound  = storage.ErrNotFound
	ErrDuplicate = storage.ErrDuplicate
)

type NodeStore struct {
	db       *sql.DB
	nodeName string
	dbPath   string
}

func OpenNodeStore(basePath, nodeName string) (*NodeStore, error) {
	nodeDir := filepath.Join(basePath, "nodes", nodeName)
	if err := os.MkdirAll(nodeDir, 0755); err != nil {
		return nil, fmt.Errorf("create node directory: %w", err)
	}

	dbPath := filepath.Join(nodeDir, "node.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &NodeStore{
		db:       db,
		nodeName: nodeName,
		dbPath:   dbPath,
	}, nil
}

func (s *NodeStore) Close() error {
	return s.db.Close()
}

func (s *NodeStore) NodeName() string {
	return s.nodeName
}

func (s *NodeStore) DBPath() string {
	return s.dbPath
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(field, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		slog.Warn("failed to parse timestamp", "field", field, "value", value, "error", err)
	}
	return t
}

const accountColumns = `id, name, host_name, host_did, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*types.Account, error) {
	var acct types.Account
	var id, status string
	if err := row.Scan(&id, &acct.Name, &acct.Host.Name, &acct.Host.DID, &status); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt account id %q: %w", id, err)
	}
	acct.ID = parsed
	acct.Status = types.AccountStatus(status)
	return &acct, nil
}

func (s *NodeStore) CreateAccount(ctx context.Context, acct types.Account) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, host_name, host_did, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID.String(), acct.Name, acct.Host.Name, acct.Host.DID, string(acct.Status), ts, ts)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s (%s@%s)", ErrDuplicate, acct.ID, acct.Name, acct.Host.Name)
	}
	return err
}

// UpsertAccount overwrites everything but created_at.
func (s *NodeStore) UpsertAccount(ctx context.Context, acct types.Account) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, host_name, host_did, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   host_name = excluded.host_name,
		   host_did = excluded.host_did,
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		acct.ID.String(), acct.Name, acct.Host.Name, acct.Host.DID, string(acct.Status), ts, ts)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already names another account at %s", ErrDuplicate, acct.Name, acct.Host.Name)
	}
	return err
}

func (s *NodeStore) GetAccount(ctx context.Context, id uuid.UUID) (*types.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id.String()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return acct, err
}

func (s *NodeStore) GetAccountByName(ctx context.Context, hostDID, name string) (*types.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE host_did = ? AND name = ?`, hostDID, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return acct, err
}

func (s *NodeStore) ListAccounts(ctx context.Context) ([]types.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

func (s *NodeStore) ListAccountsByHost(ctx context.Context, hostDID string) ([]types.Account, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE host_did = ? ORDER BY created_at, id`, hostDID)
}

func (s *NodeStore) queryAccounts(ctx context.Context, query string, args ...any) ([]types.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func (s *NodeStore) SetAccountStatus(ctx context.Context, id uuid.UUID, status types.AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NodeStore) PutKey(ctx context.Context, rec storage.KeyRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_keys (public_key, account_id, private_key, created_at)
		 VALUES (?, ?, ?, ?)`,
		rec.Key.String(), rec.AccountID.String(), rec.PrivateKey, created.UTC().Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key %s", ErrDuplicate, rec.Key)
	}
	return err
}

const keyColumns = `public_key, account_id, private_key, created_at`

func scanKey(row rowScanner) (*storage.KeyRecord, error) {
	var rec storage.KeyRecord
	var key, accountID, createdAt string
	if err := row.Scan(&key, &accountID, &rec.PrivateKey, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(accountID)
	if err != nil {
		return nil, fmt.Errorf("corrupt account id %q for key %s: %w", accountID, key, err)
	}
	rec.Key = identity.PublicKey(key)
	rec.AccountID = parsed
	rec.CreatedAt = parseTime("created_at", createdAt)
	return &rec, nil
}

func (s *NodeStore) GetKey(ctx context.Context, key identity.PublicKey) (*storage.KeyRecord, error) {
	rec, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM account_keys WHERE public_key = ?`, key.String()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *NodeStore) KeysForAccount(ctx context.Context, accountID uuid.UUID) ([]storage.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM account_keys WHERE account_id = ? ORDER BY created_at, public_key`,
		accountID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []storage.KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *rec)
	}
	return keys, rows.Err()
}

func (s *NodeStore) SetPrivateKey(ctx context.Context, key identity.PublicKey, privateKey []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE account_keys SET private_key = ? WHERE public_key = ?`,
		privateKey, key.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NodeStore) AddObserver(ctx context.Context, accountID uuid.UUID, party types.Party) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_observers (account_id, party_did, party_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id, party_did) DO UPDATE SET party_name = excluded.party_name`,
		accountID.String(), party.DID, party.Name, now())
	return err
}

func (s *NodeStore) ObserversOf(ctx context.Context, accountID uuid.UUID) ([]types.Party, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT party_name, party_did FROM account_observers WHERE account_id = ? ORDER BY created_at, party_did`,
		accountID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parties []types.Party
	for rows.Next() {
		var p types.Party
		if err := rows.Scan(&p.Name, &p.DID); err != nil {
			return nil, err
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// SaveCheckpoint writes cp, replacing any earlier step of the same flow.
func (s *NodeStore) SaveCheckpoint(ctx context.Context, cp storage.Checkpoint) error {
	collected := cp.Collected
	if collected == nil {
		collected = []string{}
	}
	data, err := json.Marshal(collected)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (flow_id, step, tx, collected, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(flow_id) DO UPDATE SET
		   step = excluded.step,
		   tx = excluded.tx,
		   collected = excluded.collected,
		   error = excluded.error,
		   updated_at = excluded.updated_at`,
		cp.FlowID.String(), cp.Step, cp.Tx, string(data), cp.Error, now())
	return err
}

const checkpointColumns = `flow_id, step, tx, collected, error, updated_at`

func scanCheckpoint(row rowScanner) (*storage.Checkpoint, error) {
	var cp storage.Checkpoint
	var flowID, collected, updatedAt string
	if err := row.Scan(&flowID, &cp.Step, &cp.Tx, &collected, &cp.Error, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(flowID)
	if err != nil {
		return nil, fmt.Errorf("corrupt flow id %q: %w", flowID, err)
	}
	cp.FlowID = parsed
	if err := json.Unmarshal([]byte(collected), &cp.Collected); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint %s: %w", flowID, err)
	}
	cp.UpdatedAt = parseTime("updated_at", updatedAt)
	return &cp, nil
}

func (s *NodeStore) GetCheckpoint(ctx context.Context, flowID uuid.UUID) (*storage.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE flow_id = ?`, flowID.String()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return cp, err
}

func (s *NodeStore) ListCheckpoints(ctx context.Context) ([]storage.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints ORDER BY updated_at, flow_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []storage.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

func (s *NodeStore) DeleteCheckpoint(ctx context.Context, flowID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE flow_id = ?`, flowID.String())
	return err
}

