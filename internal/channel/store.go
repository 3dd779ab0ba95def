// Package channel - SQLite persistence for open channels. A client must
// durably record a channel before revealing the contract, and a server must
// be able to settle channels that were open when it last shut down.
package channel

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/klingpay/pkg/logging"
)

var (
	// ErrChannelNotFound is returned when a stored channel id is unknown.
	ErrChannelNotFound = errors.New("channel not found")
)

// ClientRecord is the persisted form of a client channel.
type ClientRecord struct {
	ID             string
	Variant        string
	State          string
	TotalValue     int64
	ValueToMe      int64
	Expiry         time.Time
	Contract       []byte
	ContractOutput int
	Refund         []byte
	RefundFee      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ServerRecord is the persisted form of a server channel.
type ServerRecord struct {
	ID           string
	Variant      string
	State        string
	TotalValue   int64
	BestValue    int64
	BestSig      []byte
	Expiry       time.Time
	Contract     []byte
	ContractOut  int
	ClientScript []byte
	Settlement   []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists channel state in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	log *logging.Logger
}

// NewStore opens (creating if needed) the channel database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "channels.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, log: logging.GetDefault().Component("channel-store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS client_channels (
		id TEXT PRIMARY KEY,
		variant TEXT NOT NULL,
		state TEXT NOT NULL,
		total_value INTEGER NOT NULL,
		value_to_me INTEGER NOT NULL,
		expiry INTEGER NOT NULL,
		contract BLOB NOT NULL,
		contract_output INTEGER NOT NULL,
		refund BLOB,
		refund_fee INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_client_channels_expiry ON client_channels(expiry);

	CREATE TABLE IF NOT EXISTS server_channels (
		id TEXT PRIMARY KEY,
		variant TEXT NOT NULL,
		state TEXT NOT NULL,
		total_value INTEGER NOT NULL,
		best_value INTEGER NOT NULL,
		best_sig BLOB,
		expiry INTEGER NOT NULL,
		contract BLOB NOT NULL,
		contract_output INTEGER NOT NULL,
		client_script BLOB NOT NULL,
		settlement BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_server_channels_expiry ON server_channels(expiry);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveClientChannel inserts or updates a client channel record. A record
// without an ID is assigned one.
func (s *Store) SaveClientChannel(rec *ClientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO client_channels
			(id, variant, state, total_value, value_to_me, expiry,
			 contract, contract_output, refund, refund_fee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			value_to_me = excluded.value_to_me,
			refund = excluded.refund,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Variant, rec.State, rec.TotalValue, rec.ValueToMe,
		rec.Expiry.Unix(), rec.Contract, rec.ContractOutput, rec.Refund,
		rec.RefundFee, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save client channel: %w", err)
	}
	s.log.Debug("client channel saved", "id", rec.ID, "state", rec.State)
	return nil
}

// GetClientChannel loads one client channel by id.
func (s *Store) GetClientChannel(id string) (*ClientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, variant, state, total_value, value_to_me, expiry,
		       contract, contract_output, refund, refund_fee, created_at, updated_at
		FROM client_channels WHERE id = ?`, id)
	return scanClientChannel(row)
}

// ListClientChannels returns every stored client channel, oldest expiry
// first.
func (s *Store) ListClientChannels() ([]*ClientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, variant, state, total_value, value_to_me, expiry,
		       contract, contract_output, refund, refund_fee, created_at, updated_at
		FROM client_channels ORDER BY expiry ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list client channels: %w", err)
	}
	defer rows.Close()

	var recs []*ClientRecord
	for rows.Next() {
		rec, err := scanClientChannel(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteClientChannel removes a settled channel's record.
func (s *Store) DeleteClientChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM client_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete client channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChannelNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClientChannel(row rowScanner) (*ClientRecord, error) {
	var rec ClientRecord
	var expiry, createdAt, updatedAt int64
	err := row.Scan(&rec.ID, &rec.Variant, &rec.State, &rec.TotalValue,
		&rec.ValueToMe, &expiry, &rec.Contract, &rec.ContractOutput,
		&rec.Refund, &rec.RefundFee, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan client channel: %w", err)
	}
	rec.Expiry = time.Unix(expiry, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// SaveServerChannel inserts or updates a server channel record.
func (s *Store) SaveServerChannel(rec *ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO server_channels
			(id, variant, state, total_value, best_value, best_sig, expiry,
			 contract, contract_output, client_script, settlement, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			best_value = excluded.best_value,
			best_sig = excluded.best_sig,
			settlement = excluded.settlement,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Variant, rec.State, rec.TotalValue, rec.BestValue,
		rec.BestSig, rec.Expiry.Unix(), rec.Contract, rec.ContractOut,
		rec.ClientScript, rec.Settlement, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save server channel: %w", err)
	}
	s.log.Debug("server channel saved",
		"id", rec.ID, "state", rec.State, "best_value", rec.BestValue)
	return nil
}

// GetServerChannel loads one server channel by id.
func (s *Store) GetServerChannel(id string) (*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, variant, state, total_value, best_value, best_sig, expiry,
		       contract, contract_output, client_script, settlement, created_at, updated_at
		FROM server_channels WHERE id = ?`, id)
	return scanServerChannel(row)
}

// ListServerChannels returns every stored server channel, oldest expiry
// first.
func (s *Store) ListServerChannels() ([]*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, variant, state, total_value, best_value, best_sig, expiry,
		       contract, contract_output, client_script, settlement, created_at, updated_at
		FROM server_channels ORDER BY expiry ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list server channels: %w", err)
	}
	defer rows.Close()

	var recs []*ServerRecord
	for rows.Next() {
		rec, err := scanServerChannel(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteServerChannel removes a settled channel's record.
func (s *Store) DeleteServerChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM server_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func scanServerChannel(row rowScanner) (*ServerRecord, error) {
	var rec ServerRecord
	var expiry, createdAt, updatedAt int64
	err := row.Scan(&rec.ID, &rec.Variant, &rec.State, &rec.TotalValue,
		&rec.BestValue, &rec.BestSig, &expiry, &rec.Contract, &rec.ContractOut,
		&rec.ClientScript, &rec.Settlement, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server channel: %w", err)
	}
	rec.Expiry = time.Unix(expiry, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// txBytes serializes a transaction for storage. nil maps to nil.
func txBytes(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// txFromBytes deserializes a stored transaction. nil maps back to nil.
func txFromBytes(raw []byte) (*wire.MsgTx, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}
