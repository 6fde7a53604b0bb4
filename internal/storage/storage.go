// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the broker daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosslane.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Deals (the core record; per-side structures live in JSON columns,
	-- deposits have their own table below)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',

		-- Lifecycle: CREATED, COLLECTION, WAITING, SWAP, CLOSED, REVERTED
		stage TEXT NOT NULL DEFAULT 'CREATED',
		timeout_seconds INTEGER NOT NULL,
		expires_at INTEGER DEFAULT 0,

		-- Per-side records (JSON blobs)
		spec_a_json TEXT NOT NULL,
		spec_b_json TEXT NOT NULL,
		commission_plan_json TEXT,
		escrow_a_json TEXT,
		escrow_b_json TEXT,
		side_a_state_json TEXT,
		side_b_state_json TEXT,
		events_json TEXT,
		gas_reimbursement_json TEXT,

		-- Timing
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		closed_at INTEGER DEFAULT 0,

		-- Optimistic concurrency: every persisted mutation bumps this
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals(stage);
	CREATE INDEX IF NOT EXISTS idx_deals_closed ON deals(closed_at);
	CREATE INDEX IF NOT EXISTS idx_deals_updated ON deals(updated_at);

	-- Party details (filled through tokenized links, locked on fill)
	CREATE TABLE IF NOT EXISTS party_details (
		deal_id TEXT NOT NULL,
		party TEXT NOT NULL,

		payback_address TEXT NOT NULL,
		recipient_address TEXT NOT NULL,
		email TEXT,

		filled_at INTEGER NOT NULL,
		locked INTEGER NOT NULL DEFAULT 1,

		-- Escrow generated for this party's send side
		escrow_address TEXT,
		escrow_key_ref TEXT,

		PRIMARY KEY (deal_id, party),
		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	-- Party authorization tokens (128-bit random hex, one per side)
	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		party TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		used_at INTEGER DEFAULT 0,

		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_deal ON tokens(deal_id);

	-- =========================================================================
	-- Payout intents and the submission queue
	-- =========================================================================

	-- Payout intents (authoritative record; persisted before submission)
	CREATE TABLE IF NOT EXISTS payouts (
		payout_id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,

		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		asset_code TEXT NOT NULL,

		-- Base-10 smallest units; TEXT because 18-decimal quantities
		-- overflow SQLite INTEGER range semantics in Go drivers
		amount TEXT NOT NULL,

		purpose TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		min_confirmations INTEGER NOT NULL DEFAULT 1,
		payout_group_id TEXT,

		submitted_tx_json TEXT,

		created_at INTEGER NOT NULL,

		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_deal ON payouts(deal_id);
	CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status);
	CREATE INDEX IF NOT EXISTS idx_payouts_escrow ON payouts(chain_id, from_addr);

	-- Queue items (retry bookkeeping for the payout queue; one item per
	-- intent, carries what the worker needs without re-reading the deal)
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		payout_id TEXT,
		deal_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,

		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		from_json TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		purpose TEXT NOT NULL,

		status TEXT NOT NULL DEFAULT 'PENDING',
		submitted_tx_json TEXT,

		-- Retry tracking
		retry_count INTEGER DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER DEFAULT 0,

		-- Stamped immediately BEFORE SubmitTransfer so a crash between
		-- submission and the txid write is recoverable (idempotent resubmit)
		submit_started_at INTEGER DEFAULT 0,

		last_error TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		FOREIGN KEY (payout_id) REFERENCES payouts(payout_id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_pending ON queue_items(status, next_retry_at)
		WHERE status IN ('PENDING', 'SUBMITTED');
	CREATE INDEX IF NOT EXISTS idx_queue_deal ON queue_items(deal_id);
	CREATE INDEX IF NOT EXISTS idx_queue_escrow ON queue_items(chain_id, to_addr);

	-- Adapter submission ledger (SubmitTransfer idempotency across restarts)
	CREATE TABLE IF NOT EXISTS adapter_submissions (
		intent_id TEXT PRIMARY KEY,
		chain_id INTEGER NOT NULL,
		txid TEXT NOT NULL,
		additional_txids_json TEXT,
		submitted_at INTEGER NOT NULL
	);

	-- =========================================================================
	-- Deposits and oracle quotes
	-- =========================================================================

	-- Observed escrow credits (the deposit ledger the watcher reconciles)
	CREATE TABLE IF NOT EXISTS escrow_deposits (
		deal_id TEXT NOT NULL,
		side TEXT NOT NULL,
		asset_code TEXT NOT NULL,

		amount TEXT NOT NULL,
		txid TEXT NOT NULL,
		original_txid TEXT,

		block_height INTEGER DEFAULT 0,
		confirmations INTEGER DEFAULT 0,
		min_conf_required INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'UNCONFIRMED',

		is_synthetic INTEGER NOT NULL DEFAULT 0,
		resolution_status TEXT,
		resolution_metadata_json TEXT,

		settled INTEGER NOT NULL DEFAULT 0,

		observed_at INTEGER NOT NULL,

		PRIMARY KEY (deal_id, side, txid, asset_code),
		FOREIGN KEY (deal_id) REFERENCES deals(id)
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_deal ON escrow_deposits(deal_id, side);
	CREATE INDEX IF NOT EXISTS idx_deposits_status ON escrow_deposits(status);
	CREATE INDEX IF NOT EXISTS idx_deposits_synthetic ON escrow_deposits(is_synthetic)
		WHERE is_synthetic = 1;

	-- Oracle quotes (latest per chain and pair; MANUAL via admin.setPrice)
	CREATE TABLE IF NOT EXISTS oracle_quotes (
		chain_id INTEGER NOT NULL,
		pair TEXT NOT NULL,
		price TEXT NOT NULL,
		as_of INTEGER NOT NULL,
		source TEXT NOT NULL,

		PRIMARY KEY (chain_id, pair)
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		// closed_at added when 24h post-closure surveillance was made
		// restart-safe
		"ALTER TABLE deals ADD COLUMN closed_at INTEGER DEFAULT 0",
		// payout grouping for multi-tx UTXO settlements and gas funding
		"ALTER TABLE payouts ADD COLUMN payout_group_id TEXT",
		// settled marks deposits whose value is already allocated to
		// payout intents; surveillance refunds only unsettled ones
		"ALTER TABLE escrow_deposits ADD COLUMN settled INTEGER NOT NULL DEFAULT 0",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Helper functions shared by the per-table files.

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
