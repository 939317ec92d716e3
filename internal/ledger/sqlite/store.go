// Package sqlite is a deployment ledger backend for operators that share one
// ledger database between CI runners.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/compose-network/contract-deployer/internal/ledger"
	"github.com/compose-network/contract-deployer/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const selectColumns = `network, logical_name, contract, address, constructor_args_hash, tx_hash, deployed_at, supersedes`

type (
	row struct {
		Network             string         `db:"network"`
		LogicalName         string         `db:"logical_name"`
		Contract            string         `db:"contract"`
		Address             string         `db:"address"`
		ConstructorArgsHash string         `db:"constructor_args_hash"`
		TxHash              string         `db:"tx_hash"`
		DeployedAt          string         `db:"deployed_at"`
		Supersedes          sql.NullString `db:"supersedes"`
	}

	Store struct {
		db     *sqlx.DB
		logger *slog.Logger
	}
)

// Open opens (or creates) the ledger database at dsn and applies migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run ledger migrations: %w", err)
	}

	return &Store{db: db, logger: logger.Named("sqlite_ledger")}, nil
}

// withPragmas makes write transactions take the database lock up front so
// two processes cannot both read "absent" and then insert. Parameters already
// present in dsn are left as given.
func withPragmas(dsn string) string {
	_, query, _ := strings.Cut(dsn, "?")
	params, _ := url.ParseQuery(query)

	var missing []string
	if !params.Has("_busy_timeout") && !params.Has("_timeout") {
		missing = append(missing, "_busy_timeout=5000")
	}
	if !params.Has("_txlock") {
		missing = append(missing, "_txlock=immediate")
	}
	if len(missing) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
		if strings.HasSuffix(dsn, "?") || strings.HasSuffix(dsn, "&") {
			sep = ""
		}
	}
	return dsn + sep + strings.Join(missing, "&")
}

func runMigrations(db *sqlx.DB) error {
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{NoTxWrap: true})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Lookup(ctx context.Context, logicalName, network string) (ledger.Artifact, bool, error) {
	return lookup(ctx, s.db, logicalName, network)
}

func lookup(ctx context.Context, q sqlx.QueryerContext, logicalName, network string) (ledger.Artifact, bool, error) {
	var r row
	err := sqlx.GetContext(ctx, q, &r,
		`SELECT `+selectColumns+` FROM artifacts WHERE network = ? AND logical_name = ?`,
		network, logicalName)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Artifact{}, false, nil
	}
	if err != nil {
		return ledger.Artifact{}, false, fmt.Errorf("query artifact: %w", err)
	}

	a, err := r.artifact()
	if err != nil {
		return ledger.Artifact{}, false, err
	}

	return a, true, nil
}

func (s *Store) List(ctx context.Context, network string) ([]ledger.Artifact, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM artifacts WHERE network = ? ORDER BY logical_name`, network); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	return toArtifacts(rows)
}

// History returns superseded records for a network, oldest first.
func (s *Store) History(ctx context.Context, network string) ([]ledger.Artifact, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM artifact_history WHERE network = ? ORDER BY id`, network); err != nil {
		return nil, fmt.Errorf("list artifact history: %w", err)
	}

	return toArtifacts(rows)
}

func (s *Store) Record(ctx context.Context, req ledger.RecordRequest) (ledger.Artifact, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Artifact{}, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	existing, ok, err := lookup(ctx, tx, req.Artifact.LogicalName, req.Artifact.Network)
	if err != nil {
		return ledger.Artifact{}, err
	}

	var current *ledger.Artifact
	if ok {
		current = &existing
	}

	next, err := ledger.ApplyRecord(current, req)
	if err != nil {
		return ledger.Artifact{}, err
	}

	if current == nil {
		err = insert(ctx, tx, next)
	} else {
		err = supersede(ctx, tx, *current, next)
	}
	if err != nil {
		return ledger.Artifact{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Artifact{}, fmt.Errorf("commit ledger transaction: %w", err)
	}

	s.logger.
		With("network", next.Network).
		With("artifact", next.LogicalName).
		Debug("ledger row written")

	return next, nil
}

func insert(ctx context.Context, tx *sqlx.Tx, a ledger.Artifact) error {
	r := fromArtifact(a)
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO artifacts (`+selectColumns+`)
		VALUES (:network, :logical_name, :contract, :address, :constructor_args_hash, :tx_hash, :deployed_at, :supersedes)
		ON CONFLICT (network, logical_name) DO NOTHING`, r)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s on %s", ledger.ErrAlreadyRecorded, a.LogicalName, a.Network)
	}

	return nil
}

func supersede(ctx context.Context, tx *sqlx.Tx, current, next ledger.Artifact) error {
	old := fromArtifact(current)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_history (`+selectColumns+`, superseded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		old.Network, old.LogicalName, old.Contract, old.Address, old.ConstructorArgsHash,
		old.TxHash, old.DeployedAt, old.Supersedes, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("archive artifact: %w", err)
	}

	r := fromArtifact(next)
	res, err := tx.ExecContext(ctx, `
		UPDATE artifacts
		SET contract = ?, address = ?, constructor_args_hash = ?, tx_hash = ?, deployed_at = ?, supersedes = ?
		WHERE network = ? AND logical_name = ? AND address = ?`,
		r.Contract, r.Address, r.ConstructorArgsHash, r.TxHash, r.DeployedAt, r.Supersedes,
		r.Network, r.LogicalName, old.Address)
	if err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s on %s", ledger.ErrConflict, next.LogicalName, next.Network)
	}

	return nil
}

func fromArtifact(a ledger.Artifact) row {
	r := row{
		Network:             a.Network,
		LogicalName:         a.LogicalName,
		Contract:            a.Contract,
		Address:             a.Address.Hex(),
		ConstructorArgsHash: a.ConstructorArgsHash.Hex(),
		TxHash:              a.TxHash.Hex(),
		DeployedAt:          a.DeployedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.Supersedes != nil {
		r.Supersedes = sql.NullString{String: a.Supersedes.Hex(), Valid: true}
	}
	return r
}

func (r row) artifact() (ledger.Artifact, error) {
	deployedAt, err := time.Parse(time.RFC3339Nano, r.DeployedAt)
	if err != nil {
		return ledger.Artifact{}, fmt.Errorf("parse deployed_at of %s: %w", r.LogicalName, err)
	}

	a := ledger.Artifact{
		LogicalName:         r.LogicalName,
		Contract:            r.Contract,
		Network:             r.Network,
		Address:             common.HexToAddress(r.Address),
		ConstructorArgsHash: common.HexToHash(r.ConstructorArgsHash),
		TxHash:              common.HexToHash(r.TxHash),
		DeployedAt:          deployedAt,
	}
	if r.Supersedes.Valid {
		prev := common.HexToAddress(r.Supersedes.String)
		a.Supersedes = &prev
	}

	return a, nil
}

func toArtifacts(rows []row) ([]ledger.Artifact, error) {
	out := make([]ledger.Artifact, 0, len(rows))
	for _, r := range rows {
		a, err := r.artifact()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
