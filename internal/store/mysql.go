// Package store keeps server-side draft records in MySQL. It satisfies
// the same repository contract as the bbolt-backed state package and is
// selected with DRAFT_BACKEND=mysql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is the server error number for a primary key clash.
const mysqlDuplicateEntry = 1062

// NewMySQL opens a pooled connection. The DSN is forced to parse
// DATETIME columns as UTC time.Time values.
func NewMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	normalized, err := normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", normalized)
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to mysql: %w", err)
	}

	return db, nil
}

func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}

	cfg.ParseTime = true
	cfg.Loc = time.UTC

	return cfg.FormatDSN(), nil
}

// Drafts is a MySQL draft repository.
type Drafts struct {
	db *sql.DB
}

// NewDrafts wraps an open database. Run ApplyMigrations first.
func NewDrafts(db *sql.DB) *Drafts {
	return &Drafts{db: db}
}

func (d *Drafts) Get(ctx context.Context, id string) (*models.Record, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, owner_id, fields, created_at, updated_at FROM property_drafts WHERE id = ?", id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDraftNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading draft %s: %w", id, err)
	}

	return rec, nil
}

func (d *Drafts) Create(ctx context.Context, rec models.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		"INSERT INTO property_drafts (id, owner_id, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.OwnerID, fields, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if isDuplicate(err) {
		return fmt.Errorf("draft %s already exists", rec.ID)
	}

	return err
}

// Update writes rec only if the row still carries prevUpdatedAt.
func (d *Drafts) Update(ctx context.Context, rec models.Record, prevUpdatedAt time.Time) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}

	res, err := d.db.ExecContext(ctx,
		"UPDATE property_drafts SET fields = ?, updated_at = ? WHERE id = ? AND owner_id = ? AND updated_at = ?",
		fields, rec.UpdatedAt.UTC(), rec.ID, rec.OwnerID, prevUpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("updating draft %s: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 1 {
		return nil
	}

	// Nothing matched: find out why.
	current, err := d.Get(ctx, rec.ID)
	if err != nil {
		return err
	}

	return updateMissReason(current, rec.OwnerID)
}

func (d *Drafts) ListByOwner(ctx context.Context, ownerID string) ([]models.Record, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, owner_id, fields, created_at, updated_at FROM property_drafts WHERE owner_id = ? ORDER BY id",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	defer rows.Close()

	var out []models.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *rec)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		rec    models.Record
		fields []byte
	)

	if err := s.Scan(&rec.ID, &rec.OwnerID, &fields, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decoding draft %s: %w", rec.ID, err)
	}

	return &rec, nil
}

func updateMissReason(current *models.Record, ownerID string) error {
	if current.OwnerID != ownerID {
		return apperrors.ErrForbidden
	}

	return apperrors.ErrStaleWrite
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
