package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"bilancio/internal/core"
)

// ErrNotFound is returned when a record does not exist for the given
// owner. Lookups are always owner-scoped, so "exists but belongs to
// someone else" is indistinguishable from "does not exist".
var ErrNotFound = errors.New("record not found")

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && !strings.HasPrefix(dbPath, ":") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection avoids
	// SQLITE_BUSY and keeps in-memory databases on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// EnsureOwnerSetup provisions the per-owner records every account needs,
// today just the Uncategorized sentinel category. Safe to call repeatedly.
func (r *SQLiteRepository) EnsureOwnerSetup(ctx context.Context, ownerID core.OwnerID) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (owner_id, name, kind, planned_amount)
		VALUES (?, ?, ?, '0')
		ON CONFLICT (owner_id, name COLLATE NOCASE) DO NOTHING`,
		ownerID.String(), core.UncategorizedName, string(core.CategoryExpense))
	if err != nil {
		return fmt.Errorf("ensure sentinel category: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		slog.InfoContext(ctx, "Provisioned sentinel category", "owner_id", ownerID)
	}
	return nil
}

// --- Categories ---

func (r *SQLiteRepository) ListCategories(ctx context.Context, ownerID core.OwnerID) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, name, kind, planned_amount
		FROM categories WHERE owner_id = ? ORDER BY name COLLATE NOCASE`,
		ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	return scanCategories(rows)
}

func (r *SQLiteRepository) GetCategory(ctx context.Context, ownerID core.OwnerID, id int64) (*core.Category, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, kind, planned_amount
		FROM categories WHERE owner_id = ? AND id = ?`,
		ownerID.String(), id)

	cat, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	return cat, nil
}

// FindCategoriesByName returns all categories matching name for the
// owner, case-insensitively. The unique index should make more than one
// match impossible, but callers that must not guess (sentinel
// resolution) get the full list to detect ambiguity.
func (r *SQLiteRepository) FindCategoriesByName(ctx context.Context, ownerID core.OwnerID, name string) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, name, kind, planned_amount
		FROM categories WHERE owner_id = ? AND name = ? COLLATE NOCASE`,
		ownerID.String(), name)
	if err != nil {
		return nil, fmt.Errorf("find categories by name: %w", err)
	}
	defer rows.Close()

	return scanCategories(rows)
}

func (r *SQLiteRepository) CreateCategory(ctx context.Context, c *core.Category) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (owner_id, name, kind, planned_amount)
		VALUES (?, ?, ?, ?)`,
		c.OwnerID.String(), c.Name, string(c.Kind), c.PlannedAmount.String())
	if err != nil {
		return fmt.Errorf("create category: %w", err)
	}

	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("category insert id: %w", err)
	}
	return nil
}

// UpdateCategory updates name, kind and planned amount. The sentinel
// category accepts a planned-amount change but never a rename.
func (r *SQLiteRepository) UpdateCategory(ctx context.Context, ownerID core.OwnerID, id int64, name string, kind core.CategoryKind, planned decimal.Decimal) error {
	existing, err := r.GetCategory(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if existing.IsSentinel() && !strings.EqualFold(name, existing.Name) {
		return core.ErrSentinelCategory
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE categories
		SET name = ?, kind = ?, planned_amount = ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ? AND id = ?`,
		name, string(kind), planned.String(), ownerID.String(), id)
	if err != nil {
		return fmt.Errorf("update category: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteCategory(ctx context.Context, ownerID core.OwnerID, id int64) error {
	existing, err := r.GetCategory(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if existing.IsSentinel() {
		return core.ErrSentinelCategory
	}

	_, err = r.db.ExecContext(ctx, `DELETE FROM categories WHERE owner_id = ? AND id = ?`,
		ownerID.String(), id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}

// --- Income sources ---

func (r *SQLiteRepository) ListIncomeSources(ctx context.Context, ownerID core.OwnerID) ([]core.IncomeSource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, name FROM income_sources
		WHERE owner_id = ? ORDER BY name COLLATE NOCASE`,
		ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("list income sources: %w", err)
	}
	defer rows.Close()

	var sources []core.IncomeSource
	for rows.Next() {
		var s core.IncomeSource
		var owner string
		if err := rows.Scan(&s.ID, &owner, &s.Name); err != nil {
			return nil, fmt.Errorf("scan income source: %w", err)
		}
		if s.OwnerID, err = parseOwnerID(owner); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *SQLiteRepository) CreateIncomeSource(ctx context.Context, s *core.IncomeSource) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO income_sources (owner_id, name) VALUES (?, ?)`,
		s.OwnerID.String(), s.Name)
	if err != nil {
		return fmt.Errorf("create income source: %w", err)
	}

	s.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("income source insert id: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateIncomeSource(ctx context.Context, ownerID core.OwnerID, id int64, name string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE income_sources SET name = ? WHERE owner_id = ? AND id = ?`,
		name, ownerID.String(), id)
	if err != nil {
		return fmt.Errorf("update income source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteIncomeSource(ctx context.Context, ownerID core.OwnerID, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM income_sources WHERE owner_id = ? AND id = ?`,
		ownerID.String(), id)
	if err != nil {
		return fmt.Errorf("delete income source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

func (r *SQLiteRepository) CreateSession(ctx context.Context, token string, ownerID core.OwnerID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (token, owner_id) VALUES (?, ?)`,
		token, ownerID.String())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ResolveSession(ctx context.Context, token string) (core.OwnerID, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM sessions WHERE token = ?`, token).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return core.OwnerID{}, ErrNotFound
	}
	if err != nil {
		return core.OwnerID{}, fmt.Errorf("resolve session: %w", err)
	}
	return parseOwnerID(owner)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCategory(row rowScanner) (*core.Category, error) {
	var c core.Category
	var owner, kind, planned string
	if err := row.Scan(&c.ID, &owner, &c.Name, &kind, &planned); err != nil {
		return nil, err
	}

	var err error
	if c.OwnerID, err = parseOwnerID(owner); err != nil {
		return nil, err
	}
	c.Kind = core.CategoryKind(kind)
	if c.PlannedAmount, err = decimal.NewFromString(planned); err != nil {
		return nil, fmt.Errorf("parse planned amount %q: %w", planned, err)
	}
	return &c, nil
}

func scanCategories(rows *sql.Rows) ([]core.Category, error) {
	var cats []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, *c)
	}
	return cats, rows.Err()
}

func parseOwnerID(s string) (core.OwnerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return core.OwnerID{}, fmt.Errorf("parse owner id %q: %w", s, err)
	}
	return id, nil
}
