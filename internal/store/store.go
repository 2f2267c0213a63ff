// Package store is the authoritative components cache: a sqlite database
// holding every catalog part ever seen, with normalized manufacturer and
// category lookup tables. Scrapes upsert into it, retention ages stale stock
// out of it, and parts-view builds read snapshots from it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/jlcdb/dbopen"
	"github.com/hazyhaar/jlcdb/internal/jlcapi"
)

// Schema creates the components cache tables.
const Schema = `
CREATE TABLE IF NOT EXISTS components (
	lcsc INTEGER PRIMARY KEY NOT NULL,
	category_id INTEGER NOT NULL,
	mfr TEXT NOT NULL,
	package TEXT NOT NULL,
	joints INTEGER NOT NULL,
	manufacturer_id INTEGER NOT NULL,
	basic INTEGER NOT NULL,
	preferred INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL,
	datasheet TEXT NOT NULL,
	stock INTEGER NOT NULL,
	price TEXT NOT NULL,
	last_update INTEGER NOT NULL,
	extra TEXT,
	flag INTEGER NOT NULL DEFAULT 0,
	last_on_stock INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS components_category ON components (category_id);
CREATE INDEX IF NOT EXISTS components_manufacturer ON components (manufacturer_id);

CREATE TABLE IF NOT EXISTS manufacturers (
	id INTEGER PRIMARY KEY NOT NULL,
	name TEXT NOT NULL,
	UNIQUE (id, name)
);

CREATE TABLE IF NOT EXISTS categories (
	id INTEGER PRIMARY KEY NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL,
	UNIQUE (category, subcategory)
);
`

// Retention defaults. Stock ages out after a week without an update;
// long-dead rows lose their price and extra blobs after a year.
const (
	DefaultStockMaxAge      = 7 * 24 * time.Hour
	DefaultCompactRetention = 365 * 24 * time.Hour
)

// ErrIntegrity marks a cache that failed its consistency checks.
var ErrIntegrity = errors.New("store: components cache failed integrity check")

// Row is one components table row. Price and Extra stay serialized; the
// parts-view builder owns their interpretation.
type Row struct {
	LCSC           int
	CategoryID     int64
	ManufacturerID int64
	Mfr            string
	Package        string
	Basic          bool
	Preferred      bool
	Description    string
	Datasheet      string
	Stock          int
	Price          string
	Extra          string
	Joints         int
	Flag           int
	LastUpdate     int64
	LastOnStock    int64
}

// CategoryPair is a (category, subcategory) name pair from the lookup table.
type CategoryPair struct {
	Category    string
	Subcategory string
}

// Stats summarizes the cache contents after a pipeline stage.
type Stats struct {
	Components    int
	InStock       int
	Basic         int
	Preferred     int
	Manufacturers int
	Categories    int
}

// Store wraps the components cache database. The manufacturer and category
// ID caches make bulk upserts cheap; they are guarded for the scraper's
// concurrent page callbacks.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu            sync.Mutex
	manufacturers map[string]int64
	categories    map[CategoryPair]int64
}

// Open opens (creating if needed) the cache at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithSchema(Schema), dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open components cache: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already-open database. The schema must exist.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:            db,
		logger:        logger,
		manufacturers: make(map[string]int64),
		categories:    make(map[CategoryPair]int64),
	}
}

// DB exposes the underlying handle for read-only consumers.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ManufacturerID returns the lookup ID for a manufacturer name, inserting it
// on first sight. Results are memoized for the life of the Store.
func (s *Store) ManufacturerID(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.manufacturers[name]; ok {
		return id, nil
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM manufacturers WHERE name = ?`, name).Scan(&id)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		result, err := dbopen.Exec(ctx, s.db,
			`INSERT INTO manufacturers (name) VALUES (?)`, name)
		if err != nil {
			return 0, fmt.Errorf("insert manufacturer %q: %w", name, err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return 0, fmt.Errorf("insert manufacturer %q: %w", name, err)
		}
	default:
		return 0, fmt.Errorf("lookup manufacturer %q: %w", name, err)
	}

	s.manufacturers[name] = id
	return id, nil
}

// CategoryID returns the lookup ID for a (category, subcategory) pair,
// inserting it on first sight. Results are memoized for the life of the Store.
func (s *Store) CategoryID(ctx context.Context, category, subcategory string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := CategoryPair{category, subcategory}
	if id, ok := s.categories[key]; ok {
		return id, nil
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM categories WHERE category = ? AND subcategory = ?`,
		category, subcategory).Scan(&id)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		result, err := dbopen.Exec(ctx, s.db,
			`INSERT INTO categories (category, subcategory) VALUES (?, ?)`,
			category, subcategory)
		if err != nil {
			return 0, fmt.Errorf("insert category %q/%q: %w", category, subcategory, err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return 0, fmt.Errorf("insert category %q/%q: %w", category, subcategory, err)
		}
	default:
		return 0, fmt.Errorf("lookup category %q/%q: %w", category, subcategory, err)
	}

	s.categories[key] = id
	return id, nil
}

const upsertSQL = `
INSERT INTO components (
	lcsc, category_id, manufacturer_id, mfr, package, basic, preferred,
	description, datasheet, stock, price, extra, joints, last_update, last_on_stock
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(lcsc) DO UPDATE SET
	category_id = excluded.category_id,
	manufacturer_id = excluded.manufacturer_id,
	mfr = excluded.mfr,
	package = excluded.package,
	basic = excluded.basic,
	preferred = excluded.preferred,
	description = excluded.description,
	datasheet = excluded.datasheet,
	stock = excluded.stock,
	price = excluded.price,
	extra = excluded.extra,
	last_update = excluded.last_update,
	last_on_stock = CASE
		WHEN excluded.stock > 0 THEN excluded.last_update
		ELSE components.last_on_stock
	END
`

// Upsert inserts or refreshes a batch of scraped components in one
// transaction. New rows record now as both last_update and last_on_stock;
// refreshed rows keep their previous last_on_stock unless the new record has
// stock. The stored joint count survives updates: the listing endpoint does
// not report it, so a refresh must not clobber a value learned elsewhere.
func (s *Store) Upsert(ctx context.Context, components []jlcapi.Component, now time.Time) error {
	if len(components) == 0 {
		return nil
	}

	// ID lookups can insert and must run outside the batch transaction.
	type resolved struct {
		categoryID     int64
		manufacturerID int64
	}
	ids := make([]resolved, len(components))
	for i, c := range components {
		categoryID, err := s.CategoryID(ctx, c.Category, c.Subcategory)
		if err != nil {
			return err
		}
		manufacturerID, err := s.ManufacturerID(ctx, c.Manufacturer)
		if err != nil {
			return err
		}
		ids[i] = resolved{categoryID, manufacturerID}
	}

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertSQL)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		ts := now.Unix()
		for i, c := range components {
			price, err := jlcapi.MarshalPrice(c.Price)
			if err != nil {
				return fmt.Errorf("component C%d: %w", c.LCSC, err)
			}
			_, err = stmt.ExecContext(ctx,
				c.LCSC, ids[i].categoryID, ids[i].manufacturerID,
				c.Mfr, c.Package, c.Basic, c.Preferred,
				c.Description, c.Datasheet, c.Stock,
				price, c.Extra, c.Joints, ts, ts)
			if err != nil {
				return fmt.Errorf("upsert component C%d: %w", c.LCSC, err)
			}
		}
		return nil
	})
}

// AgeOutStock zeroes the stock of components not refreshed within maxAge.
// A full scrape touches every in-stock part, so anything older has dropped
// out of the catalog. Returns the number of rows aged out.
func (s *Store) AgeOutStock(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	cutoff := now.Add(-maxAge).Unix()
	result, err := dbopen.Exec(ctx, s.db, `
		UPDATE components
		SET stock = 0, last_update = ?
		WHERE stock > 0 AND last_update < ?`,
		now.Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("age out stock: %w", err)
	}
	aged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("age out stock: %w", err)
	}
	if aged > 0 {
		s.logger.InfoContext(ctx, "aged out stale stock", "rows", aged, "max_age", maxAge)
	}
	return aged, nil
}

// Compact blanks the price and extra blobs of components out of stock longer
// than retention, then VACUUMs to reclaim the space. The rows themselves
// survive: part number, category, description and stock history stay
// searchable forever. Returns the number of rows compacted.
func (s *Store) Compact(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention).Unix()
	result, err := dbopen.Exec(ctx, s.db, `
		UPDATE components
		SET price = '[]', extra = '{}'
		WHERE stock = 0 AND last_on_stock < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	compacted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return compacted, fmt.Errorf("vacuum: %w", err)
	}
	if compacted > 0 {
		s.logger.InfoContext(ctx, "compacted dead rows", "rows", compacted, "retention", retention)
	}
	return compacted, nil
}

// FixDescriptions backfills empty descriptions from the extra blob, where
// some upstream payloads carry them instead. Harmless on a healthy cache.
func (s *Store) FixDescriptions(ctx context.Context) (int64, error) {
	result, err := dbopen.Exec(ctx, s.db, `
		UPDATE components
		SET description = COALESCE(
			NULLIF(json_extract(extra, '$.description'), ''),
			NULLIF(json_extract(extra, '$.describe'), ''),
			description)
		WHERE (description IS NULL OR description = '')
		  AND extra IS NOT NULL AND json_valid(extra)`)
	if err != nil {
		return 0, fmt.Errorf("fix descriptions: %w", err)
	}
	fixed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fix descriptions: %w", err)
	}
	return fixed, nil
}

// CountComponents counts rows matching the where clause (without the WHERE
// keyword); empty counts everything. The clause is trusted; callers pass
// profile constants, never user input.
func (s *Store) CountComponents(ctx context.Context, where string) (int, error) {
	query := "SELECT COUNT(*) FROM components"
	if where != "" {
		query += " WHERE " + where
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count components: %w", err)
	}
	return count, nil
}

// FetchComponents streams rows matching the where clause through fn in
// batches of at most batchSize, ordered by lcsc. fn returning an error stops
// the scan.
func (s *Store) FetchComponents(ctx context.Context, where string, batchSize int, fn func(batch []Row) error) error {
	if batchSize <= 0 {
		batchSize = 100000
	}
	query := `SELECT lcsc, category_id, manufacturer_id, mfr, package, basic,
		preferred, description, datasheet, stock, price,
		COALESCE(extra, ''), joints, flag, last_update, last_on_stock
		FROM components`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY lcsc"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("fetch components: %w", err)
	}
	defer rows.Close()

	batch := make([]Row, 0, batchSize)
	for rows.Next() {
		var r Row
		err := rows.Scan(&r.LCSC, &r.CategoryID, &r.ManufacturerID, &r.Mfr,
			&r.Package, &r.Basic, &r.Preferred, &r.Description, &r.Datasheet,
			&r.Stock, &r.Price, &r.Extra, &r.Joints, &r.Flag,
			&r.LastUpdate, &r.LastOnStock)
		if err != nil {
			return fmt.Errorf("scan component: %w", err)
		}
		batch = append(batch, r)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch components: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// Manufacturers returns the full manufacturer lookup table.
func (s *Store) Manufacturers(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM manufacturers`)
	if err != nil {
		return nil, fmt.Errorf("fetch manufacturers: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan manufacturer: %w", err)
		}
		result[id] = name
	}
	return result, rows.Err()
}

// Categories returns the full category lookup table.
func (s *Store) Categories(ctx context.Context) (map[int64]CategoryPair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, subcategory FROM categories`)
	if err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]CategoryPair)
	for rows.Next() {
		var id int64
		var pair CategoryPair
		if err := rows.Scan(&id, &pair.Category, &pair.Subcategory); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		result[id] = pair
	}
	return result, rows.Err()
}

// Stats returns cache-wide counters for run reporting.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(stock > 0), 0),
			COALESCE(SUM(basic), 0),
			COALESCE(SUM(preferred), 0)
		FROM components`).Scan(
		&stats.Components, &stats.InStock, &stats.Basic, &stats.Preferred)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manufacturers`).Scan(&stats.Manufacturers); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM categories`).Scan(&stats.Categories); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// Check runs consistency checks over the cache: sqlite integrity plus
// referential sanity of the lookup IDs. Failures wrap ErrIntegrity.
func (s *Store) Check(ctx context.Context) error {
	var verdict string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if verdict != "ok" {
		return fmt.Errorf("%w: %s", ErrIntegrity, verdict)
	}

	var orphans int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM components c
		WHERE NOT EXISTS (SELECT 1 FROM categories WHERE id = c.category_id)
		   OR NOT EXISTS (SELECT 1 FROM manufacturers WHERE id = c.manufacturer_id)`).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if orphans > 0 {
		return fmt.Errorf("%w: %d components reference missing lookup rows", ErrIntegrity, orphans)
	}
	return nil
}
