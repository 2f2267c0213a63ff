// Package partsview builds the derived, release-facing parts databases: one
// filtered FTS5 snapshot of the components cache per profile. The output
// schema is fixed by its downstream consumers and must not drift.
package partsview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/jlcdb/dbopen"
	"github.com/hazyhaar/jlcdb/internal/store"
)

// Schema creates the parts-view tables. Column names carry spaces and dots;
// they are part of the published format.
const Schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS parts USING fts5 (
	'LCSC Part',
	'First Category',
	'Second Category',
	'MFR.Part',
	'Package',
	'Solder Joint' UNINDEXED,
	'Manufacturer',
	'Library Type',
	'Description',
	'Datasheet' UNINDEXED,
	'Price' UNINDEXED,
	'Stock' UNINDEXED,
	tokenize="trigram"
);

CREATE TABLE IF NOT EXISTS mapping (
	'footprint',
	'value',
	'LCSC'
);

CREATE TABLE IF NOT EXISTS meta (
	'filename',
	'size',
	'partcount',
	'date',
	'last_update'
);

CREATE TABLE IF NOT EXISTS categories (
	'First Category',
	'Second Category'
);
`

// ErrEmptySnapshot marks a build attempted against a snapshot with no
// matching components. Only the explicitly empty profile may produce an
// empty database; anywhere else, no rows means broken input.
var ErrEmptySnapshot = errors.New("partsview: components snapshot is empty")

// Profile selects and shapes one parts-view artifact.
type Profile struct {
	Name string `yaml:"name"`
	// Where filters the components snapshot (SQL, without the WHERE
	// keyword). Empty means every row.
	Where string `yaml:"where,omitempty"`
	// RetentionDays additionally restricts rows to parts on stock within
	// the window before the build time. Zero means no window.
	RetentionDays int `yaml:"retention_days,omitempty"`
	// PriceCutoff is the minimum per-unit price kept by compression.
	// Zero means DefaultPriceCutoff.
	PriceCutoff float64 `yaml:"price_cutoff,omitempty"`
	// Empty marks a deliberately row-less artifact.
	Empty bool `yaml:"empty,omitempty"`
}

// DefaultProfiles are the shipped artifact set.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "recent", RetentionDays: 365},
		{Name: "preferred", Where: "basic = 1 OR preferred = 1"},
		{Name: "all"},
		{Name: "empty", Empty: true},
	}
}

// whereClause resolves the profile filter against a build time.
func (p Profile) whereClause(buildTime time.Time) string {
	if p.Empty {
		return "0"
	}
	clause := p.Where
	if p.RetentionDays > 0 {
		cutoff := buildTime.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour).Unix()
		window := fmt.Sprintf("last_on_stock >= %d", cutoff)
		if clause == "" {
			clause = window
		} else {
			clause = "(" + clause + ") AND " + window
		}
	}
	return clause
}

// Result summarizes one finished build.
type Result struct {
	Profile string
	Path    string
	Parts   int
	Bytes   int64
	Price   PriceStats
}

// Builder turns components cache snapshots into parts-view databases.
type Builder struct {
	store     *store.Store
	logger    *slog.Logger
	batchSize int
}

// NewBuilder creates a Builder reading from the given cache.
func NewBuilder(s *store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: s, logger: logger, batchSize: 100000}
}

const insertPartSQL = `
INSERT INTO parts (
	"LCSC Part", "First Category", "Second Category", "MFR.Part", "Package",
	"Solder Joint", "Manufacturer", "Library Type", "Description",
	"Datasheet", "Price", "Stock"
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Build writes the profile's parts view to outPath, replacing any previous
// file. buildTime is an explicit input so one timestamp can cover every
// profile of a run: identical snapshot, profile and build time produce an
// identical file.
func (b *Builder) Build(ctx context.Context, profile Profile, outPath string, buildTime time.Time) (Result, error) {
	where := profile.whereClause(buildTime)

	if !profile.Empty {
		count, err := b.store.CountComponents(ctx, where)
		if err != nil {
			return Result{}, err
		}
		if count == 0 {
			return Result{}, fmt.Errorf("profile %q (filter %q): %w", profile.Name, where, ErrEmptySnapshot)
		}
	}

	manufacturers, err := b.store.Manufacturers(ctx)
	if err != nil {
		return Result{}, err
	}
	categories, err := b.store.Categories(ctx)
	if err != nil {
		return Result{}, err
	}
	translator := NewTranslator(manufacturers, categories, profile.PriceCutoff)

	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("remove previous parts view: %w", err)
	}
	db, err := dbopen.Open(outPath,
		dbopen.WithSchema(Schema),
		dbopen.WithRollbackJournal(),
		dbopen.WithMkdirAll(),
		dbopen.WithoutForeignKeys())
	if err != nil {
		return Result{}, fmt.Errorf("create parts view: %w", err)
	}
	defer db.Close()

	partCount := 0
	err = b.store.FetchComponents(ctx, where, b.batchSize, func(batch []store.Row) error {
		return dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insertPartSQL)
			if err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
			defer stmt.Close()

			for _, row := range batch {
				part, err := translator.Translate(row)
				if err != nil {
					return err
				}
				_, err = stmt.ExecContext(ctx,
					part.LCSCPart, part.FirstCategory, part.SecondCategory,
					part.MFRPart, part.Package, part.SolderJoint,
					part.Manufacturer, part.LibraryType, part.Description,
					part.Datasheet, part.Price, part.Stock)
				if err != nil {
					return fmt.Errorf("insert part %s: %w", part.LCSCPart, err)
				}
				partCount++
			}
			return nil
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("build profile %q: %w", profile.Name, err)
	}

	if err := b.postBuild(ctx, db, outPath, partCount, buildTime); err != nil {
		return Result{}, fmt.Errorf("finalize profile %q: %w", profile.Name, err)
	}
	if err := db.Close(); err != nil {
		return Result{}, fmt.Errorf("close parts view: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat parts view: %w", err)
	}

	result := Result{
		Profile: profile.Name,
		Path:    outPath,
		Parts:   partCount,
		Bytes:   info.Size(),
		Price:   translator.Stats(),
	}
	b.logger.InfoContext(ctx, "built parts view",
		"profile", profile.Name,
		"parts", partCount,
		"bytes", info.Size(),
		"price_tiers", result.Price.Tiers,
		"price_tiers_removed", result.Price.Removed)
	return result, nil
}

// postBuild populates the categories table, optimizes the FTS index and
// writes the meta row, in that order so the meta size reflects the final
// index layout.
func (b *Builder) postBuild(ctx context.Context, db *sql.DB, outPath string, partCount int, buildTime time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO categories
		SELECT DISTINCT "First Category", "Second Category" FROM parts
		ORDER BY UPPER("First Category"), UPPER("Second Category")`)
	if err != nil {
		return fmt.Errorf("populate categories: %w", err)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO parts(parts) VALUES ('optimize')`); err != nil {
		return fmt.Errorf("fts optimize: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO meta VALUES (?, ?, ?, ?, ?)`,
		filepath.Base(outPath),
		info.Size(),
		partCount,
		buildTime.UTC().Format("2006-01-02"),
		buildTime.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}
