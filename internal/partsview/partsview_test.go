package partsview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jlcdb/dbopen"
	"github.com/hazyhaar/jlcdb/internal/jlcapi"
	"github.com/hazyhaar/jlcdb/internal/store"
)

func intPtr(n int) *int { return &n }

func TestCompressPrice(t *testing.T) {
	cases := []struct {
		name  string
		tiers []jlcapi.PriceTier
		want  string
	}{
		{
			name: "basic table",
			tiers: []jlcapi.PriceTier{
				{QFrom: 1, QTo: intPtr(199), Price: 0.0522},
				{QFrom: 200, Price: 0.0398},
			},
			want: "1-199:0.053,200-:0.040",
		},
		{
			name: "adjacent equal prices merge",
			tiers: []jlcapi.PriceTier{
				{QFrom: 1, QTo: intPtr(9), Price: 0.123},
				{QFrom: 10, QTo: intPtr(99), Price: 0.1226},
				{QFrom: 100, Price: 0.05},
			},
			want: "1-99:0.123,100-:0.050",
		},
		{
			name: "below cutoff dropped except first",
			tiers: []jlcapi.PriceTier{
				{QFrom: 1, QTo: intPtr(99), Price: 0.005},
				{QFrom: 100, QTo: intPtr(999), Price: 0.004},
				{QFrom: 1000, Price: 0.003},
			},
			want: "1-:0.005",
		},
		{
			name: "last survivor forced open-ended",
			tiers: []jlcapi.PriceTier{
				{QFrom: 1, QTo: intPtr(99), Price: 0.5},
				{QFrom: 100, QTo: intPtr(999), Price: 0.02},
				{QFrom: 1000, Price: 0.001},
			},
			want: "1-99:0.500,100-:0.020",
		},
		{
			name: "single tier",
			tiers: []jlcapi.PriceTier{
				{QFrom: 1, Price: 1.2345},
			},
			want: "1-:1.235",
		},
		{
			name: "no tiers",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := CompressPrice(tc.tiers, DefaultPriceCutoff)
			if got != tc.want {
				t.Errorf("CompressPrice = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCeilPrice_NeverUnderstates(t *testing.T) {
	// WHY: the display price must be >= the vendor price, or a BOM costed
	// from the parts view comes in under the real invoice.
	for _, price := range []float64{0.0001, 0.0012, 0.0015, 0.0999, 0.1, 1.0 / 3.0, 2.5001} {
		got := ceilPrice(price)
		if got < price-1e-9 {
			t.Errorf("ceilPrice(%v) = %v understates", price, got)
		}
		if got > price+0.001 {
			t.Errorf("ceilPrice(%v) = %v overshoots a full step", price, got)
		}
	}
	// Exact 3-decimal values stay put.
	if got := ceilPrice(0.05); got != 0.05 {
		t.Errorf("ceilPrice(0.05) = %v", got)
	}
}

func TestCompressPriceStats(t *testing.T) {
	tiers := []jlcapi.PriceTier{
		{QFrom: 1, QTo: intPtr(9), Price: 0.1},
		{QFrom: 10, QTo: intPtr(99), Price: 0.1},
		{QFrom: 100, Price: 0.001},
	}
	_, stats := CompressPrice(tiers, DefaultPriceCutoff)
	if stats.Tiers != 3 {
		t.Errorf("Tiers = %d, want 3", stats.Tiers)
	}
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
	if stats.Removed != 2 {
		t.Errorf("Removed = %d, want 2 (one cutoff, one duplicate)", stats.Removed)
	}
}

func TestLibraryType(t *testing.T) {
	if got := LibraryType(true, false); got != "Basic" {
		t.Errorf("basic: %q", got)
	}
	if got := LibraryType(true, true); got != "Basic" {
		t.Errorf("basic wins over preferred: %q", got)
	}
	if got := LibraryType(false, true); got != "Preferred" {
		t.Errorf("preferred: %q", got)
	}
	if got := LibraryType(false, false); got != "Extended" {
		t.Errorf("extended: %q", got)
	}
}

func TestCleanDescription(t *testing.T) {
	cases := []struct {
		name        string
		description string
		extra       string
		subcategory string
		pkg         string
		want        string
	}{
		{
			name:        "rohs stripped",
			description: "10kOhm Resistor ROHS",
			want:        "10kOhm Resistor",
		},
		{
			name:        "not rohs appended",
			description: "10kOhm Resistor",
			want:        "10kOhm Resistor not ROHS",
		},
		{
			name:        "extra description preferred",
			description: "",
			extra:       `{"description":"From extra ROHS"}`,
			want:        "From extra",
		},
		{
			name:        "duplicated subcategory and package stripped",
			description: "Chip Resistor 10kOhm 0402 Chip Resistor ROHS",
			subcategory: "Chip Resistor",
			pkg:         "0402",
			want:        "10kOhm",
		},
		{
			name:        "invalid extra ignored",
			description: "Something ROHS",
			extra:       "{broken",
			want:        "Something",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CleanDescription(tc.description, tc.extra, tc.subcategory, tc.pkg)
			if got != tc.want {
				t.Errorf("CleanDescription = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProfileWhereClause(t *testing.T) {
	buildTime := time.Unix(1_700_000_000, 0)
	cutoff := buildTime.Add(-365 * 24 * time.Hour).Unix()

	recent := Profile{Name: "recent", RetentionDays: 365}
	if got := recent.whereClause(buildTime); got != fmt.Sprintf("last_on_stock >= %d", cutoff) {
		t.Errorf("recent clause = %q", got)
	}

	combined := Profile{Where: "basic = 1", RetentionDays: 365}
	want := fmt.Sprintf("(basic = 1) AND last_on_stock >= %d", cutoff)
	if got := combined.whereClause(buildTime); got != want {
		t.Errorf("combined clause = %q, want %q", got, want)
	}

	if got := (Profile{Name: "all"}).whereClause(buildTime); got != "" {
		t.Errorf("all clause = %q, want empty", got)
	}
	if got := (Profile{Name: "empty", Empty: true}).whereClause(buildTime); got != "0" {
		t.Errorf("empty clause = %q, want 0", got)
	}
}

// seedStore fills a fresh in-memory cache with n components; every tenth is
// preferred, the rest basic. Component i has stock i.
func seedStore(t *testing.T, n int, now time.Time) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	s := store.NewStore(db, nil)

	components := make([]jlcapi.Component, 0, n)
	for i := 1; i <= n; i++ {
		qTo := 199
		c := jlcapi.Component{
			LCSC:         i,
			Category:     "Resistors",
			Subcategory:  "Chip Resistor - Surface Mount",
			Mfr:          fmt.Sprintf("RC0402-%d", i),
			Package:      "0402",
			Manufacturer: "UNI-ROYAL",
			Basic:        i%10 != 0,
			Preferred:    i%10 == 0,
			Description:  "10kOhm Chip Resistor ROHS",
			Datasheet:    "https://example.com/ds.pdf",
			Stock:        i,
			Price: []jlcapi.PriceTier{
				{QFrom: 1, QTo: &qTo, Price: 0.0012},
				{QFrom: 200, Price: 0.0008},
			},
			Extra: "{}",
		}
		components = append(components, c)
	}
	if err := s.Upsert(context.Background(), components, now); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func queryInt(t *testing.T, path, query string) int {
	t.Helper()
	db, err := dbopen.Open(path, dbopen.WithoutForeignKeys())
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestBuild_FiltersByProfile(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := seedStore(t, 50, now)
	builder := NewBuilder(s, nil)
	dir := t.TempDir()

	out := filepath.Join(dir, "preferred.sqlite3")
	result, err := builder.Build(context.Background(),
		Profile{Name: "preferred", Where: "preferred = 1"}, out, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.Parts != 5 {
		t.Errorf("Parts = %d, want 5", result.Parts)
	}
	if got := queryInt(t, out, `SELECT COUNT(*) FROM parts`); got != 5 {
		t.Errorf("parts rows = %d, want 5", got)
	}
	if got := queryInt(t, out, `SELECT COUNT(*) FROM parts WHERE "Library Type" = 'Preferred'`); got != 5 {
		t.Errorf("preferred rows = %d, want 5", got)
	}
	if got := queryInt(t, out, `SELECT COUNT(*) FROM categories`); got != 1 {
		t.Errorf("categories rows = %d, want 1", got)
	}
	if got := queryInt(t, out, `SELECT partcount FROM meta`); got != 5 {
		t.Errorf("meta partcount = %d, want 5", got)
	}
}

func TestBuild_SearchableOutput(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := seedStore(t, 20, now)
	builder := NewBuilder(s, nil)
	out := filepath.Join(t.TempDir(), "all.sqlite3")

	if _, err := builder.Build(context.Background(), Profile{Name: "all"}, out, now); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Trigram FTS matches substrings of three or more characters.
	got := queryInt(t, out, `SELECT COUNT(*) FROM parts WHERE parts MATCH '"10kOhm"'`)
	if got != 20 {
		t.Errorf("FTS match = %d rows, want 20", got)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	// WHAT: two builds from the same snapshot and build time.
	// WHY: release diffing and chunk-level dedup rely on byte-identical
	// rebuilds; wall-clock leakage into the file would break both.
	now := time.Unix(1_700_000_000, 0)
	s := seedStore(t, 30, now)
	builder := NewBuilder(s, nil)
	dir := t.TempDir()

	buildTime := now.Add(time.Hour)
	pathA := filepath.Join(dir, "a.sqlite3")
	pathB := filepath.Join(dir, "b.sqlite3")
	if _, err := builder.Build(context.Background(), Profile{Name: "all"}, pathA, buildTime); err != nil {
		t.Fatalf("Build a: %v", err)
	}
	if _, err := builder.Build(context.Background(), Profile{Name: "all"}, pathB, buildTime); err != nil {
		t.Fatalf("Build b: %v", err)
	}

	blobA, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatal(err)
	}
	blobB, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blobA, blobB) {
		t.Error("rebuild with identical inputs produced different bytes")
	}
}

func TestBuild_EmptySnapshotFailsFast(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	s := store.NewStore(db, nil)
	builder := NewBuilder(s, nil)
	dir := t.TempDir()

	out := filepath.Join(dir, "recent.sqlite3")
	_, err := builder.Build(context.Background(), Profile{Name: "recent", RetentionDays: 365}, out, now)
	if !errors.Is(err, ErrEmptySnapshot) {
		t.Fatalf("Build = %v, want ErrEmptySnapshot", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("failed build left an output file behind")
	}

	// The empty profile is the one legitimate empty artifact.
	emptyOut := filepath.Join(dir, "empty.sqlite3")
	result, err := builder.Build(context.Background(), Profile{Name: "empty", Empty: true}, emptyOut, now)
	if err != nil {
		t.Fatalf("Build empty profile: %v", err)
	}
	if result.Parts != 0 {
		t.Errorf("empty profile Parts = %d, want 0", result.Parts)
	}
	if got := queryInt(t, emptyOut, `SELECT COUNT(*) FROM meta`); got != 1 {
		t.Errorf("meta rows = %d, want 1", got)
	}
}

func TestBuild_ReplacesPreviousFile(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := seedStore(t, 10, now)
	builder := NewBuilder(s, nil)
	out := filepath.Join(t.TempDir(), "view.sqlite3")

	if err := os.WriteFile(out, []byte("stale artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := builder.Build(context.Background(), Profile{Name: "all"}, out, now); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := queryInt(t, out, `SELECT COUNT(*) FROM parts`); got != 10 {
		t.Errorf("parts rows = %d, want 10", got)
	}
}

func TestTranslate_IntegrityFailure(t *testing.T) {
	translator := NewTranslator(map[int64]string{1: "UNI-ROYAL"}, map[int64]store.CategoryPair{}, 0)
	_, err := translator.Translate(store.Row{LCSC: 7, CategoryID: 99, ManufacturerID: 1, Price: "[]"})
	if !errors.Is(err, store.ErrIntegrity) {
		t.Errorf("Translate = %v, want store.ErrIntegrity", err)
	}
}
