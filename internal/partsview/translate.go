package partsview

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/jlcdb/internal/jlcapi"
	"github.com/hazyhaar/jlcdb/internal/store"
)

// Part is one row of the parts view, keyed the way the FTS table names its
// columns.
type Part struct {
	LCSCPart       string
	FirstCategory  string
	SecondCategory string
	MFRPart        string
	Package        string
	SolderJoint    int
	Manufacturer   string
	LibraryType    string
	Description    string
	Datasheet      string
	Price          string
	Stock          string
}

// LibraryType renders the component's assembly tier.
func LibraryType(basic, preferred bool) string {
	switch {
	case basic:
		return "Basic"
	case preferred:
		return "Preferred"
	default:
		return "Extended"
	}
}

// CleanDescription normalizes a description for display and search: prefer
// the extra blob's description when present, normalize the ROHS marker
// (nearly every part is ROHS, so flag the exceptions instead), strip the
// subcategory and package names where the vendor duplicated them, collapse
// double spaces, trim.
func CleanDescription(description, extraJSON, subcategory, pkg string) string {
	if extraJSON != "" {
		var extra struct {
			Description *string `json:"description"`
		}
		if err := json.Unmarshal([]byte(extraJSON), &extra); err == nil && extra.Description != nil {
			description = *extra.Description
		}
	}

	if strings.Contains(strings.ToLower(description), " rohs") {
		description = strings.ReplaceAll(description, " ROHS", "")
	} else {
		description += " not ROHS"
	}

	if subcategory != "" {
		description = strings.ReplaceAll(description, subcategory, "")
	}
	if pkg != "" {
		description = strings.ReplaceAll(description, pkg, "")
	}
	description = strings.ReplaceAll(description, "  ", " ")
	return strings.TrimSpace(description)
}

// Translator converts components cache rows into parts-view rows, resolving
// lookup IDs through snapshot maps and accumulating price statistics.
type Translator struct {
	manufacturers map[int64]string
	categories    map[int64]store.CategoryPair
	cutoff        float64
	stats         PriceStats
}

// NewTranslator builds a Translator over snapshot lookup maps.
func NewTranslator(manufacturers map[int64]string, categories map[int64]store.CategoryPair, priceCutoff float64) *Translator {
	if priceCutoff <= 0 {
		priceCutoff = DefaultPriceCutoff
	}
	return &Translator{
		manufacturers: manufacturers,
		categories:    categories,
		cutoff:        priceCutoff,
	}
}

// Translate converts one cache row. A lookup ID the snapshot maps do not
// know marks a corrupt cache and wraps store.ErrIntegrity.
func (t *Translator) Translate(row store.Row) (Part, error) {
	pair, ok := t.categories[row.CategoryID]
	if !ok {
		return Part{}, fmt.Errorf("%w: component C%d references unknown category %d",
			store.ErrIntegrity, row.LCSC, row.CategoryID)
	}
	manufacturer, ok := t.manufacturers[row.ManufacturerID]
	if !ok {
		return Part{}, fmt.Errorf("%w: component C%d references unknown manufacturer %d",
			store.ErrIntegrity, row.LCSC, row.ManufacturerID)
	}

	tiers, err := jlcapi.UnmarshalPrice(row.Price)
	if err != nil {
		return Part{}, fmt.Errorf("component C%d: %w", row.LCSC, err)
	}
	price, stats := CompressPrice(tiers, t.cutoff)
	t.stats.add(stats)

	return Part{
		LCSCPart:       fmt.Sprintf("C%d", row.LCSC),
		FirstCategory:  pair.Category,
		SecondCategory: pair.Subcategory,
		MFRPart:        row.Mfr,
		Package:        row.Package,
		SolderJoint:    row.Joints,
		Manufacturer:   manufacturer,
		LibraryType:    LibraryType(row.Basic, row.Preferred),
		Description:    CleanDescription(row.Description, row.Extra, pair.Subcategory, row.Package),
		Datasheet:      row.Datasheet,
		Price:          price,
		Stock:          strconv.Itoa(row.Stock),
	}, nil
}

// Stats returns the accumulated price compression counters.
func (t *Translator) Stats() PriceStats { return t.stats }
