package partsview

import (
	"math"
	"strconv"
	"strings"

	"github.com/hazyhaar/jlcdb/internal/jlcapi"
)

// DefaultPriceCutoff drops tiers below one cent. Per-unit prices under that
// only matter at quantities where buyers negotiate directly.
const DefaultPriceCutoff = 0.01

// PriceStats counts what price compression did across one build.
type PriceStats struct {
	Tiers      int // tiers seen before compression
	Removed    int // tiers dropped, duplicates included
	Duplicates int // adjacent equal-price tiers merged away
}

func (s *PriceStats) add(other PriceStats) {
	s.Tiers += other.Tiers
	s.Removed += other.Removed
	s.Duplicates += other.Duplicates
}

// priceEntry is one tier mid-compression. The string form is authoritative
// for comparisons so float noise cannot split equal tiers.
type priceEntry struct {
	qFrom int
	qTo   *int // nil = open-ended
	str   string
	value float64
}

// ceilPrice reduces a price to 3 decimals, rounding up. Rounding up keeps
// the compressed table monotonic: a displayed price is never below what the
// vendor actually charges. The epsilon absorbs float representation noise on
// values that are already exact at 3 decimals.
func ceilPrice(price float64) float64 {
	return math.Ceil(price*1000-1e-9) / 1000
}

// CompressPrice reduces a price table to its display form: 3-decimal
// ceiling precision, tiers under cutoff dropped (the first always kept, the
// last forced open-ended), adjacent equal prices merged. Returns the
// serialized "qFrom-qTo:price" comma-joined string.
func CompressPrice(tiers []jlcapi.PriceTier, cutoff float64) (string, PriceStats) {
	stats := PriceStats{Tiers: len(tiers)}
	if len(tiers) == 0 {
		return "", stats
	}

	entries := make([]priceEntry, 0, len(tiers))
	for _, tier := range tiers {
		value := ceilPrice(tier.Price)
		entries = append(entries, priceEntry{
			qFrom: tier.QFrom,
			qTo:   tier.QTo,
			str:   strconv.FormatFloat(value, 'f', 3, 64),
			value: value,
		})
	}

	// Drop tiers under the cutoff. Tables run from smallest quantity and
	// highest price downward, so the survivors stay contiguous; the first
	// tier always survives so every part keeps a price.
	kept := entries[:1]
	for _, entry := range entries[1:] {
		if entry.value >= cutoff {
			kept = append(kept, entry)
		}
	}
	stats.Removed = len(entries) - len(kept)
	kept[len(kept)-1].qTo = nil

	merged := make([]priceEntry, 0, len(kept))
	for _, entry := range kept {
		if n := len(merged); n > 0 && merged[n-1].str == entry.str {
			merged[n-1].qTo = entry.qTo
			continue
		}
		merged = append(merged, entry)
	}
	stats.Duplicates = len(kept) - len(merged)
	stats.Removed += stats.Duplicates

	var sb strings.Builder
	for i, entry := range merged {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(entry.qFrom))
		sb.WriteByte('-')
		if entry.qTo != nil {
			sb.WriteString(strconv.Itoa(*entry.qTo))
		}
		sb.WriteByte(':')
		sb.WriteString(entry.str)
	}
	return sb.String(), stats
}
