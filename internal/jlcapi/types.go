package jlcapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Category is one entry of the upstream category listing, identified by its
// primary and secondary sort names. Count is the number of parts upstream
// reports for it.
type Category struct {
	Primary   string
	Secondary string
	Count     int
}

func (c Category) String() string {
	if c.Secondary == "" {
		return fmt.Sprintf("%s (%d)", c.Primary, c.Count)
	}
	return fmt.Sprintf("%s | %s (%d)", c.Primary, c.Secondary, c.Count)
}

// PriceTier is one quantity bracket of a component's price table.
// A nil QTo means the bracket is open-ended.
type PriceTier struct {
	QFrom int     `json:"qFrom"`
	QTo   *int    `json:"qTo"`
	Price float64 `json:"price"`
}

// MarshalPrice serializes a price table for storage. Empty and nil both
// serialize as "[]".
func MarshalPrice(tiers []PriceTier) (string, error) {
	if len(tiers) == 0 {
		return "[]", nil
	}
	blob, err := json.Marshal(tiers)
	if err != nil {
		return "", fmt.Errorf("marshal price: %w", err)
	}
	return string(blob), nil
}

// UnmarshalPrice parses a stored price table. Empty input yields nil.
func UnmarshalPrice(blob string) ([]PriceTier, error) {
	if blob == "" || blob == "[]" {
		return nil, nil
	}
	var tiers []PriceTier
	if err := json.Unmarshal([]byte(blob), &tiers); err != nil {
		return nil, fmt.Errorf("unmarshal price: %w", err)
	}
	return tiers, nil
}

// Component is a catalog entry normalized at the scrape boundary. Upstream
// payloads are loosely typed JSON; everything downstream of this struct is
// strictly typed.
type Component struct {
	LCSC         int // numeric part of the LCSC part number ("C12345" -> 12345)
	Category     string
	Subcategory  string
	Mfr          string // manufacturer part number
	Package      string
	Manufacturer string
	Basic        bool
	Preferred    bool
	Description  string
	Datasheet    string
	Stock        int
	Price        []PriceTier
	Extra        string // JSON blob of fields not mapped to a column
	Joints       int    // solder joint count; not reported by the API
}

// PartNumber returns the user-facing LCSC part number ("C12345").
func (c *Component) PartNumber() string {
	return fmt.Sprintf("C%d", c.LCSC)
}

// ParseLCSC converts an LCSC part number in either representation
// ("C12345" or "12345") to its numeric database key.
func ParseLCSC(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "C")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("jlcapi: invalid LCSC part number %q", s)
	}
	return n, nil
}
