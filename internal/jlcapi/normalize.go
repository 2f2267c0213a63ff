package jlcapi

import (
	"encoding/json"
	"fmt"
)

// extraStripFields are payload fields already represented by Component
// columns, removed from the extra blob.
var extraStripFields = []string{
	"componentCode",
	"firstSortName",
	"secondSortName",
	"componentModelEn",
	"componentSpecificationEn",
	"componentBrandEn",
	"componentLibraryType",
	"preferredComponentFlag",
	"describe",
	"dataManualUrl",
	"componentPriceList",
	"imageList",
	"componentPrices",
	"buyComponentPrices",
}

// rawPriceTier is the upstream price bracket shape. An endNumber of -1 marks
// an open-ended bracket.
type rawPriceTier struct {
	StartNumber  int     `json:"startNumber"`
	EndNumber    int     `json:"endNumber"`
	ProductPrice float64 `json:"productPrice"`
}

// Normalize converts one raw component record into a Component. Errors wrap
// ErrSchema so callers can skip the record without aborting the page.
//
// The upstream swaps category names on component rows: "secondSortName" holds
// the primary category and "firstSortName" the secondary, the opposite of the
// category listing endpoint. Normalize undoes the swap.
func Normalize(raw json.RawMessage) (Component, error) {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(raw, &record); err != nil {
		return Component{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	code, err := stringField(record, "componentCode")
	if err != nil {
		return Component{}, err
	}
	lcsc, err := ParseLCSC(code)
	if err != nil {
		return Component{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	component := Component{LCSC: lcsc}
	if component.Category, err = stringField(record, "secondSortName"); err != nil {
		return Component{}, err
	}
	if component.Subcategory, err = stringField(record, "firstSortName"); err != nil {
		return Component{}, err
	}
	if component.Mfr, err = stringField(record, "componentModelEn"); err != nil {
		return Component{}, err
	}
	if component.Package, err = stringField(record, "componentSpecificationEn"); err != nil {
		return Component{}, err
	}
	if component.Manufacturer, err = stringField(record, "componentBrandEn"); err != nil {
		return Component{}, err
	}

	libraryType, err := stringField(record, "componentLibraryType")
	if err != nil {
		return Component{}, err
	}
	component.Basic = libraryType == "base"

	if raw, ok := record["preferredComponentFlag"]; ok {
		if err := json.Unmarshal(raw, &component.Preferred); err != nil {
			return Component{}, fmt.Errorf("%w: preferredComponentFlag: %v", ErrSchema, err)
		}
	}

	component.Description, _ = stringField(record, "describe")

	datasheet, _ := stringField(record, "dataManualUrl")
	if datasheet == "" {
		suffix, _ := stringField(record, "urlSuffix")
		if suffix != "" {
			datasheet = "https://jlcpcb.com/partdetail/" + suffix
		}
	}
	component.Datasheet = datasheet

	if raw, ok := record["stockCount"]; ok {
		if err := json.Unmarshal(raw, &component.Stock); err != nil {
			return Component{}, fmt.Errorf("%w: stockCount: %v", ErrSchema, err)
		}
	}

	if component.Price, err = translatePrices(record["componentPrices"]); err != nil {
		return Component{}, err
	}

	extra, err := stripForExtra(record)
	if err != nil {
		return Component{}, err
	}
	component.Extra = extra

	// Joint count is not reported by this endpoint. Rows start at zero and
	// keep any previously stored value on update.
	component.Joints = 0

	return component, nil
}

// stringField reads a required string field; null counts as absent.
func stringField(record map[string]json.RawMessage, name string) (string, error) {
	raw, ok := record[name]
	if !ok || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing field %q", ErrSchema, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q: %v", ErrSchema, name, err)
	}
	return s, nil
}

// translatePrices converts upstream price brackets to PriceTiers.
func translatePrices(raw json.RawMessage) ([]PriceTier, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var brackets []rawPriceTier
	if err := json.Unmarshal(raw, &brackets); err != nil {
		return nil, fmt.Errorf("%w: componentPrices: %v", ErrSchema, err)
	}
	tiers := make([]PriceTier, 0, len(brackets))
	for _, b := range brackets {
		tier := PriceTier{QFrom: b.StartNumber, Price: b.ProductPrice}
		if b.EndNumber != -1 {
			qTo := b.EndNumber
			tier.QTo = &qTo
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// stripForExtra serializes the fields not mapped to a column, dropping nulls.
func stripForExtra(record map[string]json.RawMessage) (string, error) {
	extra := make(map[string]json.RawMessage, len(record))
	for key, value := range record {
		if string(value) == "null" {
			continue
		}
		extra[key] = value
	}
	for _, field := range extraStripFields {
		delete(extra, field)
	}
	blob, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("%w: extra blob: %v", ErrSchema, err)
	}
	return string(blob), nil
}
