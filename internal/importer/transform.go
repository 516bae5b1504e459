package importer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// yieldEvery is how many rows the pure CPU-bound stages process between
// cancellation checks, so very large files stay responsive.
const yieldEvery = 2048

// resolveIndexes turns a mapping by column name into a mapping by column
// index for the given header row. A mapped column that is not present in the
// headers is a structural problem with the upload, not a per-row issue.
func resolveIndexes(headers []string, mapping ColumnMapping) (map[FieldKey]int, error) {
	byName := make(map[string]int, len(headers))
	for idx, h := range headers {
		byName[normalizeHeader(h)] = idx
	}

	resolved := make(map[FieldKey]int)
	for _, key := range AllFields {
		column := mapping.Get(key)
		if column == "" {
			continue
		}
		idx, ok := byName[normalizeHeader(column)]
		if !ok {
			return nil, &ParseError{Msg: fmt.Sprintf("column %q mapped to %s was not found in header", column, key)}
		}
		resolved[key] = idx
	}
	return resolved, nil
}

// Transform reshapes every raw row through the mapping into one Record per
// row. No filtering happens here: invalid coordinates become nil, not a
// dropped row. Re-running with an edited mapping regenerates the full record
// set with no residual state from the previous mapping.
func Transform(ctx context.Context, headers []string, rows [][]string, mapping ColumnMapping) ([]Record, error) {
	indexes, err := resolveIndexes(headers, mapping)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		if i%yieldEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		records = append(records, transformRow(row, indexes))
	}
	return records, nil
}

func transformRow(row []string, indexes map[FieldKey]int) Record {
	cell := func(key FieldKey) string {
		idx, ok := indexes[key]
		if !ok || idx < 0 || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	return Record{
		BranchCode:        trimmedOrNil(cell(FieldBranchCode)),
		BranchName:        trimmedOrNil(cell(FieldBranchName)),
		Region:            trimmedOrNil(cell(FieldRegion)),
		RouteName:         trimmedOrNil(cell(FieldRouteName)),
		RepCode:           trimmedOrNil(cell(FieldRepCode)),
		ClientCode:        trimmedOrNil(cell(FieldClientCode)),
		ReachCustomerCode: trimmedOrNil(cell(FieldReachCustomerCode)),
		CustomerNameEn:    trimmedOrNil(cell(FieldCustomerNameEn)),
		CustomerNameAr:    trimmedOrNil(cell(FieldCustomerNameAr)),
		Lat:               parseCoordinate(cell(FieldLat)),
		Lng:               parseCoordinate(cell(FieldLng)),
		Address:           trimmedOrNil(cell(FieldAddress)),
		Phone:             trimmedOrNil(cell(FieldPhone)),
		Classification:    trimmedOrNil(cell(FieldClassification)),
		WeekNumber:        parseOrdinal(cell(FieldWeekNumber)),
		DayName:           trimmedOrNil(cell(FieldDayName)),
		VisitOrder:        parseOrdinal(cell(FieldVisitOrder)),
		VAT:               trimmedOrNil(cell(FieldVAT)),
		District:          trimmedOrNil(cell(FieldDistrict)),
		BuyerID:           trimmedOrNil(cell(FieldBuyerID)),
		StoreType:         trimmedOrNil(cell(FieldStoreType)),
	}
}

func trimmedOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// parseCoordinate yields a finite float or nil, never NaN or Inf.
func parseCoordinate(value string) *float64 {
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil
	}
	return &parsed
}

// parseOrdinal parses week numbers and visit orders. Spreadsheets often hand
// these over as "1.0".
func parseOrdinal(value string) *int {
	if value == "" {
		return nil
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return &parsed
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil
	}
	truncated := int(parsed)
	return &truncated
}
