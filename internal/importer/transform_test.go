package importer

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func baseMapping() ColumnMapping {
	return ColumnMapping{
		BranchCode:     "Branch Code",
		RouteName:      "Route",
		ClientCode:     "Client Code",
		CustomerNameEn: "Customer",
		Lat:            "Lat",
		Lng:            "Lng",
		WeekNumber:     "Week",
		VisitOrder:     "Order",
	}
}

func baseHeaders() []string {
	return []string{"Branch Code", "Route", "Client Code", "Customer", "Lat", "Lng", "Week", "Order"}
}

func TestTransformCoercesAndTrims(t *testing.T) {
	rows := [][]string{
		{" B1 ", "R1", "C100", "  Corner Store  ", "24.71", "46,68", "1.0", "3"},
	}
	records, err := Transform(context.Background(), baseHeaders(), rows, baseMapping())
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	rec := records[0]
	if got := *rec.BranchCode; got != "B1" {
		t.Errorf("branch code not trimmed: %q", got)
	}
	if got := *rec.CustomerNameEn; got != "Corner Store" {
		t.Errorf("customer name not trimmed: %q", got)
	}
	if got := *rec.Lat; got != 24.71 {
		t.Errorf("lat: got %v", got)
	}
	if got := *rec.Lng; got != 46.68 {
		t.Errorf("lng with comma decimal: got %v", got)
	}
	if got := *rec.WeekNumber; got != 1 {
		t.Errorf("week from %q: got %d", "1.0", got)
	}
	if got := *rec.VisitOrder; got != 3 {
		t.Errorf("visit order: got %d", got)
	}
}

func TestTransformInvalidValuesBecomeNil(t *testing.T) {
	rows := [][]string{
		{"B1", "R1", "C1", "Store", "not-a-number", "NaN", "abc", ""},
		{"", "", "", "", "", "", "", ""},
	}
	records, err := Transform(context.Background(), baseHeaders(), rows, baseMapping())
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("no row may be dropped: got %d records", len(records))
	}

	rec := records[0]
	if rec.Lat != nil || rec.Lng != nil {
		t.Errorf("unparsable coordinates must be nil, got %v/%v", rec.Lat, rec.Lng)
	}
	if rec.WeekNumber != nil {
		t.Errorf("unparsable week must be nil, got %v", rec.WeekNumber)
	}

	empty := records[1]
	if empty.BranchCode != nil || empty.CustomerNameEn != nil || empty.Lat != nil {
		t.Errorf("empty cells must be nil pointers: %+v", empty)
	}
}

func TestTransformShortRowIsPadded(t *testing.T) {
	rows := [][]string{{"B1", "R1"}}
	records, err := Transform(context.Background(), baseHeaders(), rows, baseMapping())
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	rec := records[0]
	if rec.ClientCode != nil || rec.Lat != nil {
		t.Errorf("cells beyond row length must be nil: %+v", rec)
	}
	if *rec.BranchCode != "B1" || *rec.RouteName != "R1" {
		t.Errorf("present cells lost: %+v", rec)
	}
}

func TestTransformUnknownMappedColumnFails(t *testing.T) {
	mapping := baseMapping()
	mapping.Phone = "No Such Column"
	_, err := Transform(context.Background(), baseHeaders(), [][]string{{"B1"}}, mapping)
	if err == nil {
		t.Fatal("expected error for mapped column missing from headers")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %T: %v", err, err)
	}
}

func TestTransformIsReentrant(t *testing.T) {
	rows := [][]string{
		{"B1", "R1", "C1", "Store A", "24.7", "46.6", "1", "1"},
		{"B2", "R2", "C2", "Store B", "24.8", "46.7", "2", "2"},
	}

	first, err := Transform(context.Background(), baseHeaders(), rows, baseMapping())
	if err != nil {
		t.Fatalf("first transform: %v", err)
	}

	// An edited mapping regenerates from scratch with no residue.
	edited := baseMapping()
	edited.RepCode = "Order"
	edited.VisitOrder = ""
	second, err := Transform(context.Background(), baseHeaders(), rows, edited)
	if err != nil {
		t.Fatalf("second transform: %v", err)
	}
	if second[0].VisitOrder != nil {
		t.Errorf("unmapped field survived remap: %v", *second[0].VisitOrder)
	}
	if *second[0].RepCode != "1" {
		t.Errorf("remapped column not applied: %q", *second[0].RepCode)
	}

	again, err := Transform(context.Background(), baseHeaders(), rows, baseMapping())
	if err != nil {
		t.Fatalf("third transform: %v", err)
	}
	if !reflect.DeepEqual(first, again) {
		t.Fatal("same mapping over same rows must reproduce identical records")
	}
}

func TestTransformHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows := make([][]string, 4096)
	for i := range rows {
		rows[i] = []string{"B1", "R1", "C1", "Store", "1", "1", "1", "1"}
	}
	if _, err := Transform(ctx, baseHeaders(), rows, baseMapping()); err == nil {
		t.Fatal("expected context error")
	}
}
