package importer

import (
	"context"
	"fmt"
	"strings"
)

// Extract derives the four entity sets and their associations from the full
// record set in a single pass. Identity is first-seen-wins per natural key;
// empty fields are upgraded in place when a later record supplies a value,
// but a populated field is never overwritten with an empty one.
func Extract(ctx context.Context, records []Record) (*EntitySet, error) {
	e := newExtractor()
	for i := range records {
		if i%yieldEvery == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.add(&records[i], i)
	}
	return e.finish(), nil
}

type extractor struct {
	branches    []Branch
	branchIdx   map[string]int
	routes      []Route
	routeIdx    map[string]int
	customers   []Customer
	custRecords []int
	customerIdx map[string]int
	visits      []Visit
	visitIdx    map[string]int
	routeReps   map[string]struct{}
	recordCount int
}

func newExtractor() *extractor {
	return &extractor{
		branchIdx:   map[string]int{},
		routeIdx:    map[string]int{},
		customerIdx: map[string]int{},
		visitIdx:    map[string]int{},
		routeReps:   map[string]struct{}{},
	}
}

func (e *extractor) add(rec *Record, ordinal int) {
	e.recordCount++
	branchCode := e.addBranch(rec)
	e.addRoute(rec, branchCode)
	customerKey := e.addCustomer(rec, branchCode, ordinal)
	e.addVisit(rec, customerKey)
}

// addBranch resolves the record's branch, creating it on first sighting.
// Records with neither code nor name land on the "Unassigned" sentinel so
// they never disappear from counts.
func (e *extractor) addBranch(rec *Record) string {
	code := deref(rec.BranchCode)
	name := deref(rec.BranchName)
	switch {
	case code == "" && name == "":
		code, name = UnassignedBranch, UnassignedBranch
	case code == "":
		code = normalizeKeyPart(name)
	case name == "":
		name = code
	}

	idx, seen := e.branchIdx[code]
	if !seen {
		e.branchIdx[code] = len(e.branches)
		e.branches = append(e.branches, Branch{
			Code:     code,
			Name:     name,
			Region:   copyPtr(rec.Region),
			IsActive: true,
			Lat:      validCoord(rec.Lat, rec.Lng, rec.Lat),
			Lng:      validCoord(rec.Lat, rec.Lng, rec.Lng),
		})
		return code
	}

	branch := &e.branches[idx]
	if branch.Region == nil && rec.Region != nil {
		branch.Region = copyPtr(rec.Region)
	}
	if branch.Lat == nil || branch.Lng == nil {
		if lat := validCoord(rec.Lat, rec.Lng, rec.Lat); lat != nil {
			branch.Lat = lat
			branch.Lng = validCoord(rec.Lat, rec.Lng, rec.Lng)
		}
	}
	return code
}

func (e *extractor) addRoute(rec *Record, branchCode string) {
	name := deref(rec.RouteName)
	if name == "" {
		return
	}

	key := branchCode + "\x1f" + normalizeKeyPart(name)
	idx, seen := e.routeIdx[key]
	if !seen {
		e.routeIdx[key] = len(e.routes)
		e.routes = append(e.routes, Route{BranchCode: branchCode, Name: name, RepCode: copyPtr(rec.RepCode)})
	} else if route := &e.routes[idx]; route.RepCode == nil && rec.RepCode != nil {
		route.RepCode = copyPtr(rec.RepCode)
	}

	if rep := deref(rec.RepCode); rep != "" {
		e.routeReps[key+"\x1f"+rep] = struct{}{}
	}
}

// addCustomer applies the key fallback chain: client_code, then
// reach_customer_code, then the normalized English name, then a
// deterministic row ordinal. The precedence is fixed so the preview's key
// set always equals the write's key set.
func (e *extractor) addCustomer(rec *Record, branchCode string, ordinal int) string {
	key := customerKey(rec, ordinal)

	mapKey := branchCode + "\x1f" + key
	idx, seen := e.customerIdx[mapKey]
	if !seen {
		e.customerIdx[mapKey] = len(e.customers)
		e.custRecords = append(e.custRecords, 1)
		e.customers = append(e.customers, Customer{
			BranchCode:     branchCode,
			Key:            key,
			ClientCode:     copyPtr(rec.ClientCode),
			NameEn:         deref(rec.CustomerNameEn),
			NameAr:         copyPtr(rec.CustomerNameAr),
			Lat:            copyFloat(rec.Lat),
			Lng:            copyFloat(rec.Lng),
			Address:        copyPtr(rec.Address),
			Phone:          copyPtr(rec.Phone),
			Classification: copyPtr(rec.Classification),
			VAT:            copyPtr(rec.VAT),
			District:       copyPtr(rec.District),
			BuyerID:        copyPtr(rec.BuyerID),
			StoreType:      copyPtr(rec.StoreType),
		})
		return key
	}

	e.custRecords[idx]++
	c := &e.customers[idx]
	if c.NameEn == "" {
		c.NameEn = deref(rec.CustomerNameEn)
	}
	upgradePtr(&c.ClientCode, rec.ClientCode)
	upgradePtr(&c.NameAr, rec.CustomerNameAr)
	upgradePtr(&c.Address, rec.Address)
	upgradePtr(&c.Phone, rec.Phone)
	upgradePtr(&c.Classification, rec.Classification)
	upgradePtr(&c.VAT, rec.VAT)
	upgradePtr(&c.District, rec.District)
	upgradePtr(&c.BuyerID, rec.BuyerID)
	upgradePtr(&c.StoreType, rec.StoreType)
	if c.Lat == nil && rec.Lat != nil {
		c.Lat = copyFloat(rec.Lat)
	}
	if c.Lng == nil && rec.Lng != nil {
		c.Lng = copyFloat(rec.Lng)
	}
	return key
}

// addVisit collapses records sharing (route, customer, week, day) into one
// visit; the last sighting wins for non-key fields. A missing week defaults
// to week 1.
func (e *extractor) addVisit(rec *Record, customerKey string) {
	routeName := deref(rec.RouteName)
	dayName := deref(rec.DayName)
	if routeName == "" || dayName == "" {
		return
	}

	week := 1
	if rec.WeekNumber != nil {
		week = *rec.WeekNumber
	}
	order := 0
	if rec.VisitOrder != nil {
		order = *rec.VisitOrder
	}

	key := strings.Join([]string{normalizeKeyPart(routeName), customerKey, fmt.Sprint(week), normalizeKeyPart(dayName)}, "\x1f")
	if idx, seen := e.visitIdx[key]; seen {
		v := &e.visits[idx]
		v.VisitOrder = order
		if rec.RepCode != nil {
			v.RepCode = copyPtr(rec.RepCode)
		}
		return
	}

	e.visitIdx[key] = len(e.visits)
	e.visits = append(e.visits, Visit{
		RouteName:   routeName,
		CustomerKey: customerKey,
		WeekNumber:  week,
		DayName:     dayName,
		VisitOrder:  order,
		RepCode:     copyPtr(rec.RepCode),
	})
}

func (e *extractor) finish() *EntitySet {
	// The missing-GPS count is per record, not per distinct customer: a
	// customer appearing on five rows without coordinates is five rows the
	// operator has to fix in the source file.
	missing := 0
	for i := range e.customers {
		if customerMissingGps(&e.customers[i]) {
			missing += e.custRecords[i]
		}
	}
	return &EntitySet{
		Branches:  e.branches,
		Routes:    e.routes,
		Customers: e.customers,
		Visits:    e.visits,
		Stats: ExtractStats{
			RecordCount:     e.recordCount,
			MissingGpsCount: missing,
			RouteRepPairs:   len(e.routeReps),
		},
	}
}

// customerMissingGps treats (0,0) as missing, not as a valid position on the
// equator: it is the universal placeholder for absent geodata in this data.
func customerMissingGps(c *Customer) bool {
	if c.Lat == nil || c.Lng == nil {
		return true
	}
	return *c.Lat == 0 && *c.Lng == 0
}

func customerKey(rec *Record, ordinal int) string {
	if code := deref(rec.ClientCode); code != "" {
		return code
	}
	if code := deref(rec.ReachCustomerCode); code != "" {
		return code
	}
	if name := deref(rec.CustomerNameEn); name != "" {
		return normalizeKeyPart(name)
	}
	return fmt.Sprintf("row-%d", ordinal)
}

func normalizeKeyPart(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func copyPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}

func upgradePtr(dst **string, src *string) {
	if *dst == nil && src != nil {
		*dst = copyPtr(src)
	}
}

// validCoord returns a copy of pick only when the record carries a usable
// pair: both present and not the (0,0) placeholder.
func validCoord(lat, lng, pick *float64) *float64 {
	if lat == nil || lng == nil {
		return nil
	}
	if *lat == 0 && *lng == 0 {
		return nil
	}
	return copyFloat(pick)
}
