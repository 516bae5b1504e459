package importer

import "strings"

// ColumnMapping binds normalized field keys to source column names. An empty
// string means unset. One struct field per key keeps typos out of the
// pipeline; Get/Set are the only string-keyed accessors and they reject
// unknown keys by returning/ignoring silently nothing.
type ColumnMapping struct {
	BranchCode        string `json:"branch_code,omitempty"`
	BranchName        string `json:"branch_name,omitempty"`
	Region            string `json:"region,omitempty"`
	RouteName         string `json:"route_name,omitempty"`
	RepCode           string `json:"rep_code,omitempty"`
	ClientCode        string `json:"client_code,omitempty"`
	ReachCustomerCode string `json:"reach_customer_code,omitempty"`
	CustomerNameEn    string `json:"customer_name_en,omitempty"`
	CustomerNameAr    string `json:"customer_name_ar,omitempty"`
	Lat               string `json:"lat,omitempty"`
	Lng               string `json:"lng,omitempty"`
	Address           string `json:"address,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Classification    string `json:"classification,omitempty"`
	WeekNumber        string `json:"week_number,omitempty"`
	DayName           string `json:"day_name,omitempty"`
	VisitOrder        string `json:"visit_order,omitempty"`
	VAT               string `json:"vat,omitempty"`
	District          string `json:"district,omitempty"`
	BuyerID           string `json:"buyer_id,omitempty"`
	StoreType         string `json:"store_type,omitempty"`
}

func (m *ColumnMapping) slot(key FieldKey) *string {
	switch key {
	case FieldBranchCode:
		return &m.BranchCode
	case FieldBranchName:
		return &m.BranchName
	case FieldRegion:
		return &m.Region
	case FieldRouteName:
		return &m.RouteName
	case FieldRepCode:
		return &m.RepCode
	case FieldClientCode:
		return &m.ClientCode
	case FieldReachCustomerCode:
		return &m.ReachCustomerCode
	case FieldCustomerNameEn:
		return &m.CustomerNameEn
	case FieldCustomerNameAr:
		return &m.CustomerNameAr
	case FieldLat:
		return &m.Lat
	case FieldLng:
		return &m.Lng
	case FieldAddress:
		return &m.Address
	case FieldPhone:
		return &m.Phone
	case FieldClassification:
		return &m.Classification
	case FieldWeekNumber:
		return &m.WeekNumber
	case FieldDayName:
		return &m.DayName
	case FieldVisitOrder:
		return &m.VisitOrder
	case FieldVAT:
		return &m.VAT
	case FieldDistrict:
		return &m.District
	case FieldBuyerID:
		return &m.BuyerID
	case FieldStoreType:
		return &m.StoreType
	}
	return nil
}

// Get returns the source column mapped to key, or "" when unset.
func (m ColumnMapping) Get(key FieldKey) string {
	if s := m.slot(key); s != nil {
		return *s
	}
	return ""
}

// Set binds key to a source column. Unknown keys are ignored.
func (m *ColumnMapping) Set(key FieldKey, column string) {
	if s := m.slot(key); s != nil {
		*s = column
	}
}

// Merge overlays non-empty fields of other onto m, returning the result.
// Used to apply operator edits on top of a detected mapping.
func (m ColumnMapping) Merge(other ColumnMapping) ColumnMapping {
	out := m
	for _, key := range AllFields {
		if v := other.Get(key); v != "" {
			out.Set(key, v)
		}
	}
	return out
}

// fieldAliases lists known source column spellings per field, stored in
// normalized form (lowercase, separators stripped). English and Arabic
// spellings both appear; exports from the legacy handheld app use the Arabic
// ones.
var fieldAliases = map[FieldKey][]string{
	FieldBranchCode:        {"branchcode", "regioncode", "sitecode", "brcode", "branchid", "رمزالفرع"},
	FieldBranchName:        {"branchname", "branch", "site", "sitename", "depot", "الفرع", "اسمالفرع"},
	FieldRegion:            {"region", "area", "zone", "المنطقة"},
	FieldRouteName:         {"routename", "route", "routeno", "routenumber", "journey", "journeyplan", "خطالسير", "المسار"},
	FieldRepCode:           {"repcode", "rep", "salesrep", "salesmancode", "salesman", "usercode", "drivercode", "رمزالمندوب", "المندوب"},
	FieldClientCode:        {"clientcode", "customercode", "custcode", "clientid", "customerno", "رمزالعميل"},
	FieldReachCustomerCode: {"reachcustomercode", "reachcode", "reachid"},
	FieldCustomerNameEn:    {"customernameen", "customername", "clientname", "nameen", "englishname", "customer", "اسمالعميل"},
	FieldCustomerNameAr:    {"customernamear", "namear", "arabicname", "الاسمالعربي", "اسمالعميلعربي"},
	FieldLat:               {"lat", "latitude", "gpslat", "خطالعرض"},
	FieldLng:               {"lng", "lon", "long", "longitude", "gpslng", "gpslong", "خطالطول"},
	FieldAddress:           {"address", "customeraddress", "street", "العنوان"},
	FieldPhone:             {"phone", "mobile", "phonenumber", "mobilenumber", "tel", "telephone", "الهاتف", "الجوال"},
	FieldClassification:    {"classification", "class", "customerclass", "category", "التصنيف"},
	FieldWeekNumber:        {"weeknumber", "week", "weekno", "الاسبوع"},
	FieldDayName:           {"dayname", "day", "visitday", "weekday", "اليوم"},
	FieldVisitOrder:        {"visitorder", "order", "seq", "sequence", "visitsequence", "ترتيبالزيارة"},
	FieldVAT:               {"vat", "vatnumber", "vatno", "taxnumber", "الرقمالضريبي"},
	FieldDistrict:          {"district", "neighborhood", "الحي"},
	FieldBuyerID:           {"buyerid", "buyer", "buyerno"},
	FieldStoreType:         {"storetype", "shoptype", "outlettype", "نوعالمتجر"},
}

// normalizeHeader lowercases a header and strips separators and a BOM so
// "Branch Code", "branch_code" and "branch-code" all compare equal.
func normalizeHeader(raw string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "\uFEFF")
	replacer := strings.NewReplacer(" ", "", "_", "", "-", "", ".", "", "/", "")
	return strings.ToLower(replacer.Replace(trimmed))
}

// DetectMapping proposes a mapping from field keys to header names. Two
// passes: every field first gets a chance at an exact alias match, and only
// after all exact matches are claimed do unresolved fields try substring
// containment. That keeps a fuzzy match from stealing a header that exactly
// matches a different field. Pure and deterministic: identical header lists
// always produce identical mappings.
func DetectMapping(headers []string) ColumnMapping {
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	var mapping ColumnMapping
	claimed := make(map[int]bool, len(headers))

	for _, key := range AllFields {
		for idx, header := range normalized {
			if claimed[idx] || header == "" {
				continue
			}
			if aliasExact(key, header) {
				mapping.Set(key, strings.TrimPrefix(strings.TrimSpace(headers[idx]), "\uFEFF"))
				claimed[idx] = true
				break
			}
		}
	}

	for _, key := range AllFields {
		if mapping.Get(key) != "" {
			continue
		}
		for idx, header := range normalized {
			if claimed[idx] || header == "" {
				continue
			}
			if aliasContains(key, header) {
				mapping.Set(key, strings.TrimPrefix(strings.TrimSpace(headers[idx]), "\uFEFF"))
				claimed[idx] = true
				break
			}
		}
	}

	return mapping
}

func aliasExact(key FieldKey, header string) bool {
	for _, alias := range fieldAliases[key] {
		if header == alias {
			return true
		}
	}
	return false
}

func aliasContains(key FieldKey, header string) bool {
	for _, alias := range fieldAliases[key] {
		// Short aliases only match as substrings of longer headers, never
		// the other way round, so "lat" matches "gpslatitude" but "l" could
		// never claim everything.
		if len(alias) >= 3 && strings.Contains(header, alias) {
			return true
		}
	}
	return false
}

// ValidationResult gates the confirm action.
type ValidationResult struct {
	IsValid               bool       `json:"isValid"`
	MissingRequiredFields []FieldKey `json:"missingRequiredFields"`
}

// Validate checks the required subset: branch_code or branch_name, plus
// route_name, client_code, customer_name_en, lat and lng. Pure.
func (m ColumnMapping) Validate() ValidationResult {
	var missing []FieldKey
	if m.BranchCode == "" && m.BranchName == "" {
		missing = append(missing, FieldBranchCode)
	}
	for _, key := range []FieldKey{FieldRouteName, FieldClientCode, FieldCustomerNameEn, FieldLat, FieldLng} {
		if m.Get(key) == "" {
			missing = append(missing, key)
		}
	}
	return ValidationResult{IsValid: len(missing) == 0, MissingRequiredFields: missing}
}

// Err converts an invalid result into the taxonomy error, nil when valid.
func (v ValidationResult) Err() error {
	if v.IsValid {
		return nil
	}
	return &MappingIncompleteError{MissingFields: v.MissingRequiredFields}
}
