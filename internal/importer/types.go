package importer

import (
	"time"

	"github.com/google/uuid"
)

// FieldKey is a normalized target field that a source column can map to.
type FieldKey string

const (
	FieldBranchCode        FieldKey = "branch_code"
	FieldBranchName        FieldKey = "branch_name"
	FieldRegion            FieldKey = "region"
	FieldRouteName         FieldKey = "route_name"
	FieldRepCode           FieldKey = "rep_code"
	FieldClientCode        FieldKey = "client_code"
	FieldReachCustomerCode FieldKey = "reach_customer_code"
	FieldCustomerNameEn    FieldKey = "customer_name_en"
	FieldCustomerNameAr    FieldKey = "customer_name_ar"
	FieldLat               FieldKey = "lat"
	FieldLng               FieldKey = "lng"
	FieldAddress           FieldKey = "address"
	FieldPhone             FieldKey = "phone"
	FieldClassification    FieldKey = "classification"
	FieldWeekNumber        FieldKey = "week_number"
	FieldDayName           FieldKey = "day_name"
	FieldVisitOrder        FieldKey = "visit_order"
	FieldVAT               FieldKey = "vat"
	FieldDistrict          FieldKey = "district"
	FieldBuyerID           FieldKey = "buyer_id"
	FieldStoreType         FieldKey = "store_type"
)

// AllFields is the detection order. Exact-match resolution walks this list
// before any field is allowed a fuzzy match, so the order is part of the
// deterministic contract.
var AllFields = []FieldKey{
	FieldBranchCode,
	FieldBranchName,
	FieldRegion,
	FieldRouteName,
	FieldRepCode,
	FieldClientCode,
	FieldReachCustomerCode,
	FieldCustomerNameEn,
	FieldCustomerNameAr,
	FieldLat,
	FieldLng,
	FieldAddress,
	FieldPhone,
	FieldClassification,
	FieldWeekNumber,
	FieldDayName,
	FieldVisitOrder,
	FieldVAT,
	FieldDistrict,
	FieldBuyerID,
	FieldStoreType,
}

// Record is one raw row reshaped through a ColumnMapping into typed fields.
// String fields are trimmed with empty mapped to nil; lat/lng are finite or
// nil, never NaN.
type Record struct {
	BranchCode        *string
	BranchName        *string
	Region            *string
	RouteName         *string
	RepCode           *string
	ClientCode        *string
	ReachCustomerCode *string
	CustomerNameEn    *string
	CustomerNameAr    *string
	Lat               *float64
	Lng               *float64
	Address           *string
	Phone             *string
	Classification    *string
	WeekNumber        *int
	DayName           *string
	VisitOrder        *int
	VAT               *string
	District          *string
	BuyerID           *string
	StoreType         *string
}

// UnassignedBranch is the sentinel branch for records carrying neither a
// branch code nor a branch name, so they never silently drop out of counts.
const UnassignedBranch = "Unassigned"

type Branch struct {
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Region   *string  `json:"region"`
	IsActive bool     `json:"isActive"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type Route struct {
	BranchCode string  `json:"branchCode"`
	Name       string  `json:"name"`
	RepCode    *string `json:"repCode"`
}

type Customer struct {
	BranchCode     string   `json:"branchCode"`
	Key            string   `json:"key"`
	ClientCode     *string  `json:"clientCode"`
	NameEn         string   `json:"nameEn"`
	NameAr         *string  `json:"nameAr"`
	Lat            *float64 `json:"lat"`
	Lng            *float64 `json:"lng"`
	Address        *string  `json:"address"`
	Phone          *string  `json:"phone"`
	Classification *string  `json:"classification"`
	VAT            *string  `json:"vat"`
	District       *string  `json:"district"`
	BuyerID        *string  `json:"buyerId"`
	StoreType      *string  `json:"storeType"`
}

type Visit struct {
	RouteName   string  `json:"routeName"`
	CustomerKey string  `json:"customerKey"`
	WeekNumber  int     `json:"weekNumber"`
	DayName     string  `json:"dayName"`
	VisitOrder  int     `json:"visitOrder"`
	RepCode     *string `json:"repCode"`
}

// EntitySet is the deduplicated output of extraction. Entity slices keep
// first-seen order so repeated extractions over identical input are
// byte-identical.
type EntitySet struct {
	Branches  []Branch
	Routes    []Route
	Customers []Customer
	Visits    []Visit
	Stats     ExtractStats
}

type ExtractStats struct {
	RecordCount     int `json:"recordCount"`
	MissingGpsCount int `json:"missingGpsCount"`
	// RouteRepPairs counts distinct (branch, route, repCode) triples. This is
	// the business definition of the routes metric: capacity is planned by
	// rep headcount, not by distinct route names.
	RouteRepPairs int `json:"routeRepPairs"`
}

// Counts reports the per-entity numbers shown to the operator. Routes uses
// the distinct rep-code cardinality from Stats so preview and write always
// agree.
func (s *EntitySet) Counts() PerEntityCounts {
	return PerEntityCounts{
		Branches:  len(s.Branches),
		Routes:    s.Stats.RouteRepPairs,
		Customers: len(s.Customers),
		Visits:    len(s.Visits),
	}
}

type PerEntityCounts struct {
	Branches  int `json:"branches"`
	Routes    int `json:"routes"`
	Customers int `json:"customers"`
	Visits    int `json:"visits"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchComplete   BatchStatus = "complete"
	BatchError      BatchStatus = "error"
	BatchCancelled  BatchStatus = "cancelled"
)

// ImportBatch is one end-to-end pipeline execution against one uploaded file.
type ImportBatch struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenantId"`
	FileName    string          `json:"fileName"`
	RawRowCount int             `json:"rawRowCount"`
	Status      BatchStatus     `json:"status"`
	Counts      PerEntityCounts `json:"perEntityCounts"`
	Error       string          `json:"error,omitempty"`
	Uploader    string          `json:"uploader"`
	CreatedBy   *uuid.UUID      `json:"-"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type Step string

const (
	StepRawBackup Step = "raw_backup"
	StepBranches  Step = "branches"
	StepRoutes    Step = "routes"
	StepCustomers Step = "customers"
	StepVisits    Step = "visits"
)

var stepNames = map[Step]string{
	StepRawBackup: "Raw backup",
	StepBranches:  "Branches",
	StepRoutes:    "Routes",
	StepCustomers: "Customers",
	StepVisits:    "Visit schedule",
}

// ProgressEvent is an immutable snapshot emitted after each completed batch
// write. Percent is per-step (0-100); any global roll-up across steps is the
// caller's concern.
type ProgressEvent struct {
	Step         Step   `json:"step"`
	StepName     string `json:"stepName"`
	Percent      int    `json:"percent"`
	CurrentCount int    `json:"currentCount"`
	TotalCount   int    `json:"totalCount"`
}

// ProgressSink receives progress events. A nil sink is valid.
type ProgressSink func(ProgressEvent)

// RawUpload carries the decoded tabular content exactly as uploaded. The
// snapshot write persists it before any normalization so the operator's
// original data stays recoverable even when mapping was wrong.
type RawUpload struct {
	FileName string
	Headers  []string
	Rows     [][]string
}

// HistoryEntry is appended to the tenant history log when a batch completes.
type HistoryEntry struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"-"`
	FileName    string          `json:"fileName"`
	UploadDate  time.Time       `json:"uploadDate"`
	RecordCount int             `json:"recordCount"`
	Uploader    string          `json:"uploader"`
	Type        string          `json:"type"`
	Stats       PerEntityCounts `json:"stats"`
}
