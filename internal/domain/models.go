package domain

import "time"

// Commission models attachable to a location. A location with ModelNone owes
// nothing regardless of any stray minimum value.
const (
	CommissionModelNone         = "none"
	CommissionModelPercentGross = "percent_gross"
	CommissionModelFlatMonth    = "flat_month"
	CommissionModelHybrid       = "hybrid"
)

// Insurance allocation levels, most specific first.
const (
	AllocationLevelMachine  = "machine"
	AllocationLevelLocation = "location"
	AllocationLevelGlobal   = "global"
)

const (
	MachineStatusActive   = "active"
	MachineStatusInactive = "inactive"
)

type Machine struct {
	ID         string `json:"id"`
	LocationID string `json:"location_id,omitempty"`
	Label      string `json:"label"`
	Status     string `json:"status"`
}

type MachineCreateRequest struct {
	LocationID string `json:"location_id,omitempty"`
	Label      string `json:"label"`
}

type MachineUpdateRequest struct {
	LocationID *string `json:"location_id,omitempty"`
	Label      *string `json:"label,omitempty"`
	Status     *string `json:"status,omitempty"`
}

type CommissionPolicy struct {
	Model            string `json:"model"`
	PercentBps       int64  `json:"percent_bps"`
	FlatMonthlyCents int64  `json:"flat_monthly_cents"`
	MinMonthlyCents  int64  `json:"min_monthly_cents"`
}

type Location struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Commission CommissionPolicy `json:"commission"`
}

type LocationCreateRequest struct {
	Name       string           `json:"name"`
	Commission CommissionPolicy `json:"commission"`
}

type LocationUpdateRequest struct {
	Name       *string           `json:"name,omitempty"`
	Commission *CommissionPolicy `json:"commission,omitempty"`
}

// PaymentProcessor defaults are plain numbers as entered in the dashboard:
// percent fee 2.9 means 2.9%, fixed fee 0.10 means ten cents. Conversion to
// basis points and cents happens when the fee rule cache is built.
type PaymentProcessor struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	DefaultPercentFee *float64 `json:"default_percent_fee,omitempty"`
	DefaultFixedFee   *float64 `json:"default_fixed_fee,omitempty"`
}

type ProcessorCreateRequest struct {
	Name              string   `json:"name"`
	DefaultPercentFee *float64 `json:"default_percent_fee,omitempty"`
	DefaultFixedFee   *float64 `json:"default_fixed_fee,omitempty"`
}

// MachineProcessorMapping assigns a processor to a machine, optionally
// overriding the processor's default fees for that machine only.
type MachineProcessorMapping struct {
	MachineID   string   `json:"machine_id"`
	ProcessorID string   `json:"processor_id"`
	PercentFee  *float64 `json:"percent_fee,omitempty"`
	FixedFee    *float64 `json:"fixed_fee,omitempty"`
}

// FeeRule is the resolved, effective fee policy for one machine.
type FeeRule struct {
	ProcessorID string `json:"processor_id"`
	PercentBps  int64  `json:"percent_bps"`
	FixedCents  int64  `json:"fixed_cents"`
}

type SaleLine struct {
	ID             string    `json:"id,omitempty"`
	MachineID      string    `json:"machine_id"`
	Quantity       int64     `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	UnitCostCents  int64     `json:"unit_cost_cents"`
	Product        string    `json:"product,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type SaleCreateRequest struct {
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	MachineID      string    `json:"machine_id"`
	Quantity       int64     `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	UnitCostCents  int64     `json:"unit_cost_cents"`
	Product        string    `json:"product,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type SaleCreateResponse struct {
	Sale      SaleLine `json:"sale"`
	Duplicate bool     `json:"duplicate"`
}

type InsurancePolicy struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	CoverageStart       time.Time `json:"coverage_start"`
	CoverageEnd         time.Time `json:"coverage_end"`
	MonthlyPremiumCents int64     `json:"monthly_premium_cents"`
}

type InsurancePolicyCreateRequest struct {
	Name                string `json:"name"`
	CoverageStart       string `json:"coverage_start"`
	CoverageEnd         string `json:"coverage_end"`
	MonthlyPremiumCents int64  `json:"monthly_premium_cents"`
}

// InsuranceAllocation attributes a policy's premium at one of three levels.
// Exactly one of FlatMonthlyCents or AllocatedPctBps is set; when both are
// present the flat amount wins.
type InsuranceAllocation struct {
	ID               string `json:"id"`
	PolicyID         string `json:"policy_id"`
	Level            string `json:"level"`
	MachineID        string `json:"machine_id,omitempty"`
	LocationID       string `json:"location_id,omitempty"`
	FlatMonthlyCents *int64 `json:"flat_monthly_cents,omitempty"`
	AllocatedPctBps  *int64 `json:"allocated_pct_bps,omitempty"`
}

type InsuranceAllocationCreateRequest struct {
	PolicyID         string `json:"policy_id"`
	Level            string `json:"level"`
	MachineID        string `json:"machine_id,omitempty"`
	LocationID       string `json:"location_id,omitempty"`
	FlatMonthlyCents *int64 `json:"flat_monthly_cents,omitempty"`
	AllocatedPctBps  *int64 `json:"allocated_pct_bps,omitempty"`
}

// NetSummary is the full money breakdown for a sale line or an aggregation.
// Cents fields are authoritative; the dollar fields are cents/100 for display
// and must not feed further arithmetic.
type NetSummary struct {
	GrossCents   int64   `json:"gross_cents"`
	CogsCents    int64   `json:"cogs_cents"`
	FeeCents     int64   `json:"fee_cents"`
	NetCents     int64   `json:"net_cents"`
	Gross        float64 `json:"gross"`
	Cogs         float64 `json:"cogs"`
	Fees         float64 `json:"fees"`
	Net          float64 `json:"net"`
	MarginPct    float64 `json:"margin_pct"`
	NetMarginPct float64 `json:"net_margin_pct"`
}

// ReportingWindow is always passed explicitly into aggregation calls, never
// held as ambient state.
type ReportingWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type SalesSummaryResponse struct {
	Window  ReportingWindow `json:"window"`
	Sales   int64           `json:"sales"`
	Summary NetSummary      `json:"summary"`
	Cached  bool            `json:"cached"`
}

type LocationCommissionRow struct {
	LocationID      string `json:"location_id"`
	LocationName    string `json:"location_name"`
	Model           string `json:"model"`
	GrossCents      int64  `json:"gross_cents"`
	CommissionCents int64  `json:"commission_cents"`
}

type CommissionReportResponse struct {
	Window               ReportingWindow         `json:"window"`
	Rows                 []LocationCommissionRow `json:"rows"`
	TotalCommissionCents int64                   `json:"total_commission_cents"`
}

type MachineInsuranceRow struct {
	MachineID  string `json:"machine_id"`
	Label      string `json:"label"`
	LocationID string `json:"location_id,omitempty"`
	ShareCents int64  `json:"share_cents"`
}

type InsuranceReportResponse struct {
	Window          ReportingWindow       `json:"window"`
	Rows            []MachineInsuranceRow `json:"rows"`
	TotalShareCents int64                 `json:"total_share_cents"`
}

type MachineProfitRow struct {
	MachineID           string     `json:"machine_id"`
	Label               string     `json:"label"`
	LocationID          string     `json:"location_id,omitempty"`
	Sales               int64      `json:"sales"`
	Summary             NetSummary `json:"summary"`
	InsuranceShareCents int64      `json:"insurance_share_cents"`
	ProfitCents         int64      `json:"profit_cents"`
}

type MachineProfitReportResponse struct {
	Window ReportingWindow    `json:"window"`
	Rows   []MachineProfitRow `json:"rows"`
}

type FeeRuleReloadResponse struct {
	Machines int    `json:"machines"`
	LoadedAt string `json:"loaded_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
