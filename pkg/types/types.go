package types

import (
	"encoding/json"
	"time"
)

// SlotStatus represents the observed state of a slot's worker
type SlotStatus string

const (
	SlotStopped    SlotStatus = "STOPPED"
	SlotStarting   SlotStatus = "STARTING"
	SlotRunning    SlotStatus = "RUNNING"
	SlotPaused     SlotStatus = "PAUSED"
	SlotStopping   SlotStatus = "STOPPING"
	SlotDead       SlotStatus = "DEAD"
	SlotNeedsLogin SlotStatus = "NEEDS_LOGIN"
	SlotError      SlotStatus = "ERROR"
)

// HasPID reports whether a slot in this status may carry a live pid.
func (s SlotStatus) HasPID() bool {
	return s == SlotStarting || s == SlotRunning || s == SlotStopping
}

// SlotMode defines whether a slot may run a worker
type SlotMode string

const (
	ModeActive   SlotMode = "ACTIVE"
	ModeObserver SlotMode = "OBSERVER"
)

// Command is an operator instruction written into the state document
type Command string

const (
	CommandStart   Command = "START"
	CommandStop    Command = "STOP"
	CommandRestart Command = "RESTART"
	CommandPause   Command = "PAUSE"
)

// Phase represents the worker pipeline phase
type Phase string

const (
	PhaseInit          Phase = "INIT"
	PhaseFetchRecent   Phase = "FETCH_RECENT"
	PhaseParseRecent   Phase = "PARSE_RECENT"
	PhaseClickLeads    Phase = "CLICK_LEADS"
	PhaseFetchVerified Phase = "FETCH_VERIFIED"
	PhaseParseVerified Phase = "PARSE_VERIFIED"
	PhaseWriteLeads    Phase = "WRITE_LEADS"
	PhaseCooldown      Phase = "COOLDOWN"
)

// StopReason explains why a worker or supervisor stopped a slot
type StopReason string

const (
	StopNoHeartbeat      StopReason = "no_heartbeat"
	StopHeartbeatTimeout StopReason = "heartbeat_timeout"
	StopDeadPID          StopReason = "dead_pid"
	StopOutsideSchedule  StopReason = "outside_schedule"
	StopMaxRuntime       StopReason = "max_runtime_reached"
	StopLeadTarget       StopReason = "lead_target_reached"
	StopNoSession        StopReason = "no_session"
	StopSpawnFailed      StopReason = "spawn_failed"
)

// LeadStatus tracks a lead through the pipeline
type LeadStatus string

const (
	LeadCaptured LeadStatus = "captured"
	LeadClicked  LeadStatus = "clicked"
	LeadVerified LeadStatus = "verified"
	LeadRejected LeadStatus = "rejected"
)

// RejectReason explains why a lead was filtered out
type RejectReason string

const (
	RejectKeywordExcluded    RejectReason = "keyword_excluded"
	RejectKeywordMiss        RejectReason = "keyword_miss"
	RejectAgeUnknown         RejectReason = "age_unknown"
	RejectAgeTooOld          RejectReason = "age_too_old"
	RejectMobileMissing      RejectReason = "mobile_missing"
	RejectMobileUnverified   RejectReason = "mobile_unverified"
	RejectEmailMissing       RejectReason = "email_missing"
	RejectEmailUnverified    RejectReason = "email_unverified"
	RejectWhatsappMissing    RejectReason = "whatsapp_missing"
	RejectCountryNotAllowed  RejectReason = "country_not_allowed"
	RejectMemberUnknown      RejectReason = "member_unknown"
	RejectMemberTooNew       RejectReason = "member_too_new"
)

// Metrics is the worker-owned counter block embedded in the state document
type Metrics struct {
	PagesFetched  int64   `json:"pages_fetched"`
	LeadsParsed   int64   `json:"leads_parsed"`
	ClickedTotal  int64   `json:"clicked_total"`
	VerifiedTotal int64   `json:"verified_total"`
	RejectedTotal int64   `json:"rejected_total"`
	Errors        int64   `json:"errors"`
	Throughput    float64 `json:"throughput"`
	ErrorRate     float64 `json:"error_rate"`

	Phase            Phase      `json:"phase"`
	PhaseStartedAt   *time.Time `json:"phase_started_at,omitempty"`
	PhaseDurationSec float64    `json:"phase_duration_sec"`
	LastAction       string     `json:"last_action,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// RecomputeErrorRate refreshes the derived error_rate gauge.
func (m *Metrics) RecomputeErrorRate() {
	pages := m.PagesFetched
	if pages < 1 {
		pages = 1
	}
	m.ErrorRate = float64(m.Errors) / float64(pages)
}

// SlotState is the per-slot coordination document shared by the
// supervisor, the worker and the control plane. Field ownership is
// strict: the supervisor owns pid/status transitions and stop_reason,
// the worker owns metrics and last_heartbeat, the control plane owns
// command and mode. Unknown fields found on disk are preserved across
// read/modify/write cycles.
type SlotState struct {
	SlotID string   `json:"slot_id"`
	Status SlotStatus `json:"status"`
	Mode   SlotMode   `json:"mode"`
	Worker string     `json:"worker"`

	PID        int     `json:"pid,omitempty"`
	Command    Command `json:"command,omitempty"`
	AutoResume bool    `json:"auto_resume"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`

	LastCommand string     `json:"last_command,omitempty"`
	StopReason  StopReason `json:"stop_reason,omitempty"`
	StopDetail  string     `json:"stop_detail,omitempty"`

	RunStartedAt    *time.Time `json:"run_started_at,omitempty"`
	RunLeadsStart   int64      `json:"run_leads_start"`
	RunClickedStart int64      `json:"run_clicked_start"`

	Metrics Metrics `json:"metrics"`

	// Extra carries fields this build does not understand so that a
	// newer writer's additions survive a read-modify-write by an older
	// one.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownStateKeys must list every JSON key the struct serializes;
// anything else lands in Extra.
var knownStateKeys = map[string]bool{
	"slot_id": true, "status": true, "mode": true, "worker": true,
	"pid": true, "command": true, "auto_resume": true,
	"started_at": true, "stopped_at": true, "last_heartbeat": true,
	"updated_at": true, "last_command": true, "stop_reason": true,
	"stop_detail": true, "run_started_at": true, "run_leads_start": true,
	"run_clicked_start": true, "metrics": true,
}

type slotStateAlias SlotState

// UnmarshalJSON decodes known fields and stashes the remainder in Extra.
func (s *SlotState) UnmarshalJSON(data []byte) error {
	var alias slotStateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownStateKeys[key] {
			delete(raw, key)
		}
	}
	*s = SlotState(alias)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// MarshalJSON merges Extra back under the known fields. Known fields win
// on key collision.
func (s SlotState) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(slotStateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.Extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Touch stamps updated_at.
func (s *SlotState) Touch(now time.Time) {
	t := now.UTC()
	s.UpdatedAt = &t
}

// ClientSchedule restricts worker runs to a weekly time window
type ClientSchedule struct {
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Timezone    string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Days        []string `yaml:"days,omitempty" json:"days,omitempty"`
	WindowStart string   `yaml:"window_start,omitempty" json:"window_start,omitempty"`
	WindowEnd   string   `yaml:"window_end,omitempty" json:"window_end,omitempty"`
}

// SlotConfig is the live per-slot configuration, hot-reloaded by the
// worker on a short cadence.
type SlotConfig struct {
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`

	SearchTerms   []string `yaml:"search_terms,omitempty" json:"search_terms,omitempty"`
	ExcludeTerms  []string `yaml:"exclude_terms,omitempty" json:"exclude_terms,omitempty"`
	Country       []string `yaml:"country,omitempty" json:"country,omitempty"`
	ClientRegions []string `yaml:"client_regions,omitempty" json:"client_regions,omitempty"`

	MinMemberMonths int `yaml:"min_member_months,omitempty" json:"min_member_months,omitempty"`
	MaxAgeHours     int `yaml:"max_age_hours,omitempty" json:"max_age_hours,omitempty"`
	QualityLevel    int `yaml:"quality_level,omitempty" json:"quality_level,omitempty"`

	MaxClicksPerRun          int  `yaml:"max_clicks_per_run,omitempty" json:"max_clicks_per_run,omitempty"`
	MaxRunMinutes            int  `yaml:"max_run_minutes,omitempty" json:"max_run_minutes,omitempty"`
	MaxNewPerCycle           int  `yaml:"max_new_per_cycle,omitempty" json:"max_new_per_cycle,omitempty"`
	MaxClicksPerCycle        int  `yaml:"max_clicks_per_cycle,omitempty" json:"max_clicks_per_cycle,omitempty"`
	MaxVerifiedLeadsPerCycle int  `yaml:"max_verified_leads_per_cycle,omitempty" json:"max_verified_leads_per_cycle,omitempty"`
	MaxLeadAgeSeconds        int  `yaml:"max_lead_age_seconds,omitempty" json:"max_lead_age_seconds,omitempty"`
	ZeroSecondOnly           bool `yaml:"zero_second_only,omitempty" json:"zero_second_only,omitempty"`
	AllowUnknownAge          bool `yaml:"allow_unknown_age,omitempty" json:"allow_unknown_age,omitempty"`

	RequireMobileAvailable    bool `yaml:"require_mobile_available,omitempty" json:"require_mobile_available,omitempty"`
	RequireMobileVerified     bool `yaml:"require_mobile_verified,omitempty" json:"require_mobile_verified,omitempty"`
	RequireEmailAvailable     bool `yaml:"require_email_available,omitempty" json:"require_email_available,omitempty"`
	RequireEmailVerified      bool `yaml:"require_email_verified,omitempty" json:"require_email_verified,omitempty"`
	RequireWhatsappAvailable  bool `yaml:"require_whatsapp_available,omitempty" json:"require_whatsapp_available,omitempty"`

	ClientSchedule *ClientSchedule `yaml:"client_schedule,omitempty" json:"client_schedule,omitempty"`

	RecentURL    string `yaml:"recent_url,omitempty" json:"recent_url,omitempty"`
	RecentAPIURL string `yaml:"recent_api_url,omitempty" json:"recent_api_url,omitempty"`
	VerifiedURL  string `yaml:"verified_url,omitempty" json:"verified_url,omitempty"`

	UseBrowser            *bool `yaml:"use_browser,omitempty" json:"use_browser,omitempty"`
	Headless              *bool `yaml:"headless,omitempty" json:"headless,omitempty"`
	PreferAPI             *bool `yaml:"prefer_api,omitempty" json:"prefer_api,omitempty"`
	TopCardOnly           bool  `yaml:"top_card_only,omitempty" json:"top_card_only,omitempty"`
	TopCardCount          int   `yaml:"top_card_count,omitempty" json:"top_card_count,omitempty"`
	RenderWaitMS          int   `yaml:"render_wait_ms,omitempty" json:"render_wait_ms,omitempty"`
	RecentWaitMS          int   `yaml:"recent_wait_ms,omitempty" json:"recent_wait_ms,omitempty"`
	RecentRefreshSeconds  int   `yaml:"recent_refresh_seconds,omitempty" json:"recent_refresh_seconds,omitempty"`
	VerifyAfterClickSecs  int   `yaml:"verify_after_click_seconds,omitempty" json:"verify_after_click_seconds,omitempty"`
	VerifyRenderWaitMS    int   `yaml:"verify_render_wait_ms,omitempty" json:"verify_render_wait_ms,omitempty"`
	CooldownSeconds       *int  `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitempty"`
	PeriodicVerify        bool  `yaml:"periodic_verify,omitempty" json:"periodic_verify,omitempty"`
	DebugSnapshot         bool  `yaml:"debug_snapshot,omitempty" json:"debug_snapshot,omitempty"`
	AllowDetailClick      bool  `yaml:"allow_detail_click,omitempty" json:"allow_detail_click,omitempty"`

	LoginMode bool `yaml:"login_mode,omitempty" json:"login_mode,omitempty"`
	DryRun    bool `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
}

// BrowserEnabled reports whether the worker should drive a browser.
// Defaults to true when unset.
func (c *SlotConfig) BrowserEnabled() bool {
	return c.UseBrowser == nil || *c.UseBrowser
}

// APIPreferred reports whether the JSON endpoint is tried before the
// browser. Defaults to true when unset.
func (c *SlotConfig) APIPreferred() bool {
	return c.PreferAPI == nil || *c.PreferAPI
}

// EffectiveMaxAge returns the lead age cap in seconds. The seconds
// field wins, then the coarser hours field; unset means a 24h cap.
func (c *SlotConfig) EffectiveMaxAge() int {
	if c.MaxLeadAgeSeconds > 0 {
		return c.MaxLeadAgeSeconds
	}
	if c.MaxAgeHours > 0 {
		return c.MaxAgeHours * 3600
	}
	return 86400
}

// ClickBudget returns the per-cycle click cap, preferring the verified
// leads cap over the legacy clicks cap.
func (c *SlotConfig) ClickBudget() int {
	if c.MaxVerifiedLeadsPerCycle > 0 {
		return c.MaxVerifiedLeadsPerCycle
	}
	return c.MaxClicksPerCycle
}

// Lead is a content-addressed record of a scraped item
type Lead struct {
	Key             string     `json:"lead_key"`
	LeadID          string     `json:"lead_id,omitempty"`
	LeadIDSynthetic bool       `json:"lead_id_synthetic,omitempty"`
	SlotID          string     `json:"slot_id,omitempty"`

	Title     string `json:"title,omitempty"`
	DetailURL string `json:"detail_url,omitempty"`
	BuyURL    string `json:"buy_url,omitempty"`

	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`

	MobileAvailable   bool `json:"mobile_available,omitempty"`
	MobileVerified    bool `json:"mobile_verified,omitempty"`
	EmailAvailable    bool `json:"email_available,omitempty"`
	EmailVerified     bool `json:"email_verified,omitempty"`
	WhatsappAvailable bool `json:"whatsapp_available,omitempty"`

	Mobile string `json:"mobile,omitempty"`
	Email  string `json:"email,omitempty"`

	MemberSince *time.Time `json:"member_since,omitempty"`
	AgeSeconds  *int       `json:"age_seconds,omitempty"`
	AgeLabel    string     `json:"age_label,omitempty"`

	Status       LeadStatus   `json:"status"`
	RejectReason RejectReason `json:"rejected_reason,omitempty"`

	FetchedAt  *time.Time `json:"fetched_at,omitempty"`
	ClickedAt  *time.Time `json:"clicked_at,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	TopCard     bool `json:"top_card,omitempty"`
	TopCardRank int  `json:"top_card_rank,omitempty"`

	RawData map[string]any `json:"raw_data,omitempty"`
}

// MemberMonths returns the buyer's tenure in whole months, or -1 when
// member_since is unknown.
func (l *Lead) MemberMonths(now time.Time) int {
	if l.MemberSince == nil {
		return -1
	}
	months := int(now.Sub(*l.MemberSince).Hours() / (24 * 30))
	if months < 0 {
		return 0
	}
	return months
}

// Cookie mirrors the browser cookie export format persisted in the
// session blob.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
}

// Node identifies a federation peer. An empty BaseURL means the local
// node.
type Node struct {
	NodeID   string `yaml:"node_id" json:"node_id"`
	NodeName string `yaml:"node_name" json:"node_name"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Token    string `yaml:"token,omitempty" json:"-"`
}
