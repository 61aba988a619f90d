package types

import (
	"strings"
	"time"
)

// ContentType tags the shape of a collected payload.
type ContentType string

const (
	ContentStructured ContentType = "structured"
	ContentText       ContentType = "text"
	ContentBinaryRef  ContentType = "binary_ref"
)

// CollectedItem is one raw unit of intelligence retrieved from a source.
// It is immutable once built; an updated upstream entry becomes a new item.
type CollectedItem struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	SourceURL   string            `json:"source_url"`
	CollectedAt time.Time         `json:"collected_at"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content"`
	ContentType ContentType       `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Fingerprint string            `json:"fingerprint"`
}

// Status is the pipeline state of a collected item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
	StatusDuplicate  Status = "duplicate"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusError || s == StatusDuplicate
}

// CanTransition reports whether from -> to is a forward transition.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessed || to == StatusError || to == StatusDuplicate
	}
	return false
}

// ProcessingRecord tracks one item through the pipeline.
type ProcessingRecord struct {
	ItemID         string     `json:"item_id"`
	Source         string     `json:"source"`
	Status         Status     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CollectedAt    time.Time  `json:"collected_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EntityType is the closed set of extractable entity kinds.
type EntityType string

const (
	EntityIP           EntityType = "ip"
	EntityDomain       EntityType = "domain"
	EntityURL          EntityType = "url"
	EntityEmail        EntityType = "email"
	EntityMD5          EntityType = "md5"
	EntitySHA1         EntityType = "sha1"
	EntitySHA256       EntityType = "sha256"
	EntityCVE          EntityType = "cve"
	EntityOrganization EntityType = "organization"
	EntityPerson       EntityType = "person"
)

// EntityTypes lists every valid entity type.
var EntityTypes = []EntityType{
	EntityIP, EntityDomain, EntityURL, EntityEmail, EntityMD5,
	EntitySHA1, EntitySHA256, EntityCVE, EntityOrganization, EntityPerson,
}

// Valid reports whether t is a member of the closed enum.
func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Canonical returns v in the form the extractor stores for t.
func (t EntityType) Canonical(v string) string {
	switch t {
	case EntityCVE:
		return strings.ToUpper(v)
	case EntityDomain, EntityEmail, EntityMD5, EntitySHA1, EntitySHA256:
		return strings.ToLower(v)
	}
	return v
}

// Entity is a normalized fact extracted from an item. Enrichment is keyed
// by provider; Degraded names the providers that failed for this entity.
type Entity struct {
	ItemID     string                       `json:"item_id"`
	Type       EntityType                   `json:"type"`
	Value      string                       `json:"value"`
	Context    string                       `json:"context"`
	Enrichment map[string]map[string]string `json:"enrichment,omitempty"`
	Degraded   []string                     `json:"degraded,omitempty"`
	EnrichedAt *time.Time                   `json:"enriched_at,omitempty"`
	ExpiresAt  *time.Time                   `json:"enrichment_expires_at,omitempty"`
}

// Key identifies an entity independent of the item it came from.
func (e Entity) Key() string { return string(e.Type) + ":" + e.Value }

// SourceConfig describes one configured collection source.
type SourceConfig struct {
	Name           string            `yaml:"name" json:"name"`
	Type           string            `yaml:"type" json:"type"`
	Endpoint       string            `yaml:"endpoint" json:"endpoint"`
	Query          string            `yaml:"query" json:"query"`
	CredentialsRef string            `yaml:"credentials_ref" json:"credentials_ref"`
	RateLimit      time.Duration     `yaml:"rate_limit" json:"rate_limit"`
	Timeout        time.Duration     `yaml:"timeout" json:"timeout"`
	Enabled        *bool             `yaml:"enabled" json:"enabled"`
	Options        map[string]string `yaml:"options" json:"options"`
}

// IsEnabled treats an omitted enabled flag as true.
func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Severity of an alert condition.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertCondition is a standing subscription evaluated against every
// newly processed item.
type AlertCondition struct {
	Name           string                  `yaml:"name" json:"name"`
	Subject        string                  `yaml:"subject" json:"subject"`
	EntityFilters  map[EntityType][]string `yaml:"entity_filters" json:"entity_filters"`
	KeywordFilters []string                `yaml:"keyword_filters" json:"keyword_filters"`
	Severity       Severity                `yaml:"severity" json:"severity"`
	Enabled        *bool                   `yaml:"enabled" json:"enabled"`
}

// IsEnabled treats an omitted enabled flag as true.
func (a AlertCondition) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// Notification is produced once per (item, condition) match.
type Notification struct {
	ID               string    `json:"id"`
	AlertName        string    `json:"alert_name"`
	Subject          string    `json:"subject,omitempty"`
	Severity         Severity  `json:"severity"`
	MatchedItemID    string    `json:"matched_item_id"`
	MatchedCondition string    `json:"matched_condition"`
	Evidence         string    `json:"evidence"`
	Timestamp        time.Time `json:"timestamp"`
}

// SourceSummary holds per-source counts for one cycle.
type SourceSummary struct {
	Collected  int    `json:"collected"`
	Superseded int    `json:"superseded,omitempty"`
	Duplicates int    `json:"duplicates"`
	Malformed  int    `json:"malformed"`
	Empty      int    `json:"empty"`
	Processed  int    `json:"processed"`
	Errors     int    `json:"errors"`
	Skipped    bool   `json:"skipped,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// CycleSummary is always produced for a cycle, including partial failures.
type CycleSummary struct {
	RunID        string                    `json:"run_id"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
	Collected    int                       `json:"collected"`
	Deduplicated int                       `json:"deduplicated"`
	Processed    int                       `json:"processed"`
	Errors       int                       `json:"errors"`
	Sources      map[string]*SourceSummary `json:"sources"`
}

// Source returns the summary bucket for name, creating it if needed.
func (c *CycleSummary) Source(name string) *SourceSummary {
	if c.Sources == nil {
		c.Sources = make(map[string]*SourceSummary)
	}
	s, ok := c.Sources[name]
	if !ok {
		s = &SourceSummary{}
		c.Sources[name] = s
	}
	return s
}
