package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TENANCY
// =============================================================================

// Org is the tenant boundary. Every other entity carries its ID.
type Org struct {
	ID        uuid.UUID       `json:"id"`
	Slug      string          `json:"slug"`
	Name      string          `json:"name"`
	Settings  json.RawMessage `json:"settings"` // decoded via config.DecodeOrgSettings
	CreatedAt time.Time       `json:"created_at"`
}

// =============================================================================
// INTAKE
// =============================================================================

type MessageSource string

const (
	SourceEmail  MessageSource = "EMAIL"
	SourceUpload MessageSource = "UPLOAD"
)

// InboundMessage records one incoming artifact (email or upload).
type InboundMessage struct {
	ID         uuid.UUID     `json:"id"`
	OrgID      uuid.UUID     `json:"org_id"`
	Source     MessageSource `json:"source"`
	DedupKey   string        `json:"dedup_key"`
	ReceivedAt time.Time     `json:"received_at"`
}

type DocumentStatus string

const (
	DocUploaded   DocumentStatus = "UPLOADED"
	DocStored     DocumentStatus = "STORED"
	DocProcessing DocumentStatus = "PROCESSING"
	DocExtracted  DocumentStatus = "EXTRACTED"
	DocFailed     DocumentStatus = "FAILED"
	DocDeleted    DocumentStatus = "DELETED"
)

// DocumentTransitionAllowed reports whether a document may move from one
// lifecycle status to another. EXTRACTED is terminal; FAILED is retryable.
func DocumentTransitionAllowed(from, to DocumentStatus) bool {
	switch from {
	case DocUploaded:
		return to == DocStored
	case DocStored:
		return to == DocProcessing || to == DocDeleted
	case DocProcessing:
		return to == DocExtracted || to == DocFailed
	case DocFailed:
		return to == DocProcessing || to == DocDeleted
	case DocExtracted:
		return to == DocDeleted
	}
	return false
}

// Document is a stored file. (org, sha256, filename, size) is unique; identical
// reuploads reuse the storage key but create a new row.
type Document struct {
	ID                uuid.UUID      `json:"id"`
	OrgID             uuid.UUID      `json:"org_id"`
	MessageID         *uuid.UUID     `json:"message_id"`
	Filename          string         `json:"filename"`
	MIMEType          string         `json:"mime_type"`
	SizeBytes         int64          `json:"size_bytes"`
	SHA256            string         `json:"sha256"`
	StorageKey        string         `json:"storage_key"`
	Status            DocumentStatus `json:"status"`
	PageCount         *int           `json:"page_count"`
	TextCoverageRatio *float64       `json:"text_coverage_ratio"`
	LayoutFingerprint *string        `json:"layout_fingerprint"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type RunStatus string

const (
	RunNew       RunStatus = "NEW"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// ExtractionRun is one execution of an extractor on a document. The latest run
// per (document, extractor) is authoritative.
type ExtractionRun struct {
	ID                uuid.UUID       `json:"id"`
	OrgID             uuid.UUID       `json:"org_id"`
	DocumentID        uuid.UUID       `json:"document_id"`
	Extractor         string          `json:"extractor"` // "rule_v1", "llm_v1"
	Status            RunStatus       `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at"`
	LineCount         int             `json:"line_count"`
	OverallConfidence float64         `json:"overall_confidence"`
	OutputJSON        json.RawMessage `json:"output_json"`
	MetricsJSON       json.RawMessage `json:"metrics_json"`
	ErrorJSON         json.RawMessage `json:"error_json"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Product is a catalog entry scoped to an org.
type Product struct {
	ID             uuid.UUID          `json:"id"`
	OrgID          uuid.UUID          `json:"org_id"`
	InternalSKU    string             `json:"internal_sku"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	BaseUoM        string             `json:"base_uom"`
	UoMConversions map[string]float64 `json:"uom_conversions"` // alternate UoM -> factor to base
	Active         bool               `json:"active"`
	Attributes     map[string]string  `json:"attributes"`
}

// ProductEmbedding stores a vector for a product plus the model identity and a
// hash of the canonical text it was computed from.
type ProductEmbedding struct {
	ProductID uuid.UUID `json:"product_id"`
	OrgID     uuid.UUID `json:"org_id"`
	Model     string    `json:"model"`
	TextHash  string    `json:"text_hash"`
	Vector    []float32 `json:"vector"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MappingStatus string

const (
	MappingSuggested  MappingStatus = "SUGGESTED"
	MappingConfirmed  MappingStatus = "CONFIRMED"
	MappingRejected   MappingStatus = "REJECTED"
	MappingDeprecated MappingStatus = "DEPRECATED"
)

// SkuMapping is the learned store: (org, customer, customer_sku_norm) -> internal_sku.
// At most one row in {CONFIRMED, SUGGESTED} exists per key.
type SkuMapping struct {
	ID              uuid.UUID     `json:"id"`
	OrgID           uuid.UUID     `json:"org_id"`
	CustomerID      uuid.UUID     `json:"customer_id"`
	CustomerSKUNorm string        `json:"customer_sku_norm"`
	InternalSKU     string        `json:"internal_sku"`
	Status          MappingStatus `json:"status"`
	Confidence      float64       `json:"confidence"`
	SupportCount    int           `json:"support_count"`
	RejectCount     int           `json:"reject_count"`
	LastUsedAt      *time.Time    `json:"last_used_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Customer is the buying party a draft order is attributed to.
type Customer struct {
	ID                uuid.UUID `json:"id"`
	OrgID             uuid.UUID `json:"org_id"`
	Name              string    `json:"name"`
	ERPCustomerNumber *string   `json:"erp_customer_number"`
	Active            bool      `json:"active"`
}

// CustomerPrice is one tier of customer-specific pricing. Overlapping validity
// windows for the same tier are forbidden by the schema.
type CustomerPrice struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	CustomerID  uuid.UUID  `json:"customer_id"`
	InternalSKU string     `json:"internal_sku"`
	Currency    string     `json:"currency"`
	UoM         string     `json:"uom"`
	MinQty      float64    `json:"min_qty"`
	UnitPrice   float64    `json:"unit_price"`
	ValidFrom   *time.Time `json:"valid_from"` // nil = open
	ValidTo     *time.Time `json:"valid_to"`   // nil = open
}

// =============================================================================
// DRAFTS
// =============================================================================

type DraftStatus string

const (
	DraftNeedsReview DraftStatus = "NEEDS_REVIEW"
	DraftReady       DraftStatus = "READY"
	DraftApproved    DraftStatus = "APPROVED"
	DraftPushing     DraftStatus = "PUSHING"
	DraftPushed      DraftStatus = "PUSHED"
	DraftError       DraftStatus = "ERROR"
)

type MatchStatus string

const (
	MatchMatched    MatchStatus = "MATCHED"
	MatchSuggested  MatchStatus = "SUGGESTED"
	MatchUnmatched  MatchStatus = "UNMATCHED"
	MatchOverridden MatchStatus = "OVERRIDDEN"
)

type MatchMethod string

const (
	MethodExactMapping MatchMethod = "exact_mapping"
	MethodHybrid       MatchMethod = "hybrid"
	MethodTrigram      MatchMethod = "trigram"
	MethodEmbedding    MatchMethod = "embedding"
)

// DraftOrder is the editable, human-reviewed representation of a canonical order.
type DraftOrder struct {
	ID                    uuid.UUID       `json:"id"`
	OrgID                 uuid.UUID       `json:"org_id"`
	CustomerID            *uuid.UUID      `json:"customer_id"`
	DocumentID            *uuid.UUID      `json:"document_id"`
	ExtractionRunID       *uuid.UUID      `json:"extraction_run_id"`
	Status                DraftStatus     `json:"status"`
	ExternalOrderNumber   *string         `json:"external_order_number"`
	OrderDate             *string         `json:"order_date"` // YYYY-MM-DD
	Currency              string          `json:"currency"`
	RequestedDeliveryDate *string         `json:"requested_delivery_date"`
	Notes                 *string         `json:"notes"`
	ReadyCheckJSON        json.RawMessage `json:"ready_check_json"`
	ApprovedBy            *string         `json:"approved_by"`
	ApprovedAt            *time.Time      `json:"approved_at"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// DraftOrderLine carries the per-line order fields plus matching outputs.
type DraftOrderLine struct {
	ID              uuid.UUID       `json:"id"`
	OrgID           uuid.UUID       `json:"org_id"`
	DraftID         uuid.UUID       `json:"draft_id"`
	LineNo          int             `json:"line_no"`
	CustomerSKURaw  *string         `json:"customer_sku_raw"`
	Description     *string         `json:"description"`
	Qty             float64         `json:"qty"`
	UoM             *string         `json:"uom"`
	UnitPrice       *float64        `json:"unit_price"`
	Currency        *string         `json:"currency"`
	DeliveryDate    *string         `json:"delivery_date"`
	InternalSKU     *string         `json:"internal_sku"`
	MatchConfidence float64         `json:"match_confidence"`
	MatchMethod     *MatchMethod    `json:"match_method"`
	MatchStatus     MatchStatus     `json:"match_status"`
	MatchDebugJSON  json.RawMessage `json:"match_debug_json"` // top-5 candidates with features
}

type IssueSeverity string

const (
	SeverityWarning IssueSeverity = "WARNING"
	SeverityError   IssueSeverity = "ERROR"
)

// ValidationIssue is attached to a draft or one of its lines.
type ValidationIssue struct {
	Kind     string          `json:"kind"`
	Severity IssueSeverity   `json:"severity"`
	LineNo   *int            `json:"line_no"`
	Details  json.RawMessage `json:"details"`
}

// =============================================================================
// EXPORT
// =============================================================================

type ExportStatus string

const (
	ExportPending ExportStatus = "PENDING"
	ExportSent    ExportStatus = "SENT"
	ExportAcked   ExportStatus = "ACKED"
	ExportFailed  ExportStatus = "FAILED"
)

// ERPExport is one export attempt. Retries create new rows; rows never move
// back to an earlier state.
type ERPExport struct {
	ID              uuid.UUID       `json:"id"`
	OrgID           uuid.UUID       `json:"org_id"`
	DraftID         uuid.UUID       `json:"draft_id"`
	ConnectionID    uuid.UUID       `json:"connection_id"`
	Status          ExportStatus    `json:"status"`
	Filename        string          `json:"filename"`
	StorageKey      *string         `json:"storage_key"`
	DropzonePath    *string         `json:"dropzone_path"`
	ERPOrderID      *string         `json:"erp_order_id"`
	ErrorJSON       json.RawMessage `json:"error_json"`
	AttemptedAt     time.Time       `json:"attempted_at"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at"`
	IdempotencyHash *string         `json:"idempotency_hash"`
}

// =============================================================================
// FEEDBACK / AUDIT
// =============================================================================

type FeedbackType string

const (
	FeedbackMappingConfirmed FeedbackType = "MAPPING_CONFIRMED"
	FeedbackMappingRejected  FeedbackType = "MAPPING_REJECTED"
	FeedbackLineCorrected    FeedbackType = "EXTRACTION_LINE_CORRECTED"
	FeedbackFieldCorrected   FeedbackType = "EXTRACTION_FIELD_CORRECTED"
	FeedbackCustomerSelected FeedbackType = "CUSTOMER_SELECTED"
)

// FeedbackEvent is append-only. Before/after payloads are capped at 10 KB each.
type FeedbackEvent struct {
	ID                uuid.UUID       `json:"id"`
	OrgID             uuid.UUID       `json:"org_id"`
	EventType         FeedbackType    `json:"event_type"`
	BeforeJSON        json.RawMessage `json:"before_json"`
	AfterJSON         json.RawMessage `json:"after_json"`
	LayoutFingerprint *string         `json:"layout_fingerprint"`
	InputSnippet      *string         `json:"input_snippet"` // <= 1500 chars
	Actor             string          `json:"actor"`
	CreatedAt         time.Time       `json:"created_at"`
}

// DocLayoutProfile aggregates per (org, layout_fingerprint).
type DocLayoutProfile struct {
	OrgID             uuid.UUID `json:"org_id"`
	LayoutFingerprint string    `json:"layout_fingerprint"`
	SeenCount         int       `json:"seen_count"`
	ExampleCount      int       `json:"example_count"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

type AICallStatus string

const (
	AICallSucceeded AICallStatus = "SUCCEEDED"
	AICallFailed    AICallStatus = "FAILED"
)

// AICallLog is the append-only audit of every provider call. At most one
// SUCCEEDED row exists per (org, document, call_type).
type AICallLog struct {
	ID           uuid.UUID    `json:"id"`
	OrgID        uuid.UUID    `json:"org_id"`
	DocumentID   *uuid.UUID   `json:"document_id"`
	CallType     string       `json:"call_type"` // "extract_text", "extract_vision", "repair_json", "embed"
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	LatencyMS    int64        `json:"latency_ms"`
	CostMicros   int64        `json:"cost_micros"`
	Status       AICallStatus `json:"status"`
	InputHash    *string      `json:"input_hash"`
	CreatedAt    time.Time    `json:"created_at"`
}

// AuditLog records operator and system actions on drafts and exports.
type AuditLog struct {
	ID        uuid.UUID       `json:"id"`
	OrgID     uuid.UUID       `json:"org_id"`
	Action    string          `json:"action"` // DRAFT_APPROVED, DRAFT_PUSHED, EXPORT_ACKED, ...
	Actor     string          `json:"actor"`
	DraftID   *uuid.UUID      `json:"draft_id"`
	ExportID  *uuid.UUID      `json:"export_id"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}
