// Package eventtypes enumerates the event catalog and the typed
// payloads the router and materializer decode at the boundary. Events
// travel the bus and the ledger as opaque JSON; this package is where
// that JSON becomes a Go type, once, so the rest of the core stays
// typed instead of dispatching on free-form maps.
package eventtypes

import (
	"encoding/json"
	"time"
)

// Event type constants. These are the values stored in
// ledger.Event.EventType and bus record headers.
const (
	LinkAdded              = "link.added"
	ContentFetched         = "content.fetched"
	EnrichmentCompleted    = "enrichment.completed"
	PublishCompleted       = "publish.completed"
	LinkVisibilityChanged  = "link.visibility_changed"
	WorkFailed             = "work.failed"
	WorkDeadLettered       = "work.dead_lettered"
	TempReadingRecorded    = "temp.reading_recorded"
	TodoCreated            = "todo.created"
	TodoCompleted          = "todo.completed"
	AnnotationAdded        = "annotation.added"
)

// Work type constants, used as the `work_type` field of work commands
// and as the bus topic suffix (`work.<work_type>`).
const (
	WorkFetchLink   = "fetch_link"
	WorkEnrichLink  = "enrich_link"
	WorkPublishLink = "publish_link"
)

// LinkAddedPayload is the payload of a link.added event.
type LinkAddedPayload struct {
	URL     string `json:"url"`
	URLNorm string `json:"url_norm,omitempty"`
}

// ContentFetchedPayload is the payload of a content.fetched event.
type ContentFetchedPayload struct {
	FinalURL       string `json:"final_url"`
	Title          string `json:"title,omitempty"`
	TextContent    string `json:"text_content,omitempty"`
	HTMLStorageKey string `json:"html_storage_key,omitempty"`
	FetchError     string `json:"fetch_error,omitempty"`
}

// EnrichmentCompletedPayload is the payload of an enrichment.completed event.
type EnrichmentCompletedPayload struct {
	Tags         []string `json:"tags"`
	SummaryShort string   `json:"summary_short,omitempty"`
	SummaryLong  string   `json:"summary_long,omitempty"`
	Language     string   `json:"language,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
}

// PublishCompletedPayload is the payload of a publish.completed event.
type PublishCompletedPayload struct {
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// LinkVisibilityChangedPayload is the payload of a
// link.visibility_changed event.
type LinkVisibilityChangedPayload struct {
	Visibility string `json:"visibility"`
}

// WorkFailedPayload is the payload of a work.failed event.
type WorkFailedPayload struct {
	WorkMessage json.RawMessage `json:"work_message"`
	Error       string          `json:"error"`
	Agent       string          `json:"agent"`
}

// WorkDeadLetteredPayload is the payload of a work.dead_lettered event,
// mirroring the DLQ record so the event log carries the same terminal
// fact that was published to work.dead_letter.
type WorkDeadLetteredPayload struct {
	OriginalWork json.RawMessage `json:"original_work"`
	FinalError   string          `json:"final_error"`
	FailedAt     time.Time       `json:"failed_at"`
	Agent        string          `json:"agent"`
}

// TempReadingRecordedPayload is the payload of a temp.reading_recorded event.
type TempReadingRecordedPayload struct {
	Celsius  float64  `json:"celsius"`
	Humidity *float64 `json:"humidity,omitempty"`
	Battery  *float64 `json:"battery,omitempty"`
}

// TodoCreatedPayload is the payload of a todo.created event.
type TodoCreatedPayload struct {
	Title  string     `json:"title"`
	Project string    `json:"project,omitempty"`
	Labels []string   `json:"labels,omitempty"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

// TodoCompletedPayload is the (empty) payload of a todo.completed event.
type TodoCompletedPayload struct{}

// AnnotationAddedPayload is the payload of an annotation.added event.
type AnnotationAddedPayload struct {
	AnnotationID  string `json:"annotation_id"`
	LinkSubjectID string `json:"link_subject_id"`
	Quote         string `json:"quote,omitempty"`
	Note          string `json:"note,omitempty"`
	Selector      string `json:"selector,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
}

// WorkCommand is the schema routed to per-stage work topics.
type WorkCommand struct {
	SubjectID         string          `json:"subject_id"`
	WorkType          string          `json:"work_type"`
	CorrelationID     string          `json:"correlation_id"`
	TriggeredByEvent  string          `json:"triggered_by_event_id"`
	Attempt           int             `json:"attempt"`
	MaxAttempts       int             `json:"max_attempts"`
	CreatedAt         time.Time       `json:"created_at"`
	LastError         string          `json:"last_error,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// FetchWorkPayload is the payload of a fetch_link work command.
type FetchWorkPayload struct {
	URL string `json:"url"`
}

// EnrichWorkPayload is the payload of an enrich_link work command.
type EnrichWorkPayload struct {
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	KnownTags []string `json:"known_tags,omitempty"`
}

// DeadLetterRecord is the value published to work.dead_letter.
type DeadLetterRecord struct {
	OriginalWork WorkCommand `json:"original_work"`
	FinalError   string      `json:"final_error"`
	FailedAt     time.Time   `json:"failed_at"`
	Agent        string      `json:"agent"`
}
