package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// RawPost is one post as returned by the scraping provider, before filtering.
type RawPost struct {
	NativeID      string
	URL           string
	OwnerUsername string
	MediaType     MediaType
	Caption       string
	CoverURL      string
	VideoURL      string
	Views         int64
	Likes         int64
	Comments      int64
	PublishedAt   time.Time
	Raw           map[string]any
}

// ContentItem is a persisted, deduplicated post.
type ContentItem struct {
	ID               string      `db:"id"                 json:"id"`
	SourceID         string      `db:"source_id"          json:"source_id"`
	ProviderNativeID string      `db:"provider_native_id" json:"provider_native_id"`
	URL              string      `db:"url"                json:"url"`
	SourceURL        string      `db:"source_url"         json:"source_url"`
	MediaType        MediaType   `db:"media_type"         json:"media_type"`
	Caption          string      `db:"caption"            json:"caption"`
	CoverURL         string      `db:"cover_url"          json:"cover_url,omitempty"`
	VideoURL         string      `db:"video_url"          json:"video_url,omitempty"`
	Views            int64       `db:"views"              json:"views"`
	Likes            int64       `db:"likes"              json:"likes"`
	Comments         int64       `db:"comments"           json:"comments"`
	PublishedAt      time.Time   `db:"published_at"       json:"published_at"`
	RawPayload       JSONBMap    `db:"raw_payload"        json:"-"`
	Enrichment       *Enrichment `db:"enrichment"         json:"enrichment,omitempty"`
	EnrichedAt       *time.Time  `db:"enriched_at"        json:"enriched_at,omitempty"`
	CreatedAt        time.Time   `db:"created_at"         json:"created_at"`
}

// NewContentItem maps a filtered post onto an unsaved item for sourceID.
func NewContentItem(sourceID string, post RawPost) *ContentItem {
	return &ContentItem{
		SourceID:         sourceID,
		ProviderNativeID: post.NativeID,
		URL:              post.URL,
		SourceURL:        ProfileURL(post.OwnerUsername),
		MediaType:        post.MediaType,
		Caption:          post.Caption,
		CoverURL:         post.CoverURL,
		VideoURL:         post.VideoURL,
		Views:            post.Views,
		Likes:            post.Likes,
		Comments:         post.Comments,
		PublishedAt:      post.PublishedAt,
		RawPayload:       JSONBMap(post.Raw),
	}
}

// IsEnriched reports whether analysis was already attached.
func (c *ContentItem) IsEnriched() bool {
	return c.Enrichment != nil
}

// Analysis is the structured model output for one post.
type Analysis struct {
	Topic            string   `json:"topic"`
	Subtopic         string   `json:"subtopic"`
	HookType         string   `json:"hookType"`
	ContentFormula   string   `json:"contentFormula"`
	SuccessReason    string   `json:"successReason"`
	Tags             []string `json:"tags"`
	EmotionalTrigger string   `json:"emotionalTrigger"`
	TargetAudience   string   `json:"targetAudience"`
}

// Enrichment is the AI-derived metadata attached to a ContentItem.
// Analysis is nil when the model output could not be parsed; Raw always holds it.
type Enrichment struct {
	Model          string    `json:"model"`
	InvocationID   string    `json:"invocation_id"`
	Analysis       *Analysis `json:"analysis,omitempty"`
	Raw            string    `json:"raw"`
	ChargedCredits int64     `json:"charged_credits"`
	Shortfall      int64     `json:"shortfall,omitempty"`
	EnrichedAt     time.Time `json:"enriched_at"`
}

// Scan implements sql.Scanner.
func (e *Enrichment) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil || len(data) == 0 {
		return err
	}
	return json.Unmarshal(data, e)
}

// Value implements driver.Valuer.
func (e Enrichment) Value() (driver.Value, error) {
	return json.Marshal(e)
}
