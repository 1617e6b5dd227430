package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"
)

// MediaType is the kind of post a provider returns.
type MediaType string

const (
	MediaImage   MediaType = "Image"
	MediaVideo   MediaType = "Video"
	MediaSidecar MediaType = "Sidecar"
)

// Valid reports whether m is a known media type.
func (m MediaType) Valid() bool {
	switch m {
	case MediaImage, MediaVideo, MediaSidecar:
		return true
	default:
		return false
	}
}

// ParseFrequency is how often a source is re-harvested by the scheduler.
type ParseFrequency string

const (
	FrequencyDaily     ParseFrequency = "daily"
	FrequencyThreeDays ParseFrequency = "3days"
	FrequencyWeekly    ParseFrequency = "weekly"
)

const hoursPerDay = 24

// Valid reports whether f is a known frequency.
func (f ParseFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyThreeDays, FrequencyWeekly:
		return true
	default:
		return false
	}
}

// Interval returns the minimum gap between two harvests. Unknown values fall back to daily.
func (f ParseFrequency) Interval() time.Duration {
	switch f {
	case FrequencyThreeDays:
		return 3 * hoursPerDay * time.Hour
	case FrequencyWeekly:
		return 7 * hoursPerDay * time.Hour
	default:
		return hoursPerDay * time.Hour
	}
}

// TrackingSource is an external account whose feed is harvested.
type TrackingSource struct {
	ID              string         `db:"id"                json:"id"`
	DatasetID       string         `db:"dataset_id"        json:"dataset_id"`
	UserID          string         `db:"user_id"           json:"user_id"`
	Username        string         `db:"username"          json:"username"`
	URL             string         `db:"url"               json:"url"`
	IsActive        bool           `db:"is_active"         json:"is_active"`
	ContentTypes    pq.StringArray `db:"content_types"     json:"content_types"`
	MinViewsFilter  int64          `db:"min_views_filter"  json:"min_views_filter"`
	DaysLimit       int            `db:"days_limit"        json:"days_limit"`
	FetchLimit      int            `db:"fetch_limit"       json:"fetch_limit"`
	ParseFrequency  ParseFrequency `db:"parse_frequency"   json:"parse_frequency"`
	LastHarvestedAt *time.Time     `db:"last_harvested_at" json:"last_harvested_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"        json:"updated_at"`
}

// Validate checks the invariants enforced on insert.
func (s *TrackingSource) Validate() error {
	if s.DatasetID == "" {
		return fmt.Errorf("%w: dataset_id is required", ErrInvalidSource)
	}
	if s.Username == "" && s.URL == "" {
		return fmt.Errorf("%w: username or url is required", ErrInvalidSource)
	}
	if s.FetchLimit <= 0 {
		return fmt.Errorf("%w: fetch_limit must be positive", ErrInvalidSource)
	}
	if s.DaysLimit <= 0 {
		return fmt.Errorf("%w: days_limit must be positive", ErrInvalidSource)
	}
	if s.MinViewsFilter < 0 {
		return fmt.Errorf("%w: min_views_filter must not be negative", ErrInvalidSource)
	}
	if len(s.ContentTypes) == 0 {
		return fmt.Errorf("%w: at least one content type is required", ErrInvalidSource)
	}
	for _, ct := range s.ContentTypes {
		if !MediaType(ct).Valid() {
			return fmt.Errorf("%w: unknown content type %q", ErrInvalidSource, ct)
		}
	}
	if s.ParseFrequency != "" && !s.ParseFrequency.Valid() {
		return fmt.Errorf("%w: unknown parse frequency %q", ErrInvalidSource, s.ParseFrequency)
	}
	return nil
}

// Accepts reports whether posts of media type m pass the content-type filter.
func (s *TrackingSource) Accepts(m MediaType) bool {
	return slices.Contains([]string(s.ContentTypes), string(m))
}

var profileHandlePattern = regexp.MustCompile(`instagram\.com/([^/?#]+)`)

// Handle returns the account handle passed to the scraping provider.
func (s *TrackingSource) Handle() string {
	if s.Username != "" {
		return strings.TrimPrefix(s.Username, "@")
	}
	if m := profileHandlePattern.FindStringSubmatch(s.URL); len(m) == 2 {
		return m[1]
	}
	return s.URL
}

// Since returns the oldest publication time accepted for a harvest starting at now.
func (s *TrackingSource) Since(now time.Time) time.Time {
	return now.Add(-time.Duration(s.DaysLimit) * hoursPerDay * time.Hour)
}

// Due reports whether the scheduler should harvest the source at now.
func (s *TrackingSource) Due(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.LastHarvestedAt == nil {
		return true
	}
	return !now.Before(s.LastHarvestedAt.Add(s.ParseFrequency.Interval()))
}

// ProfileURL is the canonical profile link stored on every ingested item.
func ProfileURL(owner string) string {
	return "https://instagram.com/" + owner
}
