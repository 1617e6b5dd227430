package harvester

import (
	"time"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// Skip reasons recorded in parse_runs.items_skipped.
const (
	SkipMediaType      = "media_type_not_accepted"
	SkipBelowMinViews  = "below_min_views"
	SkipOutsideWindow  = "older_than_window"
	SkipBelowVirality  = "below_virality"
	SkipDuplicateBatch = "duplicate_in_batch"
	SkipAlreadyStored  = "already_ingested"
)

// filterBatch applies the rules that need no storage lookup and tallies discards in
// skipped. Survivors keep their input order.
func filterBatch(
	source *domain.TrackingSource, posts []domain.RawPost, since time.Time, viralityFactor float64,
	skipped domain.SkipCounts,
) []domain.RawPost {
	var threshold float64
	if viralityFactor > 0 {
		threshold = viralityFactor * averageViews(posts)
	}

	inBatch := make(map[string]struct{}, len(posts))
	kept := make([]domain.RawPost, 0, len(posts))
	for i := range posts {
		p := posts[i]
		switch {
		case !source.Accepts(p.MediaType):
			skipped.Add(SkipMediaType)
		case p.Views < source.MinViewsFilter:
			skipped.Add(SkipBelowMinViews)
		case !p.PublishedAt.IsZero() && p.PublishedAt.Before(since):
			skipped.Add(SkipOutsideWindow)
		case threshold > 0 && float64(p.Views) < threshold:
			skipped.Add(SkipBelowVirality)
		default:
			if _, dup := inBatch[p.NativeID]; dup {
				skipped.Add(SkipDuplicateBatch)
				continue
			}
			inBatch[p.NativeID] = struct{}{}
			kept = append(kept, p)
		}
	}
	return kept
}

// averageViews is the mean view count of posts.
func averageViews(posts []domain.RawPost) float64 {
	if len(posts) == 0 {
		return 0
	}
	var total int64
	for i := range posts {
		total += posts[i].Views
	}
	return float64(total) / float64(len(posts))
}

func nativeIDs(posts []domain.RawPost) []string {
	ids := make([]string, len(posts))
	for i := range posts {
		ids[i] = posts[i].NativeID
	}
	return ids
}
