package scraper

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// apifyPost is the subset of an instagram-scraper dataset item the harvester reads.
// Counters arrive as numbers, strings or null depending on the actor version; null
// leaves the zero value.
type apifyPost struct {
	ID             string    `mapstructure:"id"`
	ShortCode      string    `mapstructure:"shortCode"`
	URL            string    `mapstructure:"url"`
	Type           string    `mapstructure:"type"`
	Caption        string    `mapstructure:"caption"`
	DisplayURL     string    `mapstructure:"displayUrl"`
	VideoURL       string    `mapstructure:"videoUrl"`
	LikesCount     int64     `mapstructure:"likesCount"`
	CommentsCount  int64     `mapstructure:"commentsCount"`
	VideoPlayCount int64     `mapstructure:"videoPlayCount"`
	PlayCount      int64     `mapstructure:"playCount"`
	VideoViewCount int64     `mapstructure:"videoViewCount"`
	ViewCount      int64     `mapstructure:"viewCount"`
	Timestamp      time.Time `mapstructure:"timestamp"`
	OwnerUsername  string    `mapstructure:"ownerUsername"`
	Error          string    `mapstructure:"error"`
}

// views returns the first non-zero of the counters the actor has used for plays.
func (p *apifyPost) views() int64 {
	for _, v := range []int64{p.VideoPlayCount, p.PlayCount, p.VideoViewCount, p.ViewCount} {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (p *apifyPost) nativeID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.ShortCode
}

// decodePost maps one loose dataset item onto a RawPost. fallbackOwner fills a
// missing ownerUsername.
func decodePost(item map[string]any, fallbackOwner string) (domain.RawPost, error) {
	var p apifyPost
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
	})
	if err != nil {
		return domain.RawPost{}, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err = decoder.Decode(item); err != nil {
		return domain.RawPost{}, fmt.Errorf("failed to decode post: %w", err)
	}

	if p.Error != "" {
		return domain.RawPost{}, fmt.Errorf("%w: %s", errItemError, p.Error)
	}
	if p.nativeID() == "" {
		return domain.RawPost{}, errItemWithoutID
	}

	owner := p.OwnerUsername
	if owner == "" {
		owner = fallbackOwner
	}
	url := p.URL
	if url == "" && p.ShortCode != "" {
		url = "https://www.instagram.com/p/" + p.ShortCode + "/"
	}

	return domain.RawPost{
		NativeID:      p.nativeID(),
		URL:           url,
		OwnerUsername: strings.TrimPrefix(owner, "@"),
		MediaType:     domain.MediaType(p.Type),
		Caption:       p.Caption,
		CoverURL:      p.DisplayURL,
		VideoURL:      p.VideoURL,
		Views:         p.views(),
		Likes:         max(p.LikesCount, 0),
		Comments:      max(p.CommentsCount, 0),
		PublishedAt:   p.Timestamp.UTC(),
		Raw:           item,
	}, nil
}
