// Package indexer projects enriched content items into Elasticsearch.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// DefaultIndex is the index enriched items are written to.
const DefaultIndex = "content_items"

// mapping keeps analysis values as keywords so reports can aggregate on them.
var mapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"source_id":         map[string]any{"type": "keyword"},
			"url":               map[string]any{"type": "keyword"},
			"source_url":        map[string]any{"type": "keyword"},
			"media_type":        map[string]any{"type": "keyword"},
			"caption":           map[string]any{"type": "text"},
			"views":             map[string]any{"type": "long"},
			"likes":             map[string]any{"type": "long"},
			"comments":          map[string]any{"type": "long"},
			"published_at":      map[string]any{"type": "date"},
			"enriched_at":       map[string]any{"type": "date"},
			"model":             map[string]any{"type": "keyword"},
			"topic":             map[string]any{"type": "keyword"},
			"subtopic":          map[string]any{"type": "keyword"},
			"hook_type":         map[string]any{"type": "keyword"},
			"emotional_trigger": map[string]any{"type": "keyword"},
			"tags":              map[string]any{"type": "keyword"},
			"content_formula":   map[string]any{"type": "text"},
			"success_reason":    map[string]any{"type": "text"},
			"target_audience":   map[string]any{"type": "text"},
		},
	},
}

// Document is the indexed shape of an enriched item.
type Document struct {
	SourceID         string           `json:"source_id"`
	URL              string           `json:"url"`
	SourceURL        string           `json:"source_url"`
	MediaType        domain.MediaType `json:"media_type"`
	Caption          string           `json:"caption"`
	Views            int64            `json:"views"`
	Likes            int64            `json:"likes"`
	Comments         int64            `json:"comments"`
	PublishedAt      time.Time        `json:"published_at"`
	EnrichedAt       *time.Time       `json:"enriched_at,omitempty"`
	Model            string           `json:"model,omitempty"`
	Topic            string           `json:"topic,omitempty"`
	Subtopic         string           `json:"subtopic,omitempty"`
	HookType         string           `json:"hook_type,omitempty"`
	EmotionalTrigger string           `json:"emotional_trigger,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	ContentFormula   string           `json:"content_formula,omitempty"`
	SuccessReason    string           `json:"success_reason,omitempty"`
	TargetAudience   string           `json:"target_audience,omitempty"`
}

// NewDocument flattens item and its analysis.
func NewDocument(item *domain.ContentItem) Document {
	doc := Document{
		SourceID:    item.SourceID,
		URL:         item.URL,
		SourceURL:   item.SourceURL,
		MediaType:   item.MediaType,
		Caption:     item.Caption,
		Views:       item.Views,
		Likes:       item.Likes,
		Comments:    item.Comments,
		PublishedAt: item.PublishedAt,
		EnrichedAt:  item.EnrichedAt,
	}
	if e := item.Enrichment; e != nil {
		doc.Model = e.Model
		if a := e.Analysis; a != nil {
			doc.Topic = a.Topic
			doc.Subtopic = a.Subtopic
			doc.HookType = a.HookType
			doc.EmotionalTrigger = a.EmotionalTrigger
			doc.Tags = a.Tags
			doc.ContentFormula = a.ContentFormula
			doc.SuccessReason = a.SuccessReason
			doc.TargetAudience = a.TargetAudience
		}
	}
	return doc
}

// Indexer writes documents to one index.
type Indexer struct {
	client *es.Client
	index  string
	log    logger.Logger
}

// New creates an indexer for index.
func New(client *es.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{client: client, index: index, log: log.With(logger.Component("indexer"))}
}

// EnsureIndex creates the index with its mapping unless it already exists.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.index}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", i.index, err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: unexpected status %s", i.index, res.Status())
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	res, err = i.client.Indices.Create(i.index,
		i.client.Indices.Create.WithBody(bytes.NewReader(body)),
		i.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", i.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("create index %s: %s", i.index, msg)
	}
	i.log.Info("Created index", logger.String("index", i.index))
	return nil
}

// IndexItem upserts item under its ID.
func (i *Indexer) IndexItem(ctx context.Context, item *domain.ContentItem) error {
	body, err := json.Marshal(NewDocument(item))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := i.client.Index(i.index, bytes.NewReader(body),
		i.client.Index.WithContext(ctx),
		i.client.Index.WithDocumentID(item.ID),
	)
	if err != nil {
		return fmt.Errorf("index item %s: %w", item.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index item %s: [%s] %s", item.ID, res.Status(), msg)
	}
	i.log.Debug("Indexed item", logger.ItemID(item.ID))
	return nil
}
