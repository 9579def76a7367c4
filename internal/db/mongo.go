package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"knowledge_spider/internal/config"
	"knowledge_spider/internal/models"
	urlqueue "knowledge_spider/internal/url_queue"
)

var ErrNotFound = errors.New("not found")

// MongoDB stores knowledge bases (sources embedded) and the pages
// harvested for them.
type MongoDB struct {
	client         *mongo.Client
	database       *mongo.Database
	knowledgeBases *mongo.Collection
	documents      *mongo.Collection
	logger         *zap.Logger
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*MongoDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	d := &MongoDB{
		client:         client,
		database:       database,
		knowledgeBases: database.Collection(cfg.Collections.KnowledgeBases),
		documents:      database.Collection(cfg.Collections.Documents),
		logger:         logger,
	}
	d.createIndexes(ctx)
	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "kb_id", Value: 1}, {Key: "normalized_url", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "kb_id", Value: 1}, {Key: "source_id", Value: 1}, {Key: "ordinal", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "last_scraped", Value: 1}},
		},
	}
	if _, err := d.documents.Indexes().CreateMany(ctx, indexes); err != nil {
		d.logger.Warn("failed to create document indexes", zap.Error(err))
	}
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}

func (d *MongoDB) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	if _, err := d.knowledgeBases.InsertOne(ctx, kb); err != nil {
		return fmt.Errorf("insert knowledge base %s: %w", kb.ID, err)
	}
	return nil
}

func (d *MongoDB) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	err := d.knowledgeBases.FindOne(ctx, bson.M{"_id": id}).Decode(&kb)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("knowledge base %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find knowledge base %s: %w", id, err)
	}
	return &kb, nil
}

func (d *MongoDB) ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := d.knowledgeBases.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	defer cursor.Close(ctx)

	var kbs []models.KnowledgeBase
	if err := cursor.All(ctx, &kbs); err != nil {
		return nil, fmt.Errorf("decode knowledge bases: %w", err)
	}
	return kbs, nil
}

// SaveKnowledgeBase replaces the stored knowledge base, sources included.
func (d *MongoDB) SaveKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := d.knowledgeBases.ReplaceOne(ctx, bson.M{"_id": kb.ID}, kb, opts); err != nil {
		return fmt.Errorf("save knowledge base %s: %w", kb.ID, err)
	}
	return nil
}

func (d *MongoDB) GetDocument(ctx context.Context, kbID, normalizedURL string) (*models.Document, error) {
	var doc models.Document
	err := d.documents.FindOne(ctx, bson.M{"kb_id": kbID, "normalized_url": normalizedURL}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// SaveDocument upserts doc by (kb_id, normalized_url) and bumps its
// scrape counter.
func (d *MongoDB) SaveDocument(ctx context.Context, doc *models.Document) error {
	opts := options.Update().SetUpsert(true)
	filter := bson.M{"kb_id": doc.KBID, "normalized_url": doc.NormalizedURL}

	var updateDoc bson.M
	data, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := bson.Unmarshal(data, &updateDoc); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	delete(updateDoc, "scraped_count")
	delete(updateDoc, "_id")

	update := bson.M{
		"$set": updateDoc,
		"$inc": bson.M{"scraped_count": 1},
	}
	_, err = d.documents.UpdateOne(ctx, filter, update, opts)
	return err
}

// SaveSourcePages stores the pages of one crawl of a source in crawl
// order and drops the source's pages that were not harvested this time.
// It returns how many pages are new or changed.
func (d *MongoDB) SaveSourcePages(ctx context.Context, kbID, sourceID string, pages []models.Page) (int, error) {
	now := time.Now()
	changed := 0
	kept := make([]string, 0, len(pages))

	for i, page := range pages {
		normalized, ok := urlqueue.NormalizeURL(page.URL)
		if !ok {
			d.logger.Warn("skipping page with invalid url", zap.String("url", page.URL))
			continue
		}
		existing, err := d.GetDocument(ctx, kbID, normalized)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return changed, fmt.Errorf("load page %s: %w", normalized, err)
		}

		doc, isChanged := mergeDocument(existing, kbID, sourceID, i, normalized, page, now)
		if err := d.SaveDocument(ctx, &doc); err != nil {
			return changed, fmt.Errorf("save page %s: %w", normalized, err)
		}
		if isChanged {
			changed++
		}
		kept = append(kept, normalized)
	}

	res, err := d.documents.DeleteMany(ctx, bson.M{
		"kb_id":          kbID,
		"source_id":      sourceID,
		"normalized_url": bson.M{"$nin": kept},
	})
	if err != nil {
		return changed, fmt.Errorf("prune pages of source %s: %w", sourceID, err)
	}
	if res.DeletedCount > 0 {
		d.logger.Info("pruned pages no longer on source",
			zap.String("source_id", sourceID), zap.Int64("deleted", res.DeletedCount))
	}
	return changed, nil
}

// SourcePages returns a source's stored pages in crawl order.
func (d *MongoDB) SourcePages(ctx context.Context, kbID, sourceID string) ([]models.Page, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "ordinal", Value: 1}}).
		SetProjection(bson.M{"_id": 0, "url": 1, "title": 1, "content": 1})

	cursor, err := d.documents.Find(ctx, bson.M{"kb_id": kbID, "source_id": sourceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find pages of source %s: %w", sourceID, err)
	}
	defer cursor.Close(ctx)

	var pages []models.Page
	for cursor.Next(ctx) {
		var doc models.Document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		pages = append(pages, doc.Page())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}

func (d *MongoDB) PageStats(ctx context.Context, kbID string) (models.PageStats, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "kb_id", Value: kbID}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total_documents", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "avg_content_length", Value: bson.D{{Key: "$avg", Value: "$content_length"}}},
			{Key: "max_scraped_count", Value: bson.D{{Key: "$max", Value: "$scraped_count"}}},
		}}},
	}

	cursor, err := d.documents.Aggregate(ctx, pipeline)
	if err != nil {
		return models.PageStats{}, fmt.Errorf("aggregate page stats: %w", err)
	}
	defer cursor.Close(ctx)

	var results []models.PageStats
	if err := cursor.All(ctx, &results); err != nil {
		return models.PageStats{}, err
	}
	if len(results) == 0 {
		return models.PageStats{}, nil
	}
	return results[0], nil
}

// mergeDocument builds the document to store for page. An existing copy
// keeps its first-scrape time, and its modification time when the content
// hash is unchanged.
func mergeDocument(existing *models.Document, kbID, sourceID string, ordinal int, normalized string, page models.Page, now time.Time) (models.Document, bool) {
	ts := now.Unix()
	doc := models.Document{
		KBID:          kbID,
		SourceID:      sourceID,
		URL:           page.URL,
		NormalizedURL: normalized,
		Title:         page.Title,
		Content:       page.Text,
		ContentHash:   urlqueue.ComputeContentHash(page.Text),
		FirstScraped:  ts,
		LastScraped:   ts,
		LastModified:  ts,
		ContentLength: len(page.Text),
		Ordinal:       ordinal,
	}
	if existing == nil {
		return doc, true
	}

	doc.FirstScraped = existing.FirstScraped
	if existing.ContentHash == doc.ContentHash {
		doc.LastModified = existing.LastModified
		return doc, false
	}
	return doc, true
}
