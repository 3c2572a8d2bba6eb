package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driver_mirror/internal/config"
	"driver_mirror/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const duplicateKeyCode = 11000

// MongoDB keeps driver records keyed by GUID (_id) and an append-only visited collection.
//
// A standalone mongod has no multi-document transactions, so SavePage writes
// records before the marker: a crash in between re-crawls the page on the
// next run and the duplicate inserts are absorbed.
type MongoDB struct {
	client  *mongo.Client
	drivers *mongo.Collection
	visited *mongo.Collection
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig) (*MongoDB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	d := &MongoDB{
		client:  client,
		drivers: db.Collection(cfg.Collections.Drivers),
		visited: db.Collection(cfg.Collections.Visited),
	}

	if err := d.createIndexes(connectCtx); err != nil {
		return nil, fmt.Errorf("can't create indexes: %w", err)
	}
	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) error {
	_, err := d.drivers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "download_url", Value: 1}},
	})
	if err != nil {
		return err
	}

	_, err = d.visited.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "partition", Value: 1}, {Key: "page", Value: 1}},
	})
	return err
}

func (d *MongoDB) UpsertRecords(ctx context.Context, records []models.DriverRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, len(records))
	for i := range records {
		docs[i] = records[i]
	}

	_, err := d.drivers.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return len(records), nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return 0, fmt.Errorf("insert drivers: %w", err)
	}
	duplicates := 0
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return 0, fmt.Errorf("insert drivers: %w", err)
		}
		duplicates++
	}
	return len(records) - duplicates, nil
}

func (d *MongoDB) AppendProgress(ctx context.Context, marker models.ProgressMarker) error {
	if _, err := d.visited.InsertOne(ctx, marker); err != nil {
		return fmt.Errorf("insert progress marker: %w", err)
	}
	return nil
}

func (d *MongoDB) SavePage(ctx context.Context, records []models.DriverRecord, marker models.ProgressMarker) (int, error) {
	inserted, err := d.UpsertRecords(ctx, records)
	if err != nil {
		return 0, err
	}
	return inserted, d.AppendProgress(ctx, marker)
}

func (d *MongoDB) CompletedPartitions(ctx context.Context) (map[string]models.ProgressMarker, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$partition"},
			{Key: "page", Value: bson.D{{Key: "$max", Value: "$page"}}},
			{Key: "total_pages", Value: bson.D{{Key: "$max", Value: "$total_pages"}}},
		}}},
	}

	cursor, err := d.visited.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate progress: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Partition  string `bson:"_id"`
		Page       int    `bson:"page"`
		TotalPages int    `bson:"total_pages"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}

	rows := make([]partitionMax, len(results))
	for i, r := range results {
		rows[i] = partitionMax{partition: r.Partition, page: r.Page, totalPages: r.TotalPages}
	}
	return completedFrom(rows), nil
}

func (d *MongoDB) PendingResolution(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := d.drivers.Find(ctx, bson.M{"download_url": nil}, opts)
	if err != nil {
		return nil, fmt.Errorf("find pending drivers: %w", err)
	}
	defer cursor.Close(ctx)

	var guids []string
	for cursor.Next(ctx) {
		var res struct {
			GUID string `bson:"_id"`
		}
		if err := cursor.Decode(&res); err != nil {
			return nil, fmt.Errorf("decode pending driver: %w", err)
		}
		guids = append(guids, res.GUID)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return sortedStrings(guids), nil
}

func (d *MongoDB) DistinctResolvedLocations(ctx context.Context) ([]string, error) {
	values, err := d.drivers.Distinct(ctx, "download_url", bson.M{"download_url": bson.M{"$ne": nil}})
	if err != nil {
		return nil, fmt.Errorf("distinct download urls: %w", err)
	}

	urls := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			urls = append(urls, s)
		}
	}
	return sortedStrings(urls), nil
}

func (d *MongoDB) ResolvedDigests(ctx context.Context) (map[string]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"download_url": bson.M{"$ne": nil}}}},
		{{Key: "$group", Value: bson.M{"_id": "$download_url", "digest": bson.M{"$max": "$download_digest"}}}},
	}
	cursor, err := d.drivers.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate digests: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		URL    string `bson:"_id"`
		Digest string `bson:"digest"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode digests: %w", err)
	}
	digests := make(map[string]string, len(rows))
	for _, r := range rows {
		digests[r.URL] = r.Digest
	}
	return digests, nil
}

func (d *MongoDB) UpdateResolution(ctx context.Context, resolutions []models.Resolution) (int, error) {
	if len(resolutions) == 0 {
		return 0, nil
	}

	writes := make([]mongo.WriteModel, len(resolutions))
	for i, r := range resolutions {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": r.GUID, "download_url": nil}).
			SetUpdate(bson.M{"$set": bson.M{"download_url": r.URL, "download_digest": r.Digest}})
	}

	res, err := d.drivers.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("update resolutions: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (d *MongoDB) GetRecord(ctx context.Context, guid string) (*models.DriverRecord, error) {
	var rec models.DriverRecord
	err := d.drivers.FindOne(ctx, bson.M{"_id": guid}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
