package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStore implements LocalStore against MongoDB, for fleets that
// prefer a document store over the SQL backends. It has no
// database/sql surface to share with sqlStore, so it talks to the
// driver's typed API directly.
type mongoStore struct {
	client    *mongo.Client
	documents *mongo.Collection
	syncInfo  *mongo.Collection
}

type mongoDocument struct {
	Thing      string `bson:"thing"`
	ShadowName string `bson:"shadow_name"`
	Version    uint64 `bson:"version"`
	Document   string `bson:"document"`
	Deleted    bool   `bson:"deleted"`
	UpdatedAt  int64  `bson:"updated_at"`
}

type mongoSyncInfo struct {
	Thing              string `bson:"thing"`
	ShadowName         string `bson:"shadow_name"`
	LastSyncedVersion  uint64 `bson:"last_synced_version"`
	LastSyncedDocument string `bson:"last_synced_document"`
	CloudVersion       uint64 `bson:"cloud_version"`
	SyncDirection      string `bson:"sync_direction"`
}

func newMongoStore(uri string) (*mongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}

	db := client.Database("shadowgw")
	s := &mongoStore{
		client:    client,
		documents: db.Collection("documents"),
		syncInfo:  db.Collection("sync_info"),
	}

	idx := mongo.IndexModel{Keys: bson.D{{Key: "thing", Value: 1}, {Key: "shadow_name", Value: 1}}, Options: options.Index().SetUnique(true)}
	_, _ = s.documents.Indexes().CreateOne(ctx, idx)
	_, _ = s.syncInfo.Indexes().CreateOne(ctx, idx)

	return s, nil
}

func key(thing, shadowName string) bson.M {
	return bson.M{"thing": thing, "shadow_name": shadowName}
}

func (s *mongoStore) GetDocument(ctx context.Context, thing, shadowName string) (*StoredDocument, error) {
	var doc mongoDocument
	err := s.documents.FindOne(ctx, key(thing, shadowName)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document: %w", err)
	}
	return &StoredDocument{
		Thing: doc.Thing, ShadowName: doc.ShadowName, Version: doc.Version,
		Document: []byte(doc.Document), Deleted: doc.Deleted, UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *mongoStore) PutDocument(ctx context.Context, doc *StoredDocument) error {
	filter := key(doc.Thing, doc.ShadowName)
	update := bson.M{"$set": mongoDocument{
		Thing: doc.Thing, ShadowName: doc.ShadowName, Version: doc.Version,
		Document: string(doc.Document), Deleted: doc.Deleted, UpdatedAt: doc.UpdatedAt,
	}}
	_, err := s.documents.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: put document: %w", err)
	}
	return nil
}

func (s *mongoStore) DeleteDocument(ctx context.Context, thing, shadowName string, version uint64) error {
	res, err := s.documents.UpdateOne(ctx, key(thing, shadowName), bson.M{"$set": bson.M{"deleted": true, "version": version}})
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) ListShadowNames(ctx context.Context, thing string, offset, limit int) ([]string, int, error) {
	filter := bson.M{"thing": thing, "deleted": false, "shadow_name": bson.M{"$ne": ""}}

	total, err := s.documents.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("store: count shadows: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "shadow_name", Value: 1}}).SetSkip(int64(offset)).SetLimit(int64(limit))
	cur, err := s.documents.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list shadows: %w", err)
	}
	defer cur.Close(ctx)

	var names []string
	for cur.Next(ctx) {
		var doc mongoDocument
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		names = append(names, doc.ShadowName)
	}
	return names, int(total), nil
}

func (s *mongoStore) GetSyncInfo(ctx context.Context, thing, shadowName string) (*SyncInfo, error) {
	var info mongoSyncInfo
	err := s.syncInfo.FindOne(ctx, key(thing, shadowName)).Decode(&info)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sync info: %w", err)
	}
	return &SyncInfo{
		Thing: info.Thing, ShadowName: info.ShadowName, LastSyncedVersion: info.LastSyncedVersion,
		LastSyncedDocument: []byte(info.LastSyncedDocument), CloudVersion: info.CloudVersion, SyncDirection: info.SyncDirection,
	}, nil
}

func (s *mongoStore) PutSyncInfo(ctx context.Context, info *SyncInfo) error {
	filter := key(info.Thing, info.ShadowName)
	update := bson.M{"$set": mongoSyncInfo{
		Thing: info.Thing, ShadowName: info.ShadowName, LastSyncedVersion: info.LastSyncedVersion,
		LastSyncedDocument: string(info.LastSyncedDocument), CloudVersion: info.CloudVersion, SyncDirection: info.SyncDirection,
	}}
	_, err := s.syncInfo.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: put sync info: %w", err)
	}
	return nil
}

func (s *mongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
