// Package mongodb stores files as documents in a MongoDB collection. It
// plugs into the flat backend, which provides directory semantics.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/flat"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// FileDocument is one stored file or directory marker
type FileDocument struct {
	ID     string    `bson:"_id"`
	Bucket string    `bson:"bucket"`
	Path   string    `bson:"path"`
	Data   []byte    `bson:"data"`
	Size   int64     `bson:"size"`
	Mtime  time.Time `bson:"mtime"`
}

func (d FileDocument) record() types.FlatRecord {
	return types.FlatRecord{Key: d.Path, Size: uint64(d.Size), ModTime: d.Mtime}
}

// Store implements flat.Store on MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	bucket     string
}

// New connects to uri and prepares the collection
func New(ctx context.Context, uri, database, collection, bucket string) (*Store, error) {
	if database == "" {
		database = "gcsfs"
	}
	if collection == "" {
		collection = "files"
	}
	if bucket == "" {
		bucket = "default"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "bucket", Value: 1},
			{Key: "path", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Store{client: client, collection: coll, bucket: bucket}, nil
}

func (s *Store) docID(key string) string {
	return s.bucket + "\x00" + key
}

func (s *Store) find(ctx context.Context, op, key string, projection bson.M) (FileDocument, error) {
	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}
	var doc FileDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": s.docID(key)}, opts).Decode(&doc)
	if err != nil {
		return FileDocument{}, wrapError(op, key, err)
	}
	return doc, nil
}

func (s *Store) Head(ctx context.Context, key string) (types.FlatRecord, error) {
	doc, err := s.find(ctx, "head", key, bson.M{"data": 0})
	if err != nil {
		return types.FlatRecord{}, err
	}
	return doc.record(), nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.find(ctx, "read", key, nil)
	if err != nil {
		return nil, err
	}
	if doc.Data == nil {
		return []byte{}, nil
	}
	return doc.Data, nil
}

func (s *Store) Write(ctx context.Context, key string, data []byte) (types.FlatRecord, error) {
	if data == nil {
		data = []byte{}
	}
	doc := FileDocument{
		ID:     s.docID(key),
		Bucket: s.bucket,
		Path:   key,
		Data:   data,
		Size:   int64(len(data)),
		Mtime:  time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return types.FlatRecord{}, wrapError("write", key, err)
	}
	return doc.record(), nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": s.docID(key)})
	if err != nil {
		return wrapError("remove", key, err)
	}
	if result.DeletedCount == 0 {
		return types.NewOpError("remove", key, types.ErrNotFound)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]types.FlatRecord, error) {
	filter := bson.M{"bucket": s.bucket}
	if prefix != "" {
		filter["path"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "path", Value: 1}}).
		SetProjection(bson.M{"data": 0})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapError("scan", prefix, err)
	}
	defer cursor.Close(ctx)

	var out []types.FlatRecord
	for cursor.Next(ctx) {
		var doc FileDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, types.NewOpError("scan", prefix, fmt.Errorf("%w: %v", types.ErrMetadataDecode, err))
		}
		out = append(out, doc.record())
	}
	if err := cursor.Err(); err != nil {
		return nil, wrapError("scan", prefix, err)
	}
	return out, nil
}

// Move rewrites each document under its new key and then removes the old
// one. Standalone servers have no multi-document transactions, so a
// directory move is not atomic here.
func (s *Store) Move(ctx context.Context, moves []flat.Move) error {
	for _, mv := range moves {
		doc, err := s.find(ctx, "move", mv.From, nil)
		if err != nil {
			return err
		}
		doc.ID = s.docID(mv.To)
		doc.Path = mv.To
		doc.Mtime = time.Now().UTC().Truncate(time.Millisecond)
		if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
			return wrapError("move", mv.To, err)
		}
		if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": s.docID(mv.From)}); err != nil {
			return wrapError("move", mv.From, err)
		}
	}
	return nil
}

// Close disconnects the client
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func wrapError(op, key string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return types.NewOpError(op, key, types.ErrNotFound)
	case types.KindOf(err) == types.KindCanceled:
		return err
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return types.NewOpError(op, key, fmt.Errorf("%w: %v", types.ErrUnavailable, err))
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return types.NewOpError(op, key, fmt.Errorf("%w: %v", types.ErrRequestRejected, err))
	}
	return types.NewOpError(op, key, fmt.Errorf("%w: %v", types.ErrUnavailable, err))
}

var _ flat.Store = (*Store)(nil)
