// Copyright 2025 Joevis
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package budget

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoSnapshotColl = "budget_snapshots"
	mongoHistoryColl  = "budget_archives"
	mongoSnapshotID   = "current"
)

// MongoStore persists the snapshot as one upserted document and archives as
// inserted documents.
type MongoStore struct {
	client   *mongo.Client
	database string
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return &MongoStore{client: client, database: database}, nil
}

type mongoSnapshotDoc struct {
	ID       string    `bson:"_id"`
	Snapshot *Snapshot `bson:"snapshot"`
}

// ReadSnapshot loads the current snapshot document.
func (s *MongoStore) ReadSnapshot(ctx context.Context) (*Snapshot, error) {
	coll := s.client.Database(s.database).Collection(mongoSnapshotColl)

	var doc mongoSnapshotDoc
	err := coll.FindOne(ctx, bson.M{"_id": mongoSnapshotID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if doc.Snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return doc.Snapshot, nil
}

// WriteSnapshot upserts the current snapshot document.
func (s *MongoStore) WriteSnapshot(ctx context.Context, snap *Snapshot) error {
	coll := s.client.Database(s.database).Collection(mongoSnapshotColl)

	_, err := coll.ReplaceOne(ctx,
		bson.M{"_id": mongoSnapshotID},
		mongoSnapshotDoc{ID: mongoSnapshotID, Snapshot: snap},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// AppendArchive inserts one closed-period archive document.
func (s *MongoStore) AppendArchive(ctx context.Context, arc *Archive) error {
	coll := s.client.Database(s.database).Collection(mongoHistoryColl)

	if _, err := coll.InsertOne(ctx, arc); err != nil {
		return fmt.Errorf("failed to append archive: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
