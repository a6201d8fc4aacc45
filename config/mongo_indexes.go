package config

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongorepo "github.com/yoockh/intraview/internal/repositories/mongo"
)

func EnsureMongoIndexes(dbName string) error {
	if MongoClient == nil {
		return errors.New("MongoClient is nil; call InitMongo() first")
	}
	db := MongoClient.Database(dbName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fragments := db.Collection(mongorepo.FragmentCollection)
	_, err := fragments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// one fragment per (session, modality, index); inserts of a replay fail
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "modality", Value: 1},
				{Key: "sequence_index", Value: 1},
			},
			Options: options.Index().
				SetName("uniq_session_modality_index").
				SetUnique(true),
		},
		// reprocessing and status counts
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "modality", Value: 1},
				{Key: "processed", Value: 1},
			},
			Options: options.Index().SetName("by_session_processed"),
		},
	})
	return err
}
