package mongo

import (
	"context"
	"time"

	"github.com/yoockh/intraview/internal/models"
	"github.com/yoockh/intraview/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const FragmentCollection = "media_fragments"

type FragmentRepository interface {
	Insert(ctx context.Context, f *models.MediaFragment) error
	Get(ctx context.Context, sessionID string, modality models.Modality, index int64) (*models.MediaFragment, error)
	SetResult(ctx context.Context, sessionID string, modality models.Modality, index int64, res models.FragmentResult) error
	ListBySession(ctx context.Context, sessionID string, modality models.Modality, limit int64) ([]models.MediaFragment, error)
	ListUnprocessed(ctx context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error)
	// MarkPurged flags the given fragments as having no payload any more.
	MarkPurged(ctx context.Context, sessionID string, modality models.Modality, indexes []int64) (int64, error)
}

type fragmentRepo struct {
	col *mongo.Collection
}

func NewFragmentRepo(db *mongo.Database) FragmentRepository {
	return &fragmentRepo{col: db.Collection(FragmentCollection)}
}

func (r *fragmentRepo) Insert(ctx context.Context, f *models.MediaFragment) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, f)
	if mongo.IsDuplicateKeyError(err) {
		return utils.ErrDuplicate
	}
	return err
}

func (r *fragmentRepo) Get(ctx context.Context, sessionID string, modality models.Modality, index int64) (*models.MediaFragment, error) {
	var out models.MediaFragment
	err := r.col.FindOne(ctx, bson.M{"session_id": sessionID, "modality": modality, "sequence_index": index}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *fragmentRepo) SetResult(ctx context.Context, sessionID string, modality models.Modality, index int64, res models.FragmentResult) error {
	set := bson.M{
		"status":    res.Status,
		"processed": res.Status == models.FragmentDone,
	}
	if res.FailureReason != "" {
		set["failure_reason"] = res.FailureReason
	}
	switch modality {
	case models.ModalityAudio:
		set["transcript"] = res.Transcript
	case models.ModalityVideo:
		set["emotion_label"] = res.EmotionLabel
		set["emotion_confidence"] = res.Confidence
	}
	out, err := r.col.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "modality": modality, "sequence_index": index},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if out.MatchedCount == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *fragmentRepo) ListBySession(ctx context.Context, sessionID string, modality models.Modality, limit int64) ([]models.MediaFragment, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.find(ctx,
		bson.M{"session_id": sessionID, "modality": modality},
		options.Find().SetSort(bson.D{{Key: "sequence_index", Value: 1}}).SetLimit(limit),
	)
}

func (r *fragmentRepo) ListUnprocessed(ctx context.Context, sessionID string, modality models.Modality) ([]models.MediaFragment, error) {
	return r.find(ctx,
		bson.M{"session_id": sessionID, "modality": modality, "processed": false, "purged": bson.M{"$ne": true}},
		options.Find().SetSort(bson.D{{Key: "sequence_index", Value: 1}}),
	)
}

func (r *fragmentRepo) MarkPurged(ctx context.Context, sessionID string, modality models.Modality, indexes []int64) (int64, error) {
	if len(indexes) == 0 {
		return 0, nil
	}
	out, err := r.col.UpdateMany(ctx,
		bson.M{"session_id": sessionID, "modality": modality, "sequence_index": bson.M{"$in": indexes}},
		bson.M{"$set": bson.M{"purged": true, "payload_path": ""}},
	)
	if err != nil {
		return 0, err
	}
	return out.ModifiedCount, nil
}

func (r *fragmentRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.MediaFragment, error) {
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.MediaFragment
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
