package task

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Repository даёт доступ к документам задач. Все изменения вложений выполняются
// одним атомарным обновлением документа.
type Repository interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (Task, error)
	AttachAsset(ctx context.Context, id primitive.ObjectID, asset FileRecord, entry Activity) error
	DetachAsset(ctx context.Context, id, fileID primitive.ObjectID, entry Activity) error
	IsAssetReferenced(ctx context.Context, fileID primitive.ObjectID) (bool, error)
	FindTrashed(ctx context.Context) ([]Task, error)
	Delete(ctx context.Context, id primitive.ObjectID) error
	EnsureIndexes(ctx context.Context) error
}

type mongoRepository struct {
	collection *mongo.Collection
}

func NewRepository(collection *mongo.Collection) Repository {
	return &mongoRepository{
		collection: collection,
	}
}

func (r *mongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "assets._id", Value: 1}},
	})
	return err
}

func (r *mongoRepository) FindByID(ctx context.Context, id primitive.ObjectID) (Task, error) {
	var t Task
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

// AttachAsset добавляет вложение и запись журнала, только если задача
// существует и не находится в корзине.
func (r *mongoRepository) AttachAsset(ctx context.Context, id primitive.ObjectID, asset FileRecord, entry Activity) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "isTrashed": bson.M{"$ne": true}},
		bson.M{
			"$push": bson.M{
				"assets":     asset,
				"activities": entry,
			},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) DetachAsset(ctx context.Context, id, fileID primitive.ObjectID, entry Activity) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "assets._id": fileID},
		bson.M{
			"$pull": bson.M{"assets": bson.M{"_id": fileID}},
			"$push": bson.M{"activities": entry},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (r *mongoRepository) IsAssetReferenced(ctx context.Context, fileID primitive.ObjectID) (bool, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"assets._id": fileID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FindTrashed возвращает задачи из корзины вместе с их вложениями.
func (r *mongoRepository) FindTrashed(ctx context.Context) ([]Task, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"isTrashed": true})
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *mongoRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
