package task

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ActivityType string

const (
	ActivityFileAdded   ActivityType = "file_added"
	ActivityFileDeleted ActivityType = "file_deleted"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrAssetNotFound = errors.New("asset not found in task")
	errInvalidAsset  = errors.New("invalid file record")
	errInvalidEntry  = errors.New("invalid activity entry")
)

// FileRecord хранит метаданные файла, прикреплённого к задаче.
// Создаётся только после успешной загрузки и никогда не изменяется.
type FileRecord struct {
	ID           primitive.ObjectID `bson:"_id" json:"_id"`
	Filename     string             `bson:"filename" json:"filename"`
	OriginalName string             `bson:"originalname" json:"originalname"`
	Size         int64              `bson:"size" json:"size"`
	ContentType  string             `bson:"contentType" json:"contentType"`
	UploadDate   time.Time          `bson:"uploadDate" json:"uploadDate"`
	UploadedBy   string             `bson:"uploadedBy" json:"uploadedBy"`
}

// Activity описывает запись журнала действий задачи.
type Activity struct {
	Type ActivityType `bson:"type" json:"type"`
	Text string       `bson:"activity" json:"activity"`
	Date time.Time    `bson:"date" json:"date"`
	By   string       `bson:"by" json:"by"`
}

// Task описывает документ задачи. Сервис работает только с вложениями и журналом,
// остальные поля читаются для проверок.
type Task struct {
	ID         primitive.ObjectID `bson:"_id" json:"_id"`
	Title      string             `bson:"title" json:"title"`
	Stage      string             `bson:"stage" json:"stage"`
	IsTrashed  bool               `bson:"isTrashed" json:"isTrashed"`
	Assets     []FileRecord       `bson:"assets,omitempty" json:"assets"`
	Activities []Activity         `bson:"activities,omitempty" json:"activities"`
	CreatedAt  time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time          `bson:"updatedAt" json:"updatedAt"`
}

func NewFileRecord(id primitive.ObjectID, filename, originalName, contentType string, size int64, uploadedBy string, uploadDate time.Time) (FileRecord, error) {
	switch {
	case id.IsZero():
		return FileRecord{}, fmt.Errorf("%w: id required", errInvalidAsset)
	case filename == "" || originalName == "":
		return FileRecord{}, fmt.Errorf("%w: filename required", errInvalidAsset)
	case contentType == "":
		return FileRecord{}, fmt.Errorf("%w: content type required", errInvalidAsset)
	case size < 0:
		return FileRecord{}, fmt.Errorf("%w: negative size", errInvalidAsset)
	case uploadedBy == "":
		return FileRecord{}, fmt.Errorf("%w: uploader required", errInvalidAsset)
	}
	return FileRecord{
		ID:           id,
		Filename:     filename,
		OriginalName: originalName,
		Size:         size,
		ContentType:  contentType,
		UploadDate:   uploadDate.UTC(),
		UploadedBy:   uploadedBy,
	}, nil
}

func NewActivity(kind ActivityType, text, by string, at time.Time) (Activity, error) {
	if kind == "" || text == "" || by == "" {
		return Activity{}, errInvalidEntry
	}
	return Activity{Type: kind, Text: text, Date: at.UTC(), By: by}, nil
}

// FindAsset возвращает вложение задачи по идентификатору файла.
func (t Task) FindAsset(fileID primitive.ObjectID) (FileRecord, bool) {
	for _, asset := range t.Assets {
		if asset.ID == fileID {
			return asset, true
		}
	}
	return FileRecord{}, false
}

// WithoutAsset возвращает копию списка вложений без указанного файла.
func (t Task) WithoutAsset(fileID primitive.ObjectID) []FileRecord {
	out := make([]FileRecord, 0, len(t.Assets))
	for _, asset := range t.Assets {
		if asset.ID != fileID {
			out = append(out, asset)
		}
	}
	return out
}
