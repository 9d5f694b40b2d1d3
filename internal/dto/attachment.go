package dto

import "time"

type FileResponse struct {
	ID           string    `json:"_id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalname"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	UploadDate   time.Time `json:"uploadDate"`
	UploadedBy   string    `json:"uploadedBy"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type UploadResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	File    *FileResponse `json:"file,omitempty"`
}

// BatchUploadItem описывает результат загрузки одного файла из нескольких.
type BatchUploadItem struct {
	OriginalName string        `json:"originalname"`
	Success      bool          `json:"success"`
	File         *FileResponse `json:"file,omitempty"`
	Message      string        `json:"message,omitempty"`
}

type BatchUploadResponse struct {
	Success bool              `json:"success"`
	Files   []BatchUploadItem `json:"files"`
}

type FilesResponse struct {
	Success bool           `json:"success"`
	Files   []FileResponse `json:"files"`
}
