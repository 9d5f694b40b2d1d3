package attachment

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrFileTooLarge        = errors.New("file too large")
	ErrEmptyContent        = errors.New("file content required")
	ErrInvalidContentType  = errors.New("content type not allowed")
	ErrInvalidFilename     = errors.New("invalid filename")
	ErrInvalidFileType     = errors.New("file type not allowed")
	ErrPathTraversal       = errors.New("path traversal detected")
	ErrInvalidTaskID       = errors.New("invalid task id")
	ErrInvalidFileID       = errors.New("invalid file id")
	ErrTaskNotFound        = errors.New("task not found")
	ErrFileNotFound        = errors.New("file not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	ErrMalformedRange      = errors.New("malformed range header")
	ErrStorage             = errors.New("storage failure")
	errMaxSizeNotSpecified = errors.New("max file size not specified")
)

// StorageError оборачивает сбой хранилища или БД. errors.Is(err, ErrStorage) == true.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
