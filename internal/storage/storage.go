package storage

import (
	"errors"
	"io"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotExist    = errors.New("file does not exist")
)

type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// Storage keeps uploaded images. Paths returned by SaveFile are relative to
// the storage root and are what the other methods accept.
type Storage interface {
	SaveFile(r io.Reader, info FileInfo) (string, error)
	OpenFile(path string) (io.ReadSeekCloser, error)
	DeleteFile(path string) error
}
