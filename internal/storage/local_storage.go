package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var imageExtensions = map[string]string{
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".png":  ".png",
	".gif":  ".gif",
	".webp": ".webp",
}

var contentTypeExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// SaveFile stores r under a fresh uuid name. The extension comes from the
// uploaded filename when it is a known image type, then from the content
// type, and defaults to .jpg.
func (ls *LocalStorage) SaveFile(r io.Reader, info FileInfo) (string, error) {
	filename := uuid.New().String() + imageExtension(info)
	fullPath := filepath.Join(ls.basePath, filename)

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return filename, nil
}

func (ls *LocalStorage) OpenFile(path string) (io.ReadSeekCloser, error) {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}

	return file, nil
}

func (ls *LocalStorage) DeleteFile(path string) error {
	fullPath, err := ls.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

func (ls *LocalStorage) resolve(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if path == "" || strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
		return "", ErrInvalidPath
	}
	return filepath.Join(ls.basePath, cleanPath), nil
}

func imageExtension(info FileInfo) string {
	if ext, ok := imageExtensions[strings.ToLower(filepath.Ext(info.Filename))]; ok {
		return ext
	}
	contentType, _, _ := strings.Cut(info.ContentType, ";")
	if ext, ok := contentTypeExtensions[strings.TrimSpace(strings.ToLower(contentType))]; ok {
		return ext
	}
	return ".jpg"
}
