package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

const notesContentType = "text/markdown; charset=utf-8"

type StoreFetcher struct {
	Store MediaStore
}

func (f StoreFetcher) Fetch(ctx context.Context, req Request) (Material, error) {
	if f.Store == nil {
		return Material{}, errors.New("media store is required")
	}

	material := Material{Notes: req.Notes}
	if req.Audio != nil {
		data, err := f.Store.Read(ctx, req.Audio.ObjectKey)
		if err != nil {
			return Material{}, err
		}
		mimeType, err := audioMIMEType(*req.Audio)
		if err != nil {
			return Material{}, err
		}
		material.Audio = &Part{Name: req.Audio.Filename, MIMEType: mimeType, Data: data}
	}

	for _, img := range req.Images {
		data, err := f.Store.Read(ctx, img.ObjectKey)
		if err != nil {
			return Material{}, err
		}
		mimeType, err := imageMIMEType(img.Filename, data)
		if err != nil {
			return Material{}, err
		}
		material.Images = append(material.Images, Part{Name: img.Filename, MIMEType: mimeType, Data: data})
	}

	return material, nil
}

type StoreEmitter struct {
	Store        MediaStore
	OutputPrefix string
}

func (e StoreEmitter) Emit(ctx context.Context, jobID, content string) (string, error) {
	if e.Store == nil {
		return "", errors.New("media store is required")
	}

	objectKey := NotesObjectKey(e.OutputPrefix, jobID)
	if err := e.Store.Put(ctx, objectKey, strings.NewReader(content), int64(len(content)), notesContentType); err != nil {
		return "", fmt.Errorf("write notes: %w", err)
	}
	return objectKey, nil
}

func NotesObjectKey(prefix, jobID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "notes"
	}
	return path.Join(prefix, sanitizePathToken(jobID)+".md")
}

// UploadObjectKey is where the API stores an uploaded file for a job. The
// index keeps files with the same name apart.
func UploadObjectKey(jobID string, index int, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	key := fmt.Sprintf("%02d_%s", index, sanitizePathToken(stem))
	if ext = strings.ToLower(strings.TrimPrefix(ext, ".")); ext != "" {
		key += "." + sanitizePathToken(ext)
	}
	return path.Join("uploads", sanitizePathToken(jobID), key)
}
