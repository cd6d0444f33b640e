package client

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Attachment is one file selected for upload. Open is called once per submit,
// so the same attachment can be sent again after a failed attempt.
type Attachment struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// FileAttachment reads path lazily and guesses its content type from the extension.
func FileAttachment(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attachment %s is a directory", path)
	}

	return Attachment{
		Name:        filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func BytesAttachment(name, contentType string, data []byte) Attachment {
	return Attachment{
		Name:        name,
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
