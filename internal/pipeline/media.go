package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path"
	"strings"

	"github.com/dunamismax/notetaker/internal/domain"
	_ "golang.org/x/image/webp"
)

var audioTypesByExt = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".flac": "audio/flac",
	".webm": "audio/webm",
	".aiff": "audio/aiff",
}

// audioMIMEType trusts an explicit audio/* content type and otherwise falls
// back to the file extension.
func audioMIMEType(file domain.MediaFile) (string, error) {
	if mediaType, _, err := mime.ParseMediaType(file.ContentType); err == nil && strings.HasPrefix(mediaType, "audio/") {
		return mediaType, nil
	}
	ext := strings.ToLower(path.Ext(file.Filename))
	if mediaType, ok := audioTypesByExt[ext]; ok {
		return mediaType, nil
	}
	return "", fmt.Errorf("%w: audio %q", ErrUnsupportedMedia, file.Filename)
}

// imageMIMEType sniffs the image header; the uploaded content type is not trusted.
func imageMIMEType(name string, data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: image %q: %v", ErrUnsupportedMedia, name, err)
	}
	return "image/" + format, nil
}
