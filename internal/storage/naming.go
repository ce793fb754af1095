package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultContentType = "application/octet-stream"

	tokenLength = 12
)

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

func ContentType(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return DefaultContentType
}

// ObjectName returns "{timestamp}_{token}_{filename}". The random token keeps
// names distinct when several artifacts with the same filename are stored in
// the same millisecond.
func ObjectName(filename string, now time.Time) string {
	now = now.UTC()
	timestamp := fmt.Sprintf("%s%03d", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	return fmt.Sprintf("%s_%s_%s", timestamp, uniquenessToken(), filename)
}

func ObjectKey(jobId, filename string, now time.Time) string {
	name := ObjectName(filename, now)
	if jobId == "" {
		return name
	}
	return path.Join(sanitizeJobId(jobId), name)
}

func uniquenessToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

// sanitizeJobId makes a caller supplied job id safe to use as a single key
// prefix or directory name.
func sanitizeJobId(jobId string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, jobId)
	if cleaned == "." || cleaned == ".." {
		return strings.Repeat("_", len(cleaned))
	}
	return cleaned
}
