package ingest

import (
	"path/filepath"
	"strings"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".m4v": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".avi": {},
	".mpg": {}, ".mpeg": {}, ".wmv": {}, ".flv": {}, ".ts": {}, ".3gp": {},
}

// IsVideoFile reports whether path has a known video container extension.
func IsVideoFile(path string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}
