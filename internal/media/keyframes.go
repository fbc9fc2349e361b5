package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"scenelens/internal/model"
)

// KeyframeKey names the stored keyframe of one frame of a video.
func KeyframeKey(videoID string, frameNumber int, timestampSeconds float64, contentType string) string {
	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	return fmt.Sprintf("frames/%s/frame_%06d_t%.2fs%s", videoID, frameNumber, timestampSeconds, ext)
}

// VideoPrefix is the key prefix shared by all keyframes of a video.
func VideoPrefix(videoID string) string {
	return "frames/" + videoID + "/"
}

// ContentTypeForKey guesses the image type from a keyframe key.
func ContentTypeForKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

// cleanKey rejects absolute keys and keys that climb out of the store.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid keyframe key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid keyframe key %q", key)
	}
	return cleaned, nil
}

// FSKeyframeStore keeps keyframes as files under Root. References are the
// slash-separated keys relative to Root.
type FSKeyframeStore struct {
	Root string
}

var _ model.KeyframeStore = (*FSKeyframeStore)(nil)

func NewFSKeyframeStore(root string) *FSKeyframeStore {
	return &FSKeyframeStore{Root: root}
}

func (s *FSKeyframeStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".keyframe-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return key, nil
}

func (s *FSKeyframeStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, model.ErrNotFound
	}
	return data, err
}

func (s *FSKeyframeStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := cleanKey(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.Root, filepath.FromSlash(key)))
}
