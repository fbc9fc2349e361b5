package clip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"scenelens/internal/model"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
		Request:    r,
	}
}

func TestEncodeImage_SendsBase64AndAuth(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotReq  imageRequest
	)
	client := NewClient("http://sidecar:9000/", "secret", 0)
	client.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		return jsonResponse(r, http.StatusOK, `{"embedding":[0.5,0.25]}`), nil
	})}

	vec, err := client.EncodeImage(context.Background(), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("unexpected vector: %v", vec)
	}
	if gotPath != "/v1/embed/image" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	raw, _ := base64.StdEncoding.DecodeString(gotReq.ImageB64)
	if string(raw) != "png-bytes" {
		t.Fatalf("unexpected image payload: %q", raw)
	}
}

func TestEncodeText_RejectsEmpty(t *testing.T) {
	client := NewClient("", "", 0)
	client.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})}
	if _, err := client.EncodeText(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestCaption_CleansTextAndClampsConfidence(t *testing.T) {
	client := NewClient("", "", 0)
	client.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/caption" {
			t.Fatalf("unexpected path: %q", r.URL.Path)
		}
		return jsonResponse(r, http.StatusOK, `{"caption":"  a dog on the beach. ","confidence":1.7}`), nil
	})}

	got, err := client.Caption(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Caption failed: %v", err)
	}
	if got.Text != "a dog on the beach" || got.Confidence != 1 {
		t.Fatalf("unexpected caption: %#v", got)
	}
}

func TestCaption_EmptyTextFallsBack(t *testing.T) {
	client := NewClient("", "", 0)
	client.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK, `{"caption":""}`), nil
	})}
	got, err := client.Caption(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Caption failed: %v", err)
	}
	if got.Text != model.FallbackCaption || got.Confidence != 0 {
		t.Fatalf("unexpected fallback: %#v", got)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusUnauthorized, "CLIP_AUTH", false},
		{http.StatusTooManyRequests, "CLIP_RATE_LIMIT", true},
		{http.StatusServiceUnavailable, "CLIP_FAILED", true},
		{http.StatusBadRequest, "CLIP_FAILED", false},
	}
	for _, tc := range cases {
		client := NewClient("", "", 0)
		client.HTTPClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(r, tc.status, ""), nil
		})}
		_, err := client.EncodeText(context.Background(), "dog")
		var pe *model.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected ProviderError, got %v", tc.status, err)
		}
		if pe.Code != tc.code || pe.Retryable != tc.retryable || pe.StatusCode != tc.status {
			t.Fatalf("status %d: unexpected error %#v", tc.status, pe)
		}
	}
}
