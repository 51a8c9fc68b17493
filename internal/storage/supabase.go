package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const supabaseScheme = "supabase://"

// SupabaseStorage talks to the Supabase storage REST API. Locators have the
// form supabase://<bucket>/<path>; plain http(s) URLs are fetched as-is.
type SupabaseStorage struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

func NewSupabaseStorage(supabaseURL, serviceKey, bucket string) *SupabaseStorage {
	return &SupabaseStorage{
		baseURL:    strings.TrimRight(supabaseURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (s *SupabaseStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/object/%s/%s", s.baseURL, s.bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	return supabaseScheme + s.bucket + "/" + key, nil
}

func (s *SupabaseStorage) Get(ctx context.Context, uri string) ([]byte, error) {
	url := uri
	auth := false
	if strings.HasPrefix(uri, supabaseScheme) {
		bucket, path, err := splitLocator(uri)
		if err != nil {
			return nil, err
		}
		url = fmt.Sprintf("%s/object/%s/%s", s.baseURL, bucket, path)
		auth = true
	} else if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil, fmt.Errorf("unsupported storage uri %q", uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
		// Supabase answers 400 for a missing object.
		return nil, fmt.Errorf("download %s: %w", uri, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download failed (%d)", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	return data, nil
}

func (s *SupabaseStorage) Presign(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	bucket, path, err := splitLocator(locator)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]int{"expiresIn": int(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}
	url := fmt.Sprintf("%s/object/sign/%s/%s", s.baseURL, bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create sign request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("sign failed (%d): %s", resp.StatusCode, string(b))
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("decode sign response: %w", err)
	}
	if signed.SignedURL == "" {
		return "", fmt.Errorf("sign response missing signedURL")
	}
	return s.baseURL + signed.SignedURL, nil
}

func splitLocator(locator string) (bucket, path string, err error) {
	rest, ok := strings.CutPrefix(locator, supabaseScheme)
	if !ok {
		return "", "", fmt.Errorf("not a supabase locator: %q", locator)
	}
	bucket, path, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || path == "" {
		return "", "", fmt.Errorf("malformed supabase locator: %q", locator)
	}
	return bucket, path, nil
}
