package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/storage/object"
	"adreel-backend/internal/shared/util"
)

const defaultMaxBytes = 200 << 20

// Source is a provider-produced artifact: a remote or data URL, or raw bytes.
type Source struct {
	URL         string
	Data        []byte
	ContentType string
}

// Placement identifies the unit an artifact belongs to. The storage key is derived
// from it, so persisting the same unit twice overwrites rather than duplicates.
type Placement struct {
	RunID   string
	SceneID string
	Kind    runs.AssetKind
}

// Gateway copies artifacts into the object store and returns stable URLs.
type Gateway struct {
	Store      object.ObjectStore
	HTTPClient *http.Client
	MaxBytes   int64
}

// New constructs a Gateway.
func New(store object.ObjectStore) *Gateway {
	return &Gateway{
		Store:      store,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
		MaxBytes:   defaultMaxBytes,
	}
}

// Persist stores src at the key for placement and returns its public URL.
func (g *Gateway) Persist(ctx context.Context, src Source, place Placement) (string, error) {
	if g == nil || g.Store == nil {
		return "", errors.New("asset store not configured")
	}
	data, contentType, err := g.load(ctx, src)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("asset is empty")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	key, err := Key(place)
	if err != nil {
		return "", err
	}
	if _, err := g.Store.Put(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("store asset %s: %w", key, err)
	}
	return g.Store.URL(key), nil
}

// Key returns runs/{runID}/{kind}/{sceneID|run}. It depends on the placement only,
// so a unit re-persisted with a different media type replaces its earlier object.
// The media type travels with the object as its content type.
func Key(place Placement) (string, error) {
	if strings.TrimSpace(place.RunID) == "" || place.Kind == "" {
		return "", errors.New("placement requires run id and kind")
	}
	unit := "run"
	if place.SceneID != "" {
		name, err := util.SanitizeFileName(place.SceneID)
		if err != nil {
			return "", err
		}
		unit = name
	}
	run, err := util.SanitizeFileName(place.RunID)
	if err != nil {
		return "", err
	}
	return path.Join("runs", run, string(place.Kind), unit), nil
}

func (g *Gateway) load(ctx context.Context, src Source) ([]byte, string, error) {
	if len(src.Data) > 0 {
		return src.Data, src.ContentType, nil
	}
	raw := strings.TrimSpace(src.URL)
	if raw == "" {
		return nil, "", errors.New("asset source is empty")
	}
	if strings.HasPrefix(raw, "data:") {
		data, ct, err := decodeDataURL(raw)
		if err != nil {
			return nil, "", err
		}
		if src.ContentType != "" {
			ct = src.ContentType
		}
		return data, ct, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("unsupported asset url %q", raw)
	}
	return g.fetch(ctx, raw, src.ContentType)
}

func (g *Gateway) fetch(ctx context.Context, rawURL, contentType string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch asset: http status %d", resp.StatusCode)
	}
	limit := g.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("asset exceeds %d bytes", limit)
	}
	if contentType == "" {
		if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mt != "application/octet-stream" {
			contentType = mt
		}
	}
	return data, contentType, nil
}

func decodeDataURL(raw string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data url")
	}
	contentType := header
	isBase64 := false
	if strings.HasSuffix(header, ";base64") {
		contentType = strings.TrimSuffix(header, ";base64")
		isBase64 = true
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return data, contentType, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return []byte(decoded), contentType, nil
}
