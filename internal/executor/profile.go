package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/task"
)

const (
	DefaultProfileURL = "https://scholar.google.com/citations"
	DefaultPageSize   = 50
	userAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	maxProfileBytes   = 8 << 20
)

// Markers that mean the data source served a block page instead of a profile.
var blockMarkers = []string{
	"gs_captcha",
	"unusual traffic",
	"/sorry/index",
}

// ProfileFetcher downloads a researcher's profile page and stores it raw,
// leaving field extraction to downstream tooling.
type ProfileFetcher struct {
	client    *http.Client
	baseURL   string
	outputDir string
	pageSize  int
	identity  func(ctx context.Context) string
}

type FetchMeta struct {
	Name       string    `json:"name"`
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	Status     int       `json:"status"`
	Bytes      int       `json:"bytes"`
	Identity   string    `json:"identity,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
	ProfileRaw string    `json:"profile_file"`
}

// NewProfileFetcher builds a fetcher. identity may be nil; when set it is
// consulted after a successful fetch to stamp the exit identity used.
func NewProfileFetcher(client *http.Client, baseURL, outputDir string, identity func(context.Context) string) *ProfileFetcher {
	if baseURL == "" {
		baseURL = DefaultProfileURL
	}
	return &ProfileFetcher{
		client:    client,
		baseURL:   baseURL,
		outputDir: outputDir,
		pageSize:  DefaultPageSize,
		identity:  identity,
	}
}

func (f *ProfileFetcher) ProfileURL(key string) string {
	q := url.Values{}
	q.Set("user", key)
	q.Set("hl", "en")
	q.Set("pagesize", fmt.Sprint(f.pageSize))
	return f.baseURL + "?" + q.Encode()
}

func (f *ProfileFetcher) Execute(ctx context.Context, t *task.Task) Result {
	if len(t.Key) < 5 {
		return Failure("invalid lookup key %q", t.Key)
	}

	target := f.ProfileURL(t.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Failure("build request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Failure("fetch profile: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return Failure("read profile: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Failure("profile status %d", resp.StatusCode)
	}
	page := strings.ToLower(string(body))
	for _, marker := range blockMarkers {
		if strings.Contains(page, marker) {
			return Failure("blocked by data source (%s)", marker)
		}
	}

	meta := FetchMeta{
		Name:      t.Name,
		Key:       t.Key,
		URL:       target,
		Status:    resp.StatusCode,
		Bytes:     len(body),
		FetchedAt: time.Now(),
	}
	if f.identity != nil {
		meta.Identity = f.identity(ctx)
	}

	folder, err := f.save(t.Key, body, &meta)
	if err != nil {
		return Failure("save profile: %v", err)
	}

	log.WithFields(log.Fields{
		"event": "profile_saved",
		"task":  t.Name,
		"path":  folder,
		"bytes": len(body),
	}).Debug("profile stored")

	return Result{
		Success: true,
		Output: map[string]any{
			"folder": folder,
			"bytes":  len(body),
			"url":    target,
		},
		Identity: meta.Identity,
	}
}

func (f *ProfileFetcher) save(key string, body []byte, meta *FetchMeta) (string, error) {
	folder := filepath.Join(f.outputDir, filepath.Base(key))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}

	meta.ProfileRaw = "profile.html"
	if err := os.WriteFile(filepath.Join(folder, meta.ProfileRaw), body, 0o644); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(folder, "fetch.json"), data, 0o644); err != nil {
		return "", err
	}
	return folder, nil
}
