package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const DefaultRecordPath = "users/log/data"

// FirebaseSource reads a Realtime Database value over its REST interface:
// GET {databaseURL}/{path}.json.
type FirebaseSource struct {
	databaseURL string
	path        string
	auth        string
	client      *http.Client
}

func NewFirebaseSource(databaseURL, path, auth string, client *http.Client) *FirebaseSource {
	if path == "" {
		path = DefaultRecordPath
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &FirebaseSource{
		databaseURL: strings.TrimRight(databaseURL, "/"),
		path:        strings.Trim(path, "/"),
		auth:        auth,
		client:      client,
	}
}

func (s *FirebaseSource) Name() string { return "firebase" }

func (s *FirebaseSource) Read(ctx context.Context) (string, bool, error) {
	endpoint := s.databaseURL + "/" + s.path + ".json"
	if s.auth != "" {
		endpoint += "?auth=" + url.QueryEscape(s.auth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return "", false, nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return "", false, fmt.Errorf("decode record: %w", err)
	}
	str, ok := value.(string)
	if !ok {
		// Present but not a string; cannot be a URL.
		return "", true, nil
	}
	return str, true, nil
}
