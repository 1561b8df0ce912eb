package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// httpCaseFeed polls an external case-record service for snapshots.
// The endpoint returns a JSON array of case snapshots.
type httpCaseFeed struct {
	url    string
	client *http.Client
}

func newHTTPCaseFeed(url string) *httpCaseFeed {
	return &httpCaseFeed{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *httpCaseFeed) Snapshots(ctx context.Context) ([]contracts.CaseSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("case feed %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("case feed %s: status %d", f.url, resp.StatusCode)
	}
	var snaps []contracts.CaseSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("case feed %s: decode: %w", f.url, err)
	}
	return snaps, nil
}

// emptyFeed is used when no feed URL is configured; cases then arrive
// only through the push endpoint and ticks run the breach scan alone.
type emptyFeed struct{}

func (emptyFeed) Snapshots(context.Context) ([]contracts.CaseSnapshot, error) {
	return nil, nil
}
