// Copyright (c) 2026 The gsdinvoice Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package contentstore is the HTTP client for the external content store
// collaborator: upload bytes to a path, download them back. An upload that
// races an identical object is reported as AlreadyExists, which callers
// treat as success to stay idempotent.
package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the content store over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a content store client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload stores bytes at the given path. Returns alreadyExists = true when
// the object was there before the call (409/412 from the store).
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) (alreadyExists bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return false, nil
	case http.StatusConflict, http.StatusPreconditionFailed:
		return true, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return false, fmt.Errorf("content store returned HTTP %d for %s: %s", resp.StatusCode, path, body)
}

// Download retrieves the bytes at a path.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content store returned HTTP %d for %s", resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) objectURL(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/objects/" + strings.Join(segments, "/")
}
