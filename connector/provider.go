// Package connector synchronizes remote drive folders into workspaces. A
// provider client lists folder deltas and streams file contents; the syncer
// mirrors them into documents and hands changed ones to ingestion.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/SaintWyss/ragcore/network"
)

// DeltaFile describes one remote file in a delta listing.
type DeltaFile struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime time.Time
	ETag         string
}

// Delta is a page of remote changes plus the cursor for the next sync.
type Delta struct {
	Files     []DeltaFile
	NewCursor string
}

// ProviderClient is the remote-drive port.
type ProviderClient interface {
	GetDelta(ctx context.Context, folderID, cursor string) (*Delta, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// DriveClient talks to a Google-Drive-style HTTP API. The access token is
// held privately and never reaches error messages or formatted output.
type DriveClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	retry       network.Policy
}

func NewDriveClient(baseURL, accessToken string, retry network.Policy) *DriveClient {
	return &DriveClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		retry:       retry,
	}
}

// String deliberately omits the token.
func (c *DriveClient) String() string {
	return fmt.Sprintf("DriveClient(base=%s)", c.baseURL)
}

// GoString keeps %#v output token-free too.
func (c *DriveClient) GoString() string { return c.String() }

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
	ETag         string `json:"etag"`
}

type driveDeltaResponse struct {
	Files     []driveFile `json:"files"`
	NewCursor string      `json:"newStartPageToken"`
}

// GetDelta lists changes under the folder since the cursor, retrying
// transient failures with backoff.
func (c *DriveClient) GetDelta(ctx context.Context, folderID, cursor string) (*Delta, error) {
	url := fmt.Sprintf("%s/changes?folder=%s&cursor=%s", c.baseURL, folderID, cursor)

	var delta *Delta
	err := c.retry.Do(ctx, "provider delta", func() error {
		body, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		defer body.Close()

		var resp driveDeltaResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return fmt.Errorf("malformed delta response: %w", err)
		}
		delta = &Delta{NewCursor: resp.NewCursor}
		for _, f := range resp.Files {
			file := DeltaFile{ID: f.ID, Name: f.Name, MimeType: f.MimeType, ETag: f.ETag}
			if f.ModifiedTime != "" {
				if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
					file.ModifiedTime = ts
				}
			}
			delta.Files = append(delta.Files, file)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// Download streams one file's content. The caller closes the reader.
func (c *DriveClient) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.retry.Do(ctx, "provider download", func() error {
		b, err := c.get(ctx, fmt.Sprintf("%s/files/%s/content", c.baseURL, fileID))
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// get performs one authorized request and classifies the status. Error text
// carries the status code, never the token or URL query.
func (c *DriveClient) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build provider request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &network.TransientError{Err: fmt.Errorf("provider transport failure: %T", err)}
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	resp.Body.Close()

	retryAfter := 0
	if v := resp.Header.Get("Retry-After"); v != "" {
		retryAfter, _ = strconv.Atoi(v)
	}
	return nil, network.Classify(resp.StatusCode, retryAfter, fmt.Errorf("provider request rejected"))
}
