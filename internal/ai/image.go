package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxImageBytes = 10 << 20

// FetchImage downloads a media url so it can be sent inline to backends
// that do not accept remote urls.
func FetchImage(ctx context.Context, url string) (*ImageRef, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("image url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	return &ImageRef{URL: url, MimeType: mime, Data: data}, nil
}
