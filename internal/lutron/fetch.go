package lutron

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// FetchLayout obtains DbXmlInfo.xml and parses it into a Layout. If
// cfg.CachedDatabase names a readable file, it is used instead of hitting
// the repeater's web server, the way the original loader preferred a local
// cache file when present.
func FetchLayout(ctx context.Context, client *http.Client, cfg Config) (*Layout, error) {
	if cfg.CachedDatabase != "" {
		data, err := os.ReadFile(cfg.CachedDatabase)
		if err == nil {
			return ParseLayout(data)
		}
	}

	url := fmt.Sprintf("http://%s/DbXmlInfo.xml", cfg.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("lutron: build layout request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lutron: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lutron: fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lutron: read layout body: %w", err)
	}
	return ParseLayout(data)
}
