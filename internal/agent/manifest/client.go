package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

// maxManifestBytes bounds the registry document size.
const maxManifestBytes = 1 << 20

var knownFieldTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// registryDocument is the wire shape of GET <registry-url>.
type registryDocument struct {
	Tools []model.ToolDescriptor `json:"tools"`
}

// Client fetches the tool manifest from the registry service.
type Client struct {
	url string
	hc  *http.Client
}

func NewClient(url string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{url: url, hc: hc}
}

// Fetch retrieves and validates a fresh manifest snapshot.
func (c *Client) Fetch(ctx context.Context) (*model.ManifestSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read registry body: %w", err)
	}

	var doc registryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode registry document: %w", err)
	}

	snap := &model.ManifestSnapshot{
		Tools:     make(map[string]model.ToolDescriptor, len(doc.Tools)),
		FetchedAt: time.Now().UTC(),
	}
	for _, tool := range doc.Tools {
		if err := validateDescriptor(tool); err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool.Name, err)
		}
		if _, dup := snap.Tools[tool.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q in manifest", tool.Name)
		}
		snap.Tools[tool.Name] = tool
	}
	return snap, nil
}

// validateDescriptor enforces the closed descriptor schema at load time so
// malformed registry entries fail the refresh instead of a later dispatch.
func validateDescriptor(d model.ToolDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("name is empty")
	}
	if d.Endpoint == "" {
		return fmt.Errorf("endpoint is empty")
	}
	for field, spec := range d.Schema.Fields {
		if field == "" {
			return fmt.Errorf("empty field name")
		}
		if !knownFieldTypes[spec.Type] {
			return fmt.Errorf("field %q has unknown type %q", field, spec.Type)
		}
	}
	for _, pair := range d.Schema.DatetimeRanges {
		for _, field := range pair {
			spec, ok := d.Schema.Fields[field]
			if !ok {
				return fmt.Errorf("datetime range references unknown field %q", field)
			}
			if spec.Format != model.FormatRFC3339 {
				return fmt.Errorf("datetime range field %q is not rfc3339", field)
			}
		}
	}
	return nil
}
