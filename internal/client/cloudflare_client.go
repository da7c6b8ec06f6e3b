package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const cloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// DNSZone manages records of one DNS zone
type DNSZone interface {
	Zone() string
	CreateRecord(ctx context.Context, record DNSRecord) (*DNSRecord, error)
	UpdateRecord(ctx context.Context, record DNSRecord) (*DNSRecord, error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// DNSRecord is a Cloudflare DNS record
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl,omitempty"`
	Proxied bool   `json:"proxied"`
}

type cfResponse struct {
	Success bool            `json:"success"`
	Errors  []cfError       `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CloudflareClient is a minimal Cloudflare API client for one zone
type CloudflareClient struct {
	baseURL    string
	apiToken   string
	zone       string
	httpClient *http.Client

	mu     sync.Mutex
	zoneID string
}

// NewCloudflareClient creates a client for the named zone. The zone id is
// looked up on first use.
func NewCloudflareClient(apiToken, zone string, timeout time.Duration) *CloudflareClient {
	return &CloudflareClient{
		baseURL:    cloudflareBaseURL,
		apiToken:   apiToken,
		zone:       strings.TrimSuffix(zone, "."),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Zone returns the managed domain
func (c *CloudflareClient) Zone() string {
	return c.zone
}

func (c *CloudflareClient) CreateRecord(ctx context.Context, record DNSRecord) (*DNSRecord, error) {
	zoneID, err := c.getZoneID(ctx)
	if err != nil {
		return nil, err
	}

	var created DNSRecord
	if err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", record, &created); err != nil {
		return nil, fmt.Errorf("create DNS record %s: %w", record.Name, err)
	}
	return &created, nil
}

func (c *CloudflareClient) UpdateRecord(ctx context.Context, record DNSRecord) (*DNSRecord, error) {
	zoneID, err := c.getZoneID(ctx)
	if err != nil {
		return nil, err
	}

	id := record.ID
	record.ID = ""
	var updated DNSRecord
	if err := c.do(ctx, http.MethodPut, "/zones/"+zoneID+"/dns_records/"+id, record, &updated); err != nil {
		return nil, fmt.Errorf("update DNS record %s: %w", id, err)
	}
	return &updated, nil
}

func (c *CloudflareClient) DeleteRecord(ctx context.Context, recordID string) error {
	zoneID, err := c.getZoneID(ctx)
	if err != nil {
		return err
	}

	if err := c.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+recordID, nil, nil); err != nil {
		return fmt.Errorf("delete DNS record %s: %w", recordID, err)
	}
	return nil
}

func (c *CloudflareClient) getZoneID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zoneID != "" {
		return c.zoneID, nil
	}

	var zones []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(c.zone), nil, &zones); err != nil {
		return "", fmt.Errorf("get zone ID: %w", err)
	}
	if len(zones) == 0 {
		return "", fmt.Errorf("no zone found for domain %s", c.zone)
	}

	c.zoneID = zones[0].ID
	return c.zoneID, nil
}

func (c *CloudflareClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope cfResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parse response: %w (status %d)", err, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Success {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.Join(msgs, "; "))
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("parse result: %w", err)
		}
	}
	return nil
}
