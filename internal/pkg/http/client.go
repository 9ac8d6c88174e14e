package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"lightsout/internal/domain"
)

const userAgent = "LightsOutAgent/1.0"

// Client talks to the aggregation server on behalf of the agent and the CLI
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client. insecureSkipVerify accepts the server's
// self-signed certificate when HTTPS is enabled.
func NewClient(insecureSkipVerify bool) *Client {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecureSkipVerify,
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   30 * time.Second,
		},
	}
}

// GetLatestFirmware queries the newest committed build
func (c *Client) GetLatestFirmware(ctx context.Context, serverURL string) (*domain.FirmwareQuery, error) {
	var query domain.FirmwareQuery
	if err := c.getJSON(ctx, endpoint(serverURL, "firmware/latest"), &query); err != nil {
		return nil, err
	}
	return &query, nil
}

// GetSnapshot fetches the current registry view
func (c *Client) GetSnapshot(ctx context.Context, serverURL string) (*domain.Snapshot, error) {
	var snapshot domain.Snapshot
	if err := c.getJSON(ctx, endpoint(serverURL, "nodes"), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SendTelemetry forwards one envelope to the ingestion endpoint
func (c *Client) SendTelemetry(ctx context.Context, serverURL string, envelope *domain.TelemetryEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(serverURL, "telemetry"), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: received non-success status code: %d", domain.ErrTransportUnavailable, resp.StatusCode)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: received non-200 status code: %d", domain.ErrTransportUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// endpoint joins the server base URL and a path, defaulting to http
func endpoint(serverURL, path string) string {
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return strings.TrimSuffix(serverURL, "/") + "/" + path
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
