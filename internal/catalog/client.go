package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openpharma/stockflow/internal/domain/stock"
	"github.com/openpharma/stockflow/pkg/circuitbreaker"
)

// Client talks to the catalog service over HTTP. Every call runs through a
// circuit breaker so a flapping catalog cannot stall the workflows.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a catalog client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("catalog"), logger),
		logger:  logger,
	}
}

// WithStateGauge reports the breaker state on the given gauge.
func (c *Client) WithStateGauge(g *prometheus.GaugeVec) *Client {
	c.breaker.WithStateGauge(g)
	return c
}

func (c *Client) Medication(ctx context.Context, id string) (Medication, error) {
	var m Medication
	err := c.getJSON(ctx, "/medications/"+url.PathEscape(id), &m)
	return m, err
}

func (c *Client) Site(ctx context.Context, id string) (Site, error) {
	var s Site
	err := c.getJSON(ctx, "/sites/"+url.PathEscape(id), &s)
	return s, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	_, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return nil, json.NewDecoder(resp.Body).Decode(out)
		case http.StatusNotFound:
			return nil, fmt.Errorf("catalog %s: %w", path, stock.ErrNotFound)
		default:
			return nil, fmt.Errorf("catalog %s: unexpected status %d", path, resp.StatusCode)
		}
	})
	return err
}
