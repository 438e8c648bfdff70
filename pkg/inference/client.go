package inference

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// DefaultPort is the inference server port on every node
const DefaultPort = 11434

// ReadinessPath is polled to decide whether a woken node can serve
const ReadinessPath = "/api/tags"

// Config configures the node client
type Config struct {
	Port          int
	ReadinessWait time.Duration
}

// Client talks to the inference server running on each node
type Client struct {
	port          int
	readinessWait time.Duration
	http          *http.Client
	logger        *logger.Logger
}

// NewClient creates a node client. The shared http.Client has no overall
// timeout since streamed generations run for minutes; requests are bounded
// by their context.
func NewClient(cfg Config, log *logger.Logger) *Client {
	port := cfg.Port
	if port <= 0 {
		port = DefaultPort
	}
	wait := cfg.ReadinessWait
	if wait <= 0 {
		wait = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		DisableCompression:    true,
	}

	return &Client{
		port:          port,
		readinessWait: wait,
		http:          &http.Client{Transport: transport},
		logger:        log,
	}
}

// BaseURL returns the node's inference server root. An IPAddress that
// already carries a port is used as is.
func (c *Client) BaseURL(node models.Node) string {
	host := node.IPAddress
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(c.port))
	}
	return "http://" + host
}

// Endpoint builds the upstream URL for path and raw query
func (c *Client) Endpoint(node models.Node, path, rawQuery string) string {
	u := c.BaseURL(node) + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Probe checks that the node's inference server answers
func (c *Client) Probe(ctx context.Context, node models.Node) error {
	if node.IPAddress == "" {
		return fmt.Errorf("node %s has no ip address", node.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, c.readinessWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint(node, ReadinessPath, ""), nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", node.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", node.Name, resp.StatusCode)
	}

	c.logger.Debug("Node ready", zap.String("node", node.Name))
	return nil
}

// Do sends req upstream on the shared transport
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}
