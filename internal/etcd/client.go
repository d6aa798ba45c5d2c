// Package etcd provides the etcd connection used to coordinate sync workers across instances.
package etcd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Client wraps an etcd connection together with the key prefix of this deployment
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient connects to etcd using a DSN of the form etcd://host1:port1[,host2:port2]/[prefix]?param=value
func NewClient(dsn string) (*Client, error) {
	config, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")
	return &Client{client: client, prefix: GetPrefix(dsn)}, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Raw returns the underlying etcd client
func (c *Client) Raw() *clientv3.Client {
	return c.client
}

// Prefix returns the key prefix taken from the DSN path
func (c *Client) Prefix() string {
	return c.prefix
}

// Ping issues a cheap read to verify the cluster answers
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.Get(ctx, c.prefix+"healthcheck", clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("etcd is not reachable: %w", err)
	}
	return nil
}

func parseDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}
	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("etcd DSN has no endpoints")
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379"
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()
	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}
	config.Username = params.Get("username")
	config.Password = params.Get("password")

	switch params.Get("tls") {
	case "", "disabled":
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	default:
		return nil, fmt.Errorf("unknown tls mode %q", params.Get("tls"))
	}
	return config, nil
}

// GetPrefix extracts the prefix from the etcd DSN path, always ending with a slash
func GetPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Path == "" {
		return "/"
	}
	if !strings.HasSuffix(u.Path, "/") {
		return u.Path + "/"
	}
	return u.Path
}
