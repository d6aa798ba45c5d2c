package etcd

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/exchange_sync/internal/retry"
)

// NewClientWithRetry connects to etcd and waits until the cluster answers
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	var client *Client
	err := retry.WithOperation(ctx, retry.EtcdDefaults(), func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}
		if pingErr := client.Ping(ctx); pingErr != nil {
			_ = client.Close()
			return pingErr
		}
		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}
	return client, nil
}
