package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Client submits maintenance tasks to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueReconcile schedules a reconciliation run for one organization, or all when orgID is nil.
func (c *Client) EnqueueReconcile(ctx context.Context, orgID *uuid.UUID) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(orgID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueOutboxPurge schedules removal of dispatched outbox rows.
func (c *Client) EnqueueOutboxPurge(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, NewOutboxPurgeTask())
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
