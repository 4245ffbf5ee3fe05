package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// DetectMaxRetry bounds transient detector retries per frame. The frame
// handler converts the final exhausted retry into a failed attempt instead of
// letting the task land in the dead queue.
const DetectMaxRetry = 3

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueProcessAsset(ctx context.Context, payload ProcessAssetPayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessAssetTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute),
	)
}

func (c *Client) EnqueueDetectFrame(ctx context.Context, payload DetectFramePayload) (*asynq.TaskInfo, error) {
	task, err := NewDetectFrameTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(DetectMaxRetry),
		asynq.Timeout(2*time.Minute),
	)
}

func (c *Client) EnqueueCleanupFrames(ctx context.Context, payload CleanupFramesPayload) (*asynq.TaskInfo, error) {
	task, err := NewCleanupFramesTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(5*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
