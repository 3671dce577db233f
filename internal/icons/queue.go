package icons

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dshills/foodresolve/internal/config"
	"github.com/dshills/foodresolve/internal/storage"
)

// Queue accepts icon-generation jobs for an out-of-process worker
type Queue interface {
	Enqueue(ctx context.Context, job *storage.IconJob) error
}

// JobStore is the storage subset the SQL queue writes to
type JobStore interface {
	EnqueueIconJob(ctx context.Context, job *storage.IconJob) error
}

// SQLQueue stores jobs in the icon_jobs table
type SQLQueue struct {
	store JobStore
}

// NewSQLQueue creates a queue over the catalog database
func NewSQLQueue(store JobStore) *SQLQueue {
	return &SQLQueue{store: store}
}

// Enqueue implements Queue
func (q *SQLQueue) Enqueue(ctx context.Context, job *storage.IconJob) error {
	return q.store.EnqueueIconJob(ctx, job)
}

// SQSAPI is the subset of the SQS client used here
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue publishes jobs to an SQS queue
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

// jobMessage is the SQS message body
type jobMessage struct {
	JobID      string `json:"job_id"`
	FoodItemID int64  `json:"food_item_id"`
	Name       string `json:"name"`
}

// NewSQSQueue creates a queue using the default AWS credential chain
func NewSQSQueue(ctx context.Context, cfg config.IconsConfig) (*SQSQueue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSQSQueueWithAPI(client, cfg.QueueURL), nil
}

// NewSQSQueueWithAPI allows injecting a custom SQSAPI
func NewSQSQueueWithAPI(api SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: api, queueURL: queueURL}
}

// Enqueue implements Queue
func (q *SQSQueue) Enqueue(ctx context.Context, job *storage.IconJob) error {
	body, err := json.Marshal(jobMessage{JobID: job.ID, FoodItemID: job.FoodItemID, Name: job.Name})
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send icon job: %w", err)
	}
	return nil
}

// NewQueue builds the configured queue
func NewQueue(ctx context.Context, cfg config.IconsConfig, store JobStore) (Queue, error) {
	switch cfg.Queue {
	case "", "sql":
		return NewSQLQueue(store), nil
	case "sqs":
		return NewSQSQueue(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown icon queue %q", cfg.Queue)
	}
}
