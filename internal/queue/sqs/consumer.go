package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/campaign"
	"github.com/whatsapp-automation/dispatcher/internal/observability"
)

// ErrRetryLater leaves a job on the queue for redrive.
var ErrRetryLater = errors.New("retry later")

type Handler func(ctx context.Context, job RunJob) error

type Consumer struct {
	SQS      API
	QueueURL string
	Log      zerolog.Logger

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Poll receives until ctx ends. A message is deleted once handled, and
// also when it cannot be decoded so it does not loop forever. A handler
// error leaves it for redrive.
func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.QueueURL),
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Error().Err(err).Msg("sqs receive message failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, m := range out.Messages {
			c.handle(ctx, m, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	var job RunJob
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &job) != nil || job.CampaignID == "" {
		observability.QueueJobs.WithLabelValues("poison").Inc()
		c.Log.Warn().Str("message", aws.ToString(m.MessageId)).Msg("dropping undecodable run request")
		c.delete(ctx, m)
		return
	}

	if err := handler(ctx, job); err != nil {
		observability.QueueJobs.WithLabelValues("retry").Inc()
		c.Log.Info().Err(err).Str("campaign", job.CampaignID).Msg("run request left for redrive")
		return
	}
	observability.QueueJobs.WithLabelValues("accepted").Inc()
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.Log.Error().Err(err).Msg("sqs delete message failed")
	}
}

// Submitter starts campaign runs.
type Submitter interface {
	Submit(ctx context.Context, id string) error
}

// SubmitHandler hands jobs to sub. A busy account is retried later; a
// campaign that is gone or already finished is dropped.
func SubmitHandler(sub Submitter, log zerolog.Logger) Handler {
	return func(ctx context.Context, job RunJob) error {
		err := sub.Submit(ctx, job.CampaignID)
		switch {
		case err == nil:
			log.Info().Str("campaign", job.CampaignID).Str("request", job.RequestID).Msg("campaign run accepted from queue")
			return nil
		case errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrTerminal):
			log.Warn().Err(err).Str("campaign", job.CampaignID).Msg("dropping run request")
			return nil
		case errors.Is(err, campaign.ErrAccountBusy):
			return errors.Join(ErrRetryLater, err)
		default:
			return err
		}
	}
}
