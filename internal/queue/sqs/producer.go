package sqsqueue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

// RunJob asks a worker to run a campaign.
type RunJob struct {
	CampaignID  string `json:"campaignId"`
	RequestID   string `json:"requestId,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

type Producer struct {
	SQS      API
	QueueURL string
}

// Enqueue publishes a run request and returns its request id. FIFO queues
// group by campaign so two requests for one campaign never interleave.
func (p *Producer) Enqueue(ctx context.Context, campaignID, requestedBy string) (string, error) {
	job := RunJob{CampaignID: campaignID, RequestID: uuid.NewString(), RequestedBy: requestedBy}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = aws.String(campaignID)
		in.MessageDeduplicationId = aws.String(job.RequestID)
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		return "", err
	}
	return job.RequestID, nil
}
