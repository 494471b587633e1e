package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
)

// SQSAPI is the subset of the SQS client used by SQSChannel.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSChannel hands emails to a queue consumed by an external mail relay.
type SQSChannel struct {
	client   SQSAPI
	queueURL string
	sender   string
}

type sqsEmailMessage struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

// NewSQSClient builds an SQS client. A non-empty endpoint targets LocalStack with static
// test credentials; otherwise the default AWS credential chain is used.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewSQSChannel(client SQSAPI, queueURL, sender string) *SQSChannel {
	return &SQSChannel{client: client, queueURL: queueURL, sender: sender}
}

func (c *SQSChannel) Name() string { return "sqs" }

func (c *SQSChannel) Send(ctx context.Context, email Email) error {
	body, err := json.Marshal(sqsEmailMessage{
		From:     c.sender,
		To:       email.To,
		Subject:  email.Subject,
		HTMLBody: email.HTMLBody,
		TextBody: email.TextBody,
	})
	if err != nil {
		return domainErrors.NewTerminalDeliveryError(fmt.Errorf("marshal email: %w", err))
	}

	_, err = c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidMessageContents" {
			return domainErrors.NewTerminalDeliveryError(fmt.Errorf("sqs send: %w", err))
		}
		return domainErrors.NewTransientDeliveryError(fmt.Errorf("sqs send: %w", err))
	}
	return nil
}
