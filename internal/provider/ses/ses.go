// Package ses implements a Provider that sends messages via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/wneessen/go-mail"

	"github.com/shineum/carmailer/internal/compose"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// ConfigurationSet is optional and names the SES configuration set used
	// for event publishing.
	ConfigurationSet string
}

// SESProvider sends composed messages as SES v2 raw messages, so the
// headers, Message-ID and charset produced by the assembler reach the
// recipient unchanged.
type SESProvider struct {
	client           SendEmailAPI
	configurationSet string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration. Static
// credentials are used when both keys are set, otherwise the default AWS
// credential chain applies.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{
		client:           sesv2.NewFromConfig(awsCfg),
		configurationSet: cfg.ConfigurationSet,
	}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, configurationSet string) *SESProvider {
	return &SESProvider{
		client:           client,
		configurationSet: configurationSet,
	}
}

// Connect is a no-op; the SES API is stateless.
func (s *SESProvider) Connect(context.Context) error { return nil }

// Close is a no-op.
func (s *SESProvider) Close() error { return nil }

// Send serializes the message and delivers it through SendEmail with raw
// content. The envelope is taken from the message's To header.
func (s *SESProvider) Send(ctx context.Context, msg *mail.Msg) error {
	input, err := buildRawInput(msg, s.configurationSet)
	if err != nil {
		return err
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("SES API error",
				"code", apiErr.ErrorCode(),
				"message", apiErr.ErrorMessage(),
			)
		}
		return fmt.Errorf("SES API request failed: %w", err)
	}

	if out != nil {
		slog.Debug("SES accepted message", "ses_message_id", aws.ToString(out.MessageId))
	}
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// buildRawInput creates the SendEmailInput carrying the full MIME message.
func buildRawInput(msg *mail.Msg, configurationSet string) (*sesv2.SendEmailInput, error) {
	raw, err := compose.Bytes(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build raw message: %w", err)
	}

	rcpts, err := msg.GetRecipients()
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients: %w", err)
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: rcpts},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
	if from, err := msg.GetSender(false); err == nil {
		input.FromEmailAddress = aws.String(from)
	}
	if configurationSet != "" {
		input.ConfigurationSetName = aws.String(configurationSet)
	}
	return input, nil
}
