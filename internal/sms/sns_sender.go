package sms

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"twofa-service/internal/config"
	"twofa-service/internal/util"
)

// SNSSender publishes SMS messages through AWS SNS.
type SNSSender struct {
	client *sns.Client
}

func NewSNSSender(cfg *config.Config) (*SNSSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.SMS.SNSRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	util.Info("SNS SMS sender initialized", util.String("region", cfg.SMS.SNSRegion))
	return &SNSSender{client: sns.NewFromConfig(awsCfg)}, nil
}

func (s *SNSSender) SendSMS(ctx context.Context, to, message string) error {
	if _, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: &to,
		Message:     &message,
	}); err != nil {
		util.Error("failed to publish SMS",
			util.String("to", to),
			util.ErrorField(err))
		return fmt.Errorf("failed to publish SMS: %w", err)
	}
	return nil
}
