// Copyright 2025 James Ross
package notifier

import (
	"context"
	"fmt"

	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
)

// Sender delivers one Wrapped-ready email. It is an interface so the
// worker's retry/status-transition logic can be tested without a live SES
// endpoint.
type Sender interface {
	SendEmail(ctx context.Context, toAddress, subject, textBody, htmlBody string) error
}

// SESSender is the concrete Sender, built the same way the teacher's S3
// exporter builds its AWS client: an explicit aws.Config plus
// session.NewSession, here handed to ses.New instead of s3.New.
type SESSender struct {
	client *ses.SES
	sender string
}

func NewSESSender(cfg *config.Config) (*SESSender, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Email.AWSRegion)}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &SESSender{client: ses.New(sess), sender: cfg.Email.SenderAddr}, nil
}

func (s *SESSender) SendEmail(ctx context.Context, toAddress, subject, textBody, htmlBody string) error {
	_, err := s.client.SendEmailWithContext(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.sender),
		Destination: &ses.Destination{ToAddresses: []*string{aws.String(toAddress)}},
		Message: &ses.Message{
			Subject: &ses.Content{Data: aws.String(subject)},
			Body: &ses.Body{
				Text: &ses.Content{Data: aws.String(textBody)},
				Html: &ses.Content{Data: aws.String(htmlBody)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send_email: %w", err)
	}
	return nil
}
