package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender e-mails alerts through Amazon SES.
type SESSender struct {
	client sesAPI
	from   string
	to     []string
}

func NewSESSender(cfg aws.Config, from string, to []string) (*SESSender, error) {
	return newSESSender(sesv2.NewFromConfig(cfg), from, to)
}

func newSESSender(client sesAPI, from string, to []string) (*SESSender, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, fmt.Errorf("ses: from address is not set")
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("ses: no recipients")
	}
	return &SESSender{client: client, from: from, to: to}, nil
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) Send(ctx context.Context, a Alert) error {
	body := a.Body
	if a.RunID != "" {
		body += "\n\nrun: " + a.RunID
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: s.to,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(a.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	return err
}
