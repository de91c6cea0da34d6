package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/pkg/metrics"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer delivers one plain-text message
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewMailer builds the mailer selected by notifications.provider
func NewMailer(ctx context.Context, cfg *config.NotificationConfig) (Mailer, error) {
	switch cfg.Provider {
	case "sendgrid":
		return NewSendGridMailer(cfg.SendGridAPIKey, cfg.FromName, cfg.From), nil
	case "ses":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.SESRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SESRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return NewSESMailer(sesv2.NewFromConfig(awsCfg), cfg.From), nil
	default:
		return LogMailer{}, nil
	}
}

// LogMailer writes messages to the log instead of sending them
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, body string) error {
	slog.InfoContext(ctx, "Email (log provider)", "to", to, "subject", subject, "body_len", len(body))
	return nil
}

type SendGridMailer struct {
	client   *sendgrid.Client
	fromName string
	fromMail string
}

func NewSendGridMailer(apiKey, fromName, fromMail string) *SendGridMailer {
	return &SendGridMailer{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromMail: fromMail,
	}
}

func (m *SendGridMailer) Send(ctx context.Context, to, subject, body string) error {
	timer := prometheus.NewTimer(metrics.NotificationSendDuration.WithLabelValues("sendgrid"))
	defer timer.ObserveDuration()

	message := mail.NewSingleEmail(mail.NewEmail(m.fromName, m.fromMail), subject, mail.NewEmail("", to), body, "")
	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send error: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid API error: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// sesSender is the part of the SES client the mailer uses
type sesSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESMailer struct {
	client    sesSender
	fromEmail string
}

func NewSESMailer(client sesSender, fromEmail string) *SESMailer {
	return &SESMailer{client: client, fromEmail: fromEmail}
}

func (m *SESMailer) Send(ctx context.Context, to, subject, body string) error {
	timer := prometheus.NewTimer(metrics.NotificationSendDuration.WithLabelValues("ses"))
	defer timer.ObserveDuration()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.fromEmail),
		Destination:      &sestypes.Destination{ToAddresses: []string{to}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body:    &sestypes.Body{Text: &sestypes.Content{Data: aws.String(body)}},
			},
		},
	}
	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
