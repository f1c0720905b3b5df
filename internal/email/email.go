package email

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mrz1836/postmark"
)

var ErrFailedToSend = errors.New("failed to send email")

// Message is the transport-agnostic shape of an outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tag     string
}

// Sender is the only email contract the rest of the codebase depends on.
// Workers and webhook handlers take a Sender; the Postmark client below is
// one implementation, tests supply fakes.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds the Postmark credentials and sender identity.
type Config struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

type postmarkSender struct {
	client *postmark.Client
	cfg    Config
}

// NewPostmarkSender creates a Postmark-backed Sender. Tokens are required;
// a service with email half-configured should fail at startup, not at send
// time.
func NewPostmarkSender(cfg Config) (Sender, error) {
	if cfg.ServerToken == "" || cfg.AccountToken == "" {
		return nil, errors.New("postmark tokens are required")
	}
	if cfg.From == "" {
		return nil, errors.New("sender address is required")
	}
	return &postmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

func (s *postmarkSender) Send(ctx context.Context, msg Message) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.cfg.From,
		ReplyTo:    s.cfg.ReplyTo,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TextBody:   msg.Text,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

// LogSender writes messages to the log instead of sending them. Used when
// Postmark is not configured (local development).
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	log.Printf("[Email] (log-only) to=%s subject=%q tag=%s", msg.To, msg.Subject, msg.Tag)
	return nil
}
