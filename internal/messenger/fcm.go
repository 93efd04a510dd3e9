package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmSender is the part of *messaging.Client the backend uses.
type fcmSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// fcm pushes to a device registration token (the contact address).
type fcm struct {
	name   string
	modes  []string
	client fcmSender
}

func newFCM(ctx context.Context, cfg Config, _ buildDeps) (Backend, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	var fbCfg *firebase.Config
	if cfg.Application != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.Application}
	}
	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: init messaging: %w", err)
	}
	return &fcm{name: cfg.Name, modes: modesOr(cfg.Modes, ModePush), client: client}, nil
}

func (f *fcm) Name() string    { return f.name }
func (f *fcm) Type() string    { return "fcm" }
func (f *fcm) Modes() []string { return f.modes }

func (f *fcm) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.Address) == "" {
		return Permanent(fmt.Errorf("fcm: no device token for %s", m.User))
	}
	msg := &messaging.Message{
		Token: m.Address,
		Notification: &messaging.Notification{
			Title: m.Subject,
			Body:  m.Body,
		},
		Data: map[string]string{"type": "reminder", "id": m.ID, "user": m.User},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	_, err := f.client.Send(ctx, msg)
	return classifyFCM(err)
}

func classifyFCM(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err), errorutils.IsInvalidArgument(err):
		return Permanent(fmt.Errorf("fcm: %w", err))
	default:
		return fmt.Errorf("fcm: %w", err)
	}
}
