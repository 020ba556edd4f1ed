package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gatehouse.dev/internal/events"
	"gatehouse.dev/internal/obs"
)

// Service renders and sends templated mail.
type Service struct {
	renderer *Renderer
	mailer   Mailer
	from     string
	log      *slog.Logger
}

// NewService wires a renderer and mailer. from is the envelope sender.
func NewService(renderer *Renderer, mailer Mailer, from string) (*Service, error) {
	if renderer == nil || mailer == nil {
		return nil, errors.New("email: renderer and mailer are required")
	}
	if from == "" {
		return nil, errors.New("email: sender address is required")
	}
	return &Service{
		renderer: renderer,
		mailer:   mailer,
		from:     from,
		log:      obs.Logger().With("module", "email"),
	}, nil
}

// SendHTML renders templateName with vars and mails the result to to.
func (s *Service) SendHTML(ctx context.Context, to, subject, templateName string, vars map[string]any) error {
	html, err := s.renderer.Render(templateName, vars)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, Message{From: s.from, To: to, Subject: subject, HTML: html}); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "email sent", "to", to, "template", templateName)
	return nil
}

// Handle processes one SendEvent from the stream.
func (s *Service) Handle(ctx context.Context, id string, ev SendEvent) error {
	s.log.InfoContext(ctx, "processing email event", "record_id", id, "to", ev.To)
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("email: invalid event %s: %w", id, err)
	}
	return s.SendHTML(ctx, ev.To, ev.Subject, ev.TemplateName, ev.Variables)
}

// Handler adapts Handle for an events.Consumer on Stream.
func (s *Service) Handler() events.Handler {
	return events.Typed(s.Handle)
}
