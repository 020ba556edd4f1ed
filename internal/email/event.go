// Package email renders templated HTML mail and delivers it from the email stream.
package email

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	// Stream carries SendEvent records.
	Stream = "stream:email_sending"
	// Group is the consumer group of the delivery workers.
	Group = "group:email_workers"

	TemplateResetPassword = "reset-password"
	SubjectResetPassword  = "Reset your password"
)

// SendEvent asks a worker to render TemplateName with Variables and mail it to To.
type SendEvent struct {
	To           string         `json:"to"`
	Subject      string         `json:"subject"`
	TemplateName string         `json:"templateName"`
	Variables    map[string]any `json:"variables"`
}

// Validate checks the event before any rendering happens.
func (e SendEvent) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.To, validation.Required, is.EmailFormat),
		validation.Field(&e.Subject, validation.Required),
		validation.Field(&e.TemplateName, validation.Required),
	)
}
