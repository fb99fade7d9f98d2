package assessment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mindwell/intake/internal/platform/notification"
	"github.com/mindwell/intake/internal/platform/webhook"
)

// SubmissionCreatedEvent is the webhook event type for a new or re-sent
// submission.
const SubmissionCreatedEvent = "submission.created"

// NotificationForwarder emails the intake inbox through the notification
// outbox, so failed deliveries stay visible and retryable there too.
type NotificationForwarder struct {
	manager  *notification.Manager
	registry *Registry
	inbox    string
}

func NewNotificationForwarder(manager *notification.Manager, registry *Registry, inbox string) *NotificationForwarder {
	return &NotificationForwarder{manager: manager, registry: registry, inbox: inbox}
}

func (f *NotificationForwarder) ForwardTriage(ctx context.Context, s *Submission) error {
	_, err := f.manager.SendFromTemplate(ctx, notification.IntakeTriageTemplate, f.templateData(s), f.inbox, map[string]string{
		"submission_id":   s.ID.String(),
		"assessment_type": s.AssessmentType,
		"severity":        string(s.Severity),
	})
	if err != nil {
		return fmt.Errorf("send intake email: %w", err)
	}
	return nil
}

func (f *NotificationForwarder) templateData(s *Submission) map[string]string {
	title := s.AssessmentType
	if in, err := f.registry.Lookup(s.AssessmentType); err == nil {
		title = in.Title
	}
	return map[string]string{
		"severity":         string(s.Severity),
		"assessment_title": title,
		"assessment_type":  s.AssessmentType,
		"submission_id":    s.ID.String(),
		"score":            strconv.Itoa(s.TotalScore),
		"max_score":        strconv.Itoa(s.MaxScore),
		"result_text":      s.ResultText,
		"recommendations":  formatRecommendations(s.Recommendations),
		"auxiliary_flags":  formatFlags(s.AuxiliaryFlags),
		"contact_name":     orNone(s.ContactName),
		"contact_email":    orNone(s.ContactEmail),
		"contact_phone":    orNone(s.ContactPhone),
		"preferred_method": orNone(s.PreferredMethod),
		"message":          orNone(s.Message),
	}
}

// WebhookForwarder posts the triage payload and contact details to an
// external intake system as a signed JSON event.
type WebhookForwarder struct {
	sender *webhook.Sender
}

func NewWebhookForwarder(sender *webhook.Sender) *WebhookForwarder {
	return &WebhookForwarder{sender: sender}
}

type webhookSubmission struct {
	SubmissionID string        `json:"submission_id"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	Triage       TriagePayload `json:"triage"`
	Contact      Contact       `json:"contact"`
}

func (f *WebhookForwarder) ForwardTriage(ctx context.Context, s *Submission) error {
	body := webhookSubmission{
		SubmissionID: s.ID.String(),
		SubmittedAt:  s.CreatedAt.UTC(),
		Triage:       s.Payload(),
		Contact: Contact{
			Name:            stringVal(s.ContactName),
			Email:           stringVal(s.ContactEmail),
			Phone:           stringVal(s.ContactPhone),
			PreferredMethod: stringVal(s.PreferredMethod),
			Message:         stringVal(s.Message),
			Consent:         s.Consent,
		},
	}
	if err := f.sender.Send(ctx, SubmissionCreatedEvent, s.ID.String(), body); err != nil {
		return fmt.Errorf("post intake webhook: %w", err)
	}
	return nil
}

// MultiForwarder calls every forwarder in order. It fails if any of them
// fails, so a retry re-sends to all of them.
type MultiForwarder []Forwarder

func (m MultiForwarder) ForwardTriage(ctx context.Context, s *Submission) error {
	var errs []error
	for _, f := range m {
		if err := f.ForwardTriage(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func formatRecommendations(recs []Recommendation) string {
	if len(recs) == 0 {
		return "- none"
	}
	lines := make([]string, len(recs))
	for i, r := range recs {
		lines[i] = fmt.Sprintf("- [%s] %s", r.Type, r.Title)
	}
	return strings.Join(lines, "\n")
}

func formatFlags(flags Flags) string {
	if len(flags) == 0 {
		return "- none"
	}
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		answer := "no"
		if flags[name] {
			answer = "yes"
		}
		lines[i] = fmt.Sprintf("- %s: %s", name, answer)
	}
	return strings.Join(lines, "\n")
}

func orNone(s *string) string {
	if v := stringVal(s); v != "" {
		return v
	}
	return "(not provided)"
}
