// Package notification delivers templated email to the intake team, keeps a
// bounded in-memory outbox with retry, and exposes it over Echo.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Message status values.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// DefaultOutboxSize bounds how many messages the manager remembers.
const DefaultOutboxSize = 1000

var ErrMessageNotFound = errors.New("notification not found")

// Message is one outbound email.
type Message struct {
	ID         string            `json:"id"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template is a reusable message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// IntakeTriageTemplate is the message the intake inbox receives for every
// assessment submission.
const IntakeTriageTemplate = "intake-triage"

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      IntakeTriageTemplate,
		Name:    "Intake Triage",
		Subject: "[{{severity}}] New {{assessment_title}} submission",
		Body: "A new self-assessment was submitted.\n\n" +
			"Submission: {{submission_id}}\n" +
			"Assessment: {{assessment_title}} ({{assessment_type}})\n" +
			"Score: {{score}} / {{max_score}} ({{severity}})\n" +
			"Result: {{result_text}}\n\n" +
			"Recommendations:\n{{recommendations}}\n\n" +
			"Auxiliary answers:\n{{auxiliary_flags}}\n\n" +
			"Contact\n" +
			"Name: {{contact_name}}\n" +
			"Email: {{contact_email}}\n" +
			"Phone: {{contact_phone}}\n" +
			"Preferred method: {{preferred_method}}\n" +
			"Message: {{message}}\n",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager sends messages and remembers the most recent ones for retry.
type Manager struct {
	sender    EmailSender
	templates *TemplateEngine
	limit     int

	mu       sync.RWMutex
	messages map[string]*Message
	order    []string
}

func NewManager(sender EmailSender, tpl *TemplateEngine) *Manager {
	return &Manager{
		sender:    sender,
		templates: tpl,
		limit:     DefaultOutboxSize,
		messages:  make(map[string]*Message),
	}
}

func (m *Manager) deliver(ctx context.Context, msg *Message) error {
	err := m.sender.SendEmail(ctx, msg.Recipient, msg.Subject, msg.Body)

	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Attempts++
	if err != nil {
		msg.Status = StatusFailed
		msg.Error = err.Error()
		return err
	}
	msg.Status = StatusSent
	msg.Error = ""
	sentAt := time.Now().UTC()
	msg.SentAt = &sentAt
	return nil
}

func (m *Manager) store(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	m.messages[msg.ID] = msg
	for len(m.order) > m.limit {
		delete(m.messages, m.order[0])
		m.order = m.order[1:]
	}
}

// Send delivers msg and records it in the outbox whether or not delivery
// succeeded.
func (m *Manager) Send(ctx context.Context, msg *Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now().UTC()
	msg.Status = StatusPending
	m.store(msg)
	return m.deliver(ctx, msg)
}

// SendFromTemplate renders a template and sends the result.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string, metadata map[string]string) (*Message, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	msg := &Message{
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
		Metadata:   metadata,
	}
	return msg, m.Send(ctx, msg)
}

// Get returns a copy of the message with the given id.
func (m *Manager) Get(_ context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	cp := *msg
	return &cp, nil
}

// List returns up to limit messages, newest first, optionally filtered by status.
func (m *Manager) List(_ context.Context, status string, limit int) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Message
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.messages[m.order[i]]
		if status != "" && msg.Status != status {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out
}

// Retry re-sends a failed message.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	msg, ok := m.messages[id]
	var status string
	if ok {
		status = msg.Status
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	return m.deliver(ctx, msg)
}

// Stats counts remembered messages by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := map[string]int{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for _, msg := range m.messages {
		stats[msg.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the outbox to the intake team.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

// HandleList handles GET /notifications?status=failed.
func (h *Handler) HandleList(c echo.Context) error {
	list := h.manager.List(c.Request().Context(), c.QueryParam("status"), 100)
	if list == nil {
		list = []*Message{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) HandleGet(c echo.Context) error {
	msg, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		msg, _ := h.manager.Get(c.Request().Context(), id)
		if msg != nil && msg.Status == StatusFailed {
			return c.JSON(http.StatusBadGateway, msg)
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	msg, _ := h.manager.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, msg)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
