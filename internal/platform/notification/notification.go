// Package notification is the delivery bridge between the queue core and
// the patient-facing channels. It renders queue templates, fans entries
// that crossed the notify threshold out to Email/SMS senders, and keeps
// an in-memory record of every dispatch for inspection and retry.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/visitq/visitq/internal/domain/queue"
)

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notification records one outbound message.
type Notification struct {
	ID         string            `json:"id"`
	Channel    Channel           `json:"channel"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Status     string            `json:"status"` // pending, sent, failed
	CreatedAt  time.Time         `json:"created_at"`
	SentAt     *time.Time        `json:"sent_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in queue
// templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "queue-ready",
			Name:    "Almost Your Turn",
			Subject: "You're almost up, {{patient_name}}",
			Body:    "Dear {{patient_name}}, you are now number {{position}} in the queue. Please make your way to the waiting area.",
			Channel: ChannelSMS,
		},
		{
			ID:      "queue-checked-in",
			Name:    "Check-in Confirmation",
			Subject: "Queue check-in confirmed",
			Body:    "Dear {{patient_name}}, you are checked in at position {{position}}. Estimated wait: {{estimated_wait}} minutes.",
			Channel: ChannelEmail,
		},
		{
			ID:      "queue-position-improved",
			Name:    "Position Update",
			Subject: "Your queue position improved",
			Body:    "Dear {{patient_name}}, your place in the queue moved up to {{position}}.",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement.
// Keys present in the template but absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, channel Channel, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, t.Channel, nil
}

// Bridge dispatches notifications and records the outcomes. It
// implements queue.Notifier.
type Bridge struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	log       zerolog.Logger

	// Recipient lookup is owned by the excluded patient-directory
	// collaborator; by default the entry id addresses the patient.
	recipientFor func(e queue.QueueEntry) (string, Channel)

	mu      sync.RWMutex
	records map[string]*Notification
}

// NewBridge creates a Bridge around the given senders.
func NewBridge(email EmailSender, sms SMSSender, log zerolog.Logger) *Bridge {
	return &Bridge{
		email:     email,
		sms:       sms,
		templates: NewTemplateEngine(),
		log:       log,
		recipientFor: func(e queue.QueueEntry) (string, Channel) {
			return e.ID.String(), ChannelSMS
		},
		records: make(map[string]*Notification),
	}
}

// SetRecipientLookup overrides how a queue entry maps to a recipient
// address and channel.
func (b *Bridge) SetRecipientLookup(fn func(e queue.QueueEntry) (string, Channel)) {
	if fn != nil {
		b.recipientFor = fn
	}
}

// Templates exposes the engine so callers can register custom templates.
func (b *Bridge) Templates() *TemplateEngine { return b.templates }

// NotifyReady implements queue.Notifier: every entry that just crossed
// the notify threshold gets a "queue-ready" message. Send failures are
// recorded for retry, never propagated — the queue state change already
// happened and is not rolled back over a delivery problem.
func (b *Bridge) NotifyReady(ctx context.Context, entries []queue.QueueEntry) {
	for _, e := range entries {
		recipient, channel := b.recipientFor(e)
		n, err := b.SendFromTemplate(ctx, "queue-ready", map[string]string{
			"patient_name": e.Name,
			"position":     strconv.Itoa(e.CurrentPosition),
		}, recipient, channel)
		if err != nil {
			b.log.Error().Err(err).
				Str("entry_id", e.ID.String()).
				Str("notification_id", n.ID).
				Msg("ready notification failed")
			continue
		}
		b.log.Info().
			Str("entry_id", e.ID.String()).
			Str("notification_id", n.ID).
			Int("position", e.CurrentPosition).
			Msg("ready notification sent")
	}
}

// Send dispatches one notification through its channel and records the
// outcome.
func (b *Bridge) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = "pending"

	err := b.deliver(ctx, n)

	b.mu.Lock()
	b.records[n.ID] = n
	b.mu.Unlock()
	return err
}

func (b *Bridge) deliver(ctx context.Context, n *Notification) error {
	var err error
	switch n.Channel {
	case ChannelEmail:
		err = b.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		err = b.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		err = fmt.Errorf("unsupported channel %q", n.Channel)
	}

	if err != nil {
		n.Status = "failed"
		n.Error = err.Error()
		return err
	}
	n.Status = "sent"
	sentAt := time.Now().UTC()
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

// SendFromTemplate renders a template and sends the result.
func (b *Bridge) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string, channel Channel) (*Notification, error) {
	subject, body, tplChannel, err := b.templates.Render(templateID, data)
	if err != nil {
		return &Notification{}, fmt.Errorf("render template: %w", err)
	}
	if channel == "" {
		channel = tplChannel
	}

	n := &Notification{
		Channel:    channel,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
	}
	if err := b.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Get retrieves a recorded notification by id.
func (b *Bridge) Get(id string) (*Notification, error) {
	b.mu.RLock()
	n, ok := b.records[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return n, nil
}

// Retry re-sends a failed notification. The send itself happens on a
// copy outside the lock so other record access is not serialized
// behind a slow gateway.
func (b *Bridge) Retry(ctx context.Context, id string) error {
	b.mu.RLock()
	n, ok := b.records[id]
	var attempt Notification
	if ok {
		attempt = *n
	}
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if attempt.Status != "failed" {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, attempt.Status)
	}

	err := b.deliver(ctx, &attempt)

	b.mu.Lock()
	*n = attempt
	b.mu.Unlock()
	return err
}

// Stats returns counts of recorded notifications grouped by status.
func (b *Bridge) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range b.records {
		stats[n.Status]++
	}
	return stats
}

// Mock senders (test doubles, also used in dev mode where no real
// gateway is configured).

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Handler exposes notification records over HTTP.
type Handler struct {
	bridge *Bridge
}

// NewHandler creates a notification Handler.
func NewHandler(bridge *Bridge) *Handler { return &Handler{bridge: bridge} }

// RegisterRoutes registers notification routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.bridge.Stats())
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.bridge.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.bridge.Retry(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	n, _ := h.bridge.Get(id)
	return c.JSON(http.StatusOK, n)
}
