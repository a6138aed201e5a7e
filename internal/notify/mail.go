package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/btouchard/dispatchboard/internal/config"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	from   string
	client *mail.Client
}

// NewSMTPMailer builds a mailer from the mail configuration.
func NewSMTPMailer(cfg config.MailConfig) (*SMTPMailer, error) {
	var opts []mail.Option

	switch cfg.TLS {
	case "tls":
		opts = append(opts, mail.WithSSL())
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}

	// The port goes last so no TLS option resets it to its default.
	opts = append(opts, mail.WithPort(cfg.Port))

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	return &SMTPMailer{from: cfg.From, client: client}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	em := mail.NewMsg()
	if err := em.From(m.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := em.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	em.Subject(msg.Subject)
	em.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := m.client.DialAndSendWithContext(ctx, em); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// LogMailer records messages in the log instead of sending them. Used
// when mail delivery is disabled.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	slog.Info("mail delivery disabled, message logged",
		"to", msg.To,
		"subject", msg.Subject)
	return nil
}

// MailNotifier emails the assigned technician.
type MailNotifier struct {
	mailer    Mailer
	publicURL string
}

// NewMailNotifier creates a notifier linking tasks under publicURL.
func NewMailNotifier(mailer Mailer, publicURL string) *MailNotifier {
	return &MailNotifier{mailer: mailer, publicURL: strings.TrimRight(publicURL, "/")}
}

func (n *MailNotifier) Name() string { return "mail" }

func (n *MailNotifier) Notify(ctx context.Context, event Event) error {
	if event.Type != EventTaskAssigned {
		return nil
	}
	if event.Email == "" {
		return errors.New("technician account has no email address")
	}
	return n.mailer.Send(ctx, AssignmentMessage(event, n.publicURL))
}

// AssignmentMessage renders the assignment email for event.
func AssignmentMessage(event Event, publicURL string) Message {
	taskURL := fmt.Sprintf("%s/tasks/%d/", publicURL, event.TaskID)

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", event.Username)
	fmt.Fprintf(&b, "You have been assigned a new task (ID %d).\n", event.TaskID)
	if event.TaskTitle != "" {
		fmt.Fprintf(&b, "Task: %s\n", event.TaskTitle)
	}
	if event.Address != "" {
		fmt.Fprintf(&b, "Address: %s\n", event.Address)
	}
	if !event.ScheduledTime.IsZero() {
		fmt.Fprintf(&b, "Scheduled: %s\n", event.ScheduledTime.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "Please visit the following link to view details and start the task:\n%s\n\nThank you.", taskURL)

	return Message{
		To:      event.Email,
		Subject: fmt.Sprintf("Task #%d Assigned to You", event.TaskID),
		Body:    b.String(),
	}
}
