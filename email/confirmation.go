package email

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/workqueue"
	"google.golang.org/grpc/codes"
	"gopkg.in/gomail.v2"
)

// QueueConfirmations carries Confirmation tasks.
const QueueConfirmations = "email.confirmation"

// Confirmation asks for a credential's validation token to be delivered.
type Confirmation struct {
	To        string
	AccountID string
	Token     string
	ExpiresAt time.Time
}

// ConfirmationLink returns the link a recipient follows to confirm.
func (m *Mailer) ConfirmationLink(identifier, token string) (string, error) {
	u, err := url.Parse(fmt.Sprintf(m.confirmURL, url.QueryEscape(token)))
	if err != nil {
		return "", errors.WrapPrefix(err, "email: bad confirmation url", 0)
	}
	q := u.Query()
	q.Set("identifier", identifier)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendConfirmation renders and sends a confirmation email.
func (m *Mailer) SendConfirmation(ctx context.Context, c Confirmation) error {
	link, err := m.ConfirmationLink(c.To, c.Token)
	if err != nil {
		return err
	}
	data := struct {
		Confirmation
		Link string
	}{c, link}

	subject, err := m.templates.Render("confirmation.subject", data)
	if err != nil {
		return err
	}
	body, err := m.templates.Render("confirmation.html", data)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("To", c.To)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)
	return m.Send(ctx, msg)
}

// Subscribe registers the mailer as the worker for confirmation tasks.
func (m *Mailer) Subscribe(q workqueue.WorkQueue) {
	q.Subscribe(QueueConfirmations, func(ctx context.Context, task *workqueue.Task) error {
		c, ok := task.Data.(Confirmation)
		if !ok {
			return errors.NewC(fmt.Sprintf("email: unexpected task payload %T", task.Data), codes.Internal)
		}
		return m.SendConfirmation(ctx, c)
	})
}
