package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPDispatcher sends through an SMTP relay. The Message-ID is generated
// locally and returned as the provider message id.
type SMTPDispatcher struct {
	Dialer    *gomail.Dialer
	FromEmail string
	FromName  string
	Domain    string
}

func NewSMTPDispatcher(host string, port int, username, password, fromEmail, fromName string) *SMTPDispatcher {
	return &SMTPDispatcher{
		Dialer:    gomail.NewDialer(host, port, username, password),
		FromEmail: fromEmail,
		FromName:  fromName,
		Domain:    senderDomain(fromEmail),
	}
}

func senderDomain(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return email[at+1:]
	}
	return "localhost"
}

func localMessageID(domain string) string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func (d *SMTPDispatcher) Dispatch(ctx context.Context, msg Message) (string, error) {
	if err := checkmail.ValidateFormat(msg.To); err != nil {
		return "", NewPermanent(fmt.Errorf("invalid recipient %q: %w", msg.To, err))
	}

	messageID := localMessageID(d.Domain)
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(d.FromEmail, d.FromName))
	if msg.ToName != "" {
		m.SetHeader("To", m.FormatAddress(msg.To, msg.ToName))
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	if err := d.send(ctx, m); err != nil {
		if ctx.Err() != nil {
			return "", NewTransient(fmt.Errorf("smtp send: %w", ctx.Err()))
		}
		return "", classifySMTP(err)
	}
	return messageID, nil
}

// send runs one SMTP session on a connection that is closed when ctx is
// done, so no delivery can complete after Dispatch has returned.
func (d *SMTPDispatcher) send(ctx context.Context, m *gomail.Message) error {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(d.Dialer.Host, strconv.Itoa(d.Dialer.Port)))
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	tlsConfig := d.Dialer.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: d.Dialer.Host}
	}
	if d.Dialer.SSL {
		conn = tls.Client(conn, tlsConfig)
	}
	c, err := smtp.NewClient(conn, d.Dialer.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if d.Dialer.LocalName != "" {
		if err := c.Hello(d.Dialer.LocalName); err != nil {
			return err
		}
	}
	if !d.Dialer.SSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	auth := d.Dialer.Auth
	if auth == nil && d.Dialer.Username != "" {
		auth = smtp.PlainAuth("", d.Dialer.Username, d.Dialer.Password, d.Dialer.Host)
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	err = gomail.Send(gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(w); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}), m)
	if err != nil {
		return err
	}
	// the relay has accepted the message once DATA is closed
	_ = c.Quit()
	return nil
}

// classifySMTP treats 5xx replies as permanent, everything else as transient.
func classifySMTP(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return NewPermanent(err)
	}
	return NewTransient(err)
}
