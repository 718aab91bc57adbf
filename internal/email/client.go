// Package email delivers transactional mail over SMTP. Vigil sends very
// little mail: hub owners are notified when an admin moves their hub through
// the approval lifecycle.
package email

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

const dialTimeout = 10 * time.Second

// Client speaks SMTP to a single configured server. Every Ping or Send opens
// its own connection, so a Client needs no locking and can be shared freely.
type Client struct {
	host     string
	port     int
	username string
	password string
	from     mail.Address
}

// NewClient builds a client for the given server. from should be a valid
// RFC 5322 address; config validation checks it at startup, and a raw string
// that fails to parse is used verbatim as the address.
func NewClient(host string, port int, username, password, from string) *Client {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		addr = &mail.Address{Address: from}
	}
	return &Client{host: host, port: port, username: username, password: password, from: *addr}
}

// Ping opens a session and closes it again. Run at startup so a bad host or
// credential shows up in the log before the first hub decision, not after.
func (c *Client) Ping() error {
	sess, err := c.open()
	if err != nil {
		return err
	}
	return sess.Quit()
}

// Send delivers one plain-text message.
func (c *Client) Send(to, subject, body string) error {
	sess, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = sess.Quit() }()

	if err := sess.Mail(c.from.Address); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := sess.Rcpt(to); err != nil {
		return fmt.Errorf("add recipient: %w", err)
	}
	w, err := sess.Data()
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	if _, err := w.Write(c.message(to, subject, body)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flush message: %w", err)
	}
	return nil
}

// open dials the server, upgrades to TLS when STARTTLS is advertised, and
// authenticates when credentials are configured. The EHLO exchange happens
// implicitly on the first command.
func (c *Client) open() (*smtp.Client, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sess, err := smtp.NewClient(conn, c.host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp greeting: %w", err)
	}

	if ok, _ := sess.Extension("STARTTLS"); ok {
		if err := sess.StartTLS(&tls.Config{ServerName: c.host}); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if c.username != "" {
		auth := smtp.PlainAuth("", c.username, c.password, c.host)
		if err := sess.Auth(auth); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return sess, nil
}

// message renders the RFC 5322 payload. Headers use CRLF line endings and the
// body is always text/plain; nothing Vigil sends needs HTML.
func (c *Client) message(to, subject, body string) []byte {
	headers := [...][2]string{
		{"From", c.from.String()},
		{"To", to},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	}

	var b bytes.Buffer
	for _, h := range headers {
		b.WriteString(h[0])
		b.WriteString(": ")
		b.WriteString(h[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}
