package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

const (
	smtpSecurityNone     = "none"
	smtpSecurityStartTLS = "starttls"
	smtpSecurityTLS      = "tls"
)

// EmailChannel delivers notifications over SMTP.
type EmailChannel struct {
	cfg     config.EmailConfig
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewEmailChannel constructs the SMTP channel adapter.
func NewEmailChannel(cfg config.EmailConfig, log *slog.Logger) *EmailChannel {
	security := strings.ToLower(strings.TrimSpace(cfg.Security))
	switch security {
	case smtpSecurityNone, smtpSecurityStartTLS, smtpSecurityTLS:
	default:
		security = smtpSecurityStartTLS
	}
	cfg.Security = security
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	if log == nil {
		log = slog.Default()
	}
	return &EmailChannel{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With("component", "email_channel"),
	}
}

func (c *EmailChannel) Kind() models.DeliveryChannel { return models.ChannelEmail }

func (c *EmailChannel) Policy() config.RetryConfig { return c.cfg.Retry }

// Send delivers one message to one recipient. SMTP 4xx replies are
// transient, 5xx permanent; 550-class replies are treated as bounces.
func (c *EmailChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	if c.cfg.Host == "" || c.cfg.Port == 0 || c.cfg.From == "" {
		return Receipt{}, &ProviderError{Class: ErrorClassPermanent, Detail: "smtp is not configured"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	if err := c.sendEmail(ctx, msg.Destination, c.buildMessage(msg)); err != nil {
		return Receipt{}, classifySMTP(err)
	}
	return Receipt{}, nil
}

func (c *EmailChannel) buildMessage(msg Message) []byte {
	headers := []string{
		fmt.Sprintf("From: %s", c.cfg.From),
		fmt.Sprintf("To: %s", msg.Destination),
		fmt.Sprintf("Subject: %s", msg.Title),
		fmt.Sprintf("X-Idempotency-Key: %s", msg.IdempotencyKey),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + msg.Body + "\n")
}

func (c *EmailChannel) sendEmail(ctx context.Context, recipient string, message []byte) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(c.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(recipient); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (c *EmailChannel) connect(ctx context.Context) (*smtp.Client, error) {
	address := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	var (
		conn net.Conn
		err  error
	)
	if c.cfg.Security == smtpSecurityTLS {
		tlsConfig := &tls.Config{ServerName: c.cfg.Host, InsecureSkipVerify: c.cfg.SkipTLSVerify} // #nosec G402
		conn, err = tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}
	if c.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}
	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if c.cfg.Security == smtpSecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			_ = client.Close()
			return nil, fmt.Errorf("smtp server does not support STARTTLS")
		}
		tlsConfig := &tls.Config{ServerName: c.cfg.Host, InsecureSkipVerify: c.cfg.SkipTLSVerify} // #nosec G402
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

// classifySMTP maps an SMTP reply code onto an error class. Non-protocol
// errors (dial failures, timeouts) stay transient.
func classifySMTP(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code >= 500:
			return &ProviderError{
				Class:  ErrorClassPermanent,
				Bounce: protoErr.Code == 550 || protoErr.Code == 553,
				Detail: fmt.Sprintf("smtp rejected message (%d)", protoErr.Code),
				Err:    err,
			}
		case protoErr.Code >= 400:
			return &ProviderError{
				Class:  ErrorClassTransient,
				Detail: fmt.Sprintf("smtp deferred message (%d)", protoErr.Code),
				Err:    err,
			}
		}
	}
	return &ProviderError{Class: ErrorClassTransient, Detail: "smtp send failed", Err: err}
}
