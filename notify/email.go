package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"themis/core"
)

// EmailConfig configures the SMTP alert channel.
type EmailConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	ToAddresses []string
}

// EmailSink delivers alerts over SMTP.
type EmailSink struct {
	config EmailConfig
	logger *zap.SugaredLogger

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSink creates the SMTP channel.
func NewEmailSink(config EmailConfig, logger *zap.SugaredLogger) *EmailSink {
	return &EmailSink{
		config:   config,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

func (s *EmailSink) Name() string { return "email" }

// Send formats and delivers one alert email.
func (s *EmailSink) Send(ctx context.Context, alert *core.Alert) error {
	if len(s.config.ToAddresses) == 0 {
		return &DeliveryError{
			Channel:   s.Name(),
			Transient: false,
			Err:       fmt.Errorf("no recipients configured"),
		}
	}

	v := alert.Violation
	subject := fmt.Sprintf("[%s] Compliance violation: %s", strings.ToUpper(v.Severity), v.RuleName)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.config.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.config.ToAddresses, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Rule:      %s\n", v.RuleName)
	fmt.Fprintf(&b, "Category:  %s\n", v.Category)
	fmt.Fprintf(&b, "Severity:  %s\n", v.Severity)
	fmt.Fprintf(&b, "Entity:    %s\n", v.EntityID)
	fmt.Fprintf(&b, "Detected:  %s\n", v.DetectedAt.Format(time.RFC3339))
	if v.Detail != "" {
		fmt.Fprintf(&b, "Detail:    %s\n", v.Detail)
	}
	fmt.Fprintf(&b, "Alert ID:  %s\n", alert.AlertID)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	done := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
		done <- s.sendMail(addr, auth, s.config.FromAddress, s.config.ToAddresses, []byte(b.String()))
	}()

	select {
	case err := <-done:
		if err != nil {
			return s.classify(err)
		}
		return nil
	case <-ctx.Done():
		return classifySendError(s.Name(), ctx.Err())
	}
}

// classify separates auth rejections from transport failures. SMTP auth
// errors will not clear on retry.
func (s *EmailSink) classify(err error) *DeliveryError {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "535") || strings.Contains(msg, "auth") {
		return &DeliveryError{Channel: s.Name(), Transient: false, Err: err}
	}
	return classifySendError(s.Name(), err)
}
