package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/models"
	"go.uber.org/zap"
)

type SMSSender struct {
	config *config.SMSConfig
	client *http.Client
	logger *zap.Logger
}

func NewSMSSender(cfg *config.SMSConfig, logger *zap.Logger) *SMSSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSSender{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	From    string `json:"from"`
	APIKey  string `json:"apiKey"`
}

type smsResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// FormatPhone normalises a Cameroon number to 237XXXXXXXXX. Unknown
// shapes are returned with only the digits kept.
func FormatPhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, "237"):
		return digits
	case strings.HasPrefix(digits, "0"):
		return "237" + digits[1:]
	case len(digits) == 9, strings.HasPrefix(digits, "6"), strings.HasPrefix(digits, "7"):
		return "237" + digits
	}
	return digits
}

func (s *SMSSender) Send(ctx context.Context, to, message string) error {
	phone := FormatPhone(to)
	if phone == "" {
		return fmt.Errorf("invalid phone number %q", to)
	}

	if s.config.DevMode {
		s.logger.Info("SMS (dev mode)",
			zap.String("to", "+"+phone),
			zap.String("from", s.config.Sender),
			zap.String("message", message))
		return nil
	}

	body, err := json.Marshal(smsRequest{To: phone, Message: message, From: s.config.Sender, APIKey: s.config.APIKey})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build SMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	defer resp.Body.Close()

	var out smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode SMS response: %w", err)
	}
	if resp.StatusCode >= 300 || !out.Success {
		msg := out.Message
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("SMS API rejected message: %s", msg)
	}

	s.logger.Debug("SMS sent", zap.String("to", phone), zap.String("message_id", out.MessageID))
	return nil
}

func (s *SMSSender) NotifyStatusChange(ctx context.Context, order *models.Order, status models.OrderStatus, estimatedDelivery *time.Time) error {
	if status == models.OrderStatusShipped && estimatedDelivery != nil {
		if err := s.Send(ctx, order.CustomerPhone, s.prefixed(DeliveryMessage(order, *estimatedDelivery))); err != nil {
			return err
		}
	}

	msg := StatusMessage(order, status)
	if msg == "" {
		return nil
	}
	return s.Send(ctx, order.CustomerPhone, s.prefixed(msg))
}

func (s *SMSSender) prefixed(msg string) string {
	if s.config.Sender == "" {
		return msg
	}
	return s.config.Sender + ": " + msg
}
