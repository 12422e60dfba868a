// Package mail 发送订阅相关的通知邮件
package mail

import (
	"context"
	"fmt"
	"html"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/model"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Dialer gomail.Dialer 的最小接口
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Sender struct {
	dialer   Dialer
	from     string
	fromName string
	log      *zap.Logger
}

func NewSender(cfg config.MailConfig, log *zap.Logger) *Sender {
	return NewSenderWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg, log)
}

func NewSenderWithDialer(d Dialer, cfg config.MailConfig, log *zap.Logger) *Sender {
	return &Sender{
		dialer:   d,
		from:     cfg.From,
		fromName: cfg.FromName,
		log:      log.Named("mail"),
	}
}

// SendPaymentConfirmation 支付确认，附带新的订阅到期日
func (s *Sender) SendPaymentConfirmation(ctx context.Context, ev model.PaymentConfirmedEvent) error {
	subject := "Pagamento confirmado"
	body := fmt.Sprintf(`<p>Olá, <strong>%s</strong>!</p>
<p>Recebemos o pagamento do pedido <strong>%s</strong> via %s.</p>
<p>Sua assinatura está ativa até <strong>%s</strong>.</p>`,
		html.EscapeString(ev.Name),
		html.EscapeString(ev.OrderNo),
		html.EscapeString(ev.PaymentMethod),
		ev.Deadline.In(saoPaulo()).Format("02/01/2006"),
	)
	return s.send(ctx, ev.Email, ev.Name, subject, body)
}

// SendPixCharge PIX 收款码（copia e cola）
func (s *Sender) SendPixCharge(ctx context.Context, ev model.PixChargeCreatedEvent) error {
	subject := "Sua cobrança PIX"
	body := fmt.Sprintf(`<p>Olá, <strong>%s</strong>!</p>
<p>Valor: <strong>R$ %s</strong></p>
<p>Use o código abaixo no app do seu banco:</p>
<pre>%s</pre>`,
		html.EscapeString(ev.Name),
		html.EscapeString(ev.Amount),
		html.EscapeString(ev.CopyPaste),
	)
	if !ev.ExpiresAt.IsZero() {
		body += fmt.Sprintf("\n<p>Válido até %s.</p>", ev.ExpiresAt.In(saoPaulo()).Format("02/01/2006 15:04"))
	}
	return s.send(ctx, ev.Email, ev.Name, subject, body)
}

func (s *Sender) send(ctx context.Context, to, name, subject, body string) error {
	if to == "" {
		return fmt.Errorf("收件人为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.from, s.fromName))
	m.SetHeader("To", m.FormatAddress(to, name))
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	s.log.Info("邮件已发送", zap.String("to", to), zap.String("subject", subject))
	return nil
}

func saoPaulo() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}
