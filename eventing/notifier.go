package eventing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/condo-billing/billing"
)

// Notification is a message for the residents of a unit.
type Notification struct {
	Kind    string // the event type that triggered it
	SlipID  string
	Target  string
	Amount  string
	DueDate string
	Subject string
	Body    string
}

// Mailer delivers notifications.
type Mailer interface {
	Send(ctx context.Context, n Notification) error
}

// LogMailer writes notifications to the log instead of sending them.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) Send(_ context.Context, n Notification) error {
	m.Logger.Info("notification",
		zap.String("kind", n.Kind),
		zap.String("slip_id", n.SlipID),
		zap.String("target", n.Target),
		zap.String("subject", n.Subject),
	)
	return nil
}

// Notifier tells residents when a slip is sent to them and when it is paid.
type Notifier struct {
	mailer Mailer
	logger *zap.Logger
}

func NewNotifier(mailer Mailer, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{mailer: mailer, logger: logger}
}

// Register subscribes the notifier to the events it handles.
func (n *Notifier) Register(bus *Bus) {
	bus.Subscribe(billing.EventSlipWasSent, n.Handle)
	bus.Subscribe(billing.EventSlipWasPaid, n.Handle)
}

// slipPayload is the subset of a slip event payload notifications use.
type slipPayload struct {
	SlipID  string `json:"slip_id"`
	Amount  string `json:"amount"`
	DueDate string `json:"due_date"`
	Target  string `json:"target"`
	PaidAt  string `json:"paid_at"`
}

func (n *Notifier) Handle(ctx context.Context, env Envelope) error {
	var p slipPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	note := Notification{
		Kind:    env.EventType,
		SlipID:  p.SlipID,
		Target:  p.Target,
		Amount:  p.Amount,
		DueDate: p.DueDate,
	}
	switch env.EventType {
	case billing.EventSlipWasSent:
		note.Subject = fmt.Sprintf("New billing slip: %s due %s", p.Amount, p.DueDate)
		note.Body = fmt.Sprintf("A billing slip of %s for unit %s is due on %s. Reference %s.", p.Amount, p.Target, p.DueDate, p.SlipID)
	case billing.EventSlipWasPaid:
		note.Subject = fmt.Sprintf("Payment received: %s", p.Amount)
		note.Body = fmt.Sprintf("We received %s for unit %s on %s. Reference %s.", p.Amount, p.Target, p.PaidAt, p.SlipID)
	default:
		return nil
	}

	if err := n.mailer.Send(ctx, note); err != nil {
		n.logger.Error("notification failed",
			zap.String("kind", note.Kind),
			zap.String("slip_id", note.SlipID),
			zap.Error(err),
		)
		return fmt.Errorf("eventing: notify %s for slip %s: %w", note.Kind, note.SlipID, err)
	}
	return nil
}
