package processor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/adjustment"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/allocation"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/chargeback"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

const (
	TypePaymentCompleted    = "payment.completed"
	TypePaymentVoided       = "payment.voided"
	TypePaymentChargedBack  = "payment.charged_back"
	TypeAdjustmentRequested = "adjustment.requested"
)

// Envelope is the message format on the tip events queue.
type Envelope struct {
	Type      string          `json:"type"`
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Acknowledger is the part of an amqp091.Delivery the processor settles.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type IncomingUpdate struct {
	Envelope Envelope
	Delivery Acknowledger
}

type paymentCompleted struct {
	PaymentID     string                `json:"payment_id"`
	OrderID       string                `json:"order_id"`
	TipAmount     int64                 `json:"tip_amount"`
	Kind          model.TransactionKind `json:"kind"`
	ProcessingFee int64                 `json:"processing_fee"`
	Timestamp     string                `json:"timestamp"`
}

type paymentReversed struct {
	TransactionID string               `json:"transaction_id"`
	Policy        model.ReversalPolicy `json:"policy"`
	Reason        string               `json:"reason"`
}

type adjustmentRequested struct {
	LedgerID   string            `json:"ledger_id"`
	Delta      int64             `json:"delta"`
	Reason     string            `json:"reason"`
	Actor      string            `json:"actor"`
	RequestID  string            `json:"request_id"`
	Attributes map[string]string `json:"attributes"`
}

func (e Envelope) payment() (allocation.PaymentCompleted, error) {
	var p paymentCompleted
	if err := e.decode(&p); err != nil {
		return allocation.PaymentCompleted{}, err
	}
	ts := p.Timestamp
	if ts == "" {
		ts = e.Timestamp
	}
	at, err := ParseTimestamp(ts)
	if err != nil {
		return allocation.PaymentCompleted{}, fmt.Errorf("%w: timestamp %q", model.ErrInvalidInput, ts)
	}
	return allocation.PaymentCompleted{
		PaymentID:     p.PaymentID,
		OrderID:       p.OrderID,
		TipAmount:     p.TipAmount,
		Kind:          p.Kind,
		ProcessingFee: p.ProcessingFee,
		Timestamp:     at,
	}, nil
}

func (e Envelope) reversal() (chargeback.Request, error) {
	var p paymentReversed
	if err := e.decode(&p); err != nil {
		return chargeback.Request{}, err
	}
	reason := p.Reason
	if reason == "" {
		reason = e.Type
	}
	return chargeback.Request{TransactionID: p.TransactionID, Policy: p.Policy, Reason: reason}, nil
}

// adjustment falls back to the event id when the request carries no id of its
// own, so a redelivered message maps to the same adjustment.
func (e Envelope) adjustment() (adjustment.Request, error) {
	var p adjustmentRequested
	if err := e.decode(&p); err != nil {
		return adjustment.Request{}, err
	}
	if p.RequestID == "" {
		p.RequestID = e.EventID
	}
	return adjustment.Request{
		LedgerID:   p.LedgerID,
		Delta:      p.Delta,
		Reason:     p.Reason,
		Actor:      p.Actor,
		RequestID:  p.RequestID,
		Attributes: p.Attributes,
	}, nil
}

func (e Envelope) decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", model.ErrInvalidInput)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", model.ErrInvalidInput, e.Type, err)
	}
	return nil
}

// ParseTimestamp accepts RFC 3339 and the plain "2006-01-02 15:04:05" form
// (read as UTC). An empty string yields the zero time.
func ParseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, nil
	}
	var err error
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		var t time.Time
		if t, err = time.Parse(layout, ts); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
