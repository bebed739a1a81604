// Package message defines the benchmark payload exchanged between sender and receiver,
// the completion marker, and their wire encoding.
package message

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PayloadMessage is the body every sender puts in Message.Payload.
const PayloadMessage = "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed non risus. " +
	"Suspendisse lectus tortor, dignissim sit amet, adipiscing nec, ultricies sed, dolor."

var (
	// ExpectedAmount is the amount every well-formed message carries.
	ExpectedAmount = decimal.NewFromInt(1024)
	// DefaultTolerance is the largest accepted deviation from ExpectedAmount.
	DefaultTolerance = decimal.RequireFromString("0.0001")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the benchmark payload. Receivers must treat it as read-only.
type Message struct {
	Amount  decimal.Decimal `json:"amount"`
	Payload string          `json:"payload"`
}

// CompletionSignal marks the end of a run. It carries no data.
type CompletionSignal struct{}

func New(amount decimal.Decimal) *Message {
	return &Message{Amount: amount, Payload: PayloadMessage}
}

func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "error decoding benchmark message")
	}
	return msg, nil
}

func EncodeCompletion(signal *CompletionSignal) ([]byte, error) {
	data, err := json.Marshal(signal)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func DecodeCompletion(data []byte) (*CompletionSignal, error) {
	signal := &CompletionSignal{}
	if err := json.Unmarshal(data, signal); err != nil {
		return nil, errors.Wrap(err, "error decoding completion signal")
	}
	return signal, nil
}

// Validator decides whether a message's amount is within tolerance of the expected amount.
type Validator struct {
	Expected  decimal.Decimal
	Tolerance decimal.Decimal
}

func NewValidator(expected, tolerance decimal.Decimal) *Validator {
	return &Validator{Expected: expected, Tolerance: tolerance}
}

// Valid reports whether |amount - expected| <= tolerance. A nil message is never valid.
func (v *Validator) Valid(msg *Message) bool {
	if msg == nil {
		return false
	}
	return msg.Amount.Sub(v.Expected).Abs().LessThanOrEqual(v.Tolerance)
}

// PayloadMatches compares payloads case-insensitively using Unicode simple case folding,
// which does not depend on any locale.
func PayloadMatches(msg *Message, expected string) bool {
	if msg == nil {
		return false
	}
	return strings.EqualFold(msg.Payload, expected)
}
