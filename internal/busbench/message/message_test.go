package message

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	msg := New(decimal.RequireFromString("1024.00005"))
	data, err := Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"amount":"1024.00005"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, msg.Amount.Equal(decoded.Amount))
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"amount":"lots"}`))
	assert.Error(t, err)
}

func TestCompletionSignal(t *testing.T) {
	data, err := EncodeCompletion(&CompletionSignal{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	_, err = DecodeCompletion(data)
	assert.NoError(t, err)
}

func TestValidator(t *testing.T) {
	v := NewValidator(ExpectedAmount, DefaultTolerance)
	tests := map[string]struct {
		amount string
		valid  bool
	}{
		"exact":                  {"1024", true},
		"within tolerance":       {"1024.0001", true},
		"within tolerance below": {"1023.9999", true},
		"just outside":           {"1024.00011", false},
		"far off":                {"2000", false},
		"negative":               {"-1024", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.valid, v.Valid(New(decimal.RequireFromString(tc.amount))))
		})
	}
	assert.False(t, v.Valid(nil))
}

func TestPayloadMatches(t *testing.T) {
	assert.True(t, PayloadMatches(New(ExpectedAmount), PayloadMessage))
	assert.True(t, PayloadMatches(&Message{Payload: "HELLO wörld"}, "hello WÖRLD"))
	assert.False(t, PayloadMatches(&Message{Payload: "hello"}, "hello!"))
	assert.False(t, PayloadMatches(nil, PayloadMessage))
}
