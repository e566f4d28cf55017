package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/budget-ledger/ledger"
)

func TestLog_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(zerolog.New(&buf))

	err := n.Notify(context.Background(), ledger.Notification{
		Kind:      ledger.NotifyRequestApproved,
		Recipient: "eng-1",
		TargetID:  "req-1",
		Amount:    ledger.MustParseMoney("20000"),
		Message:   "approved",
	})

	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"recipient":"eng-1"`)
	assert.Contains(t, buf.String(), `"amount":"20000.00"`)
	assert.Contains(t, buf.String(), `"message":"approved"`)
}

func TestMulti_TriesEveryChannel(t *testing.T) {
	// GIVEN: a failing channel followed by a working one
	var delivered int
	failing := Func(func(context.Context, ledger.Notification) error { return errors.New("smtp down") })
	working := Func(func(context.Context, ledger.Notification) error { delivered++; return nil })

	// WHEN
	err := Multi{failing, working}.Notify(context.Background(), ledger.Notification{Recipient: "eng-1"})

	// THEN: the second channel still ran and the failure is reported
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Equal(t, 1, delivered)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, Multi{}.Notify(context.Background(), ledger.Notification{}))
}
