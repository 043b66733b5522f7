package stripe

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("  ", 0)
	assert.True(t, errors.Is(err, billing.ErrProviderNotConfigured))
}

func TestVerifier_Verify(t *testing.T) {
	v, err := NewVerifier(testWebhookSecret, time.Minute)
	require.NoError(t, err)
	payload := []byte(checkoutPayload)

	tests := []struct {
		name    string
		payload []byte
		header  string
		wantErr bool
	}{
		{
			name:    "valid signature",
			payload: payload,
			header:  sign(t, payload, time.Now()),
		},
		{
			name:    "missing header",
			payload: payload,
			header:  "",
			wantErr: true,
		},
		{
			name:    "tampered body",
			payload: []byte(strings.Replace(checkoutPayload, testCustomerID, "cus_attacker", 1)),
			header:  sign(t, payload, time.Now()),
			wantErr: true,
		},
		{
			name:    "replayed outside tolerance",
			payload: payload,
			header:  sign(t, payload, time.Now().Add(-10*time.Minute)),
			wantErr: true,
		},
		{
			name:    "garbage header",
			payload: payload,
			header:  "not-a-signature",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.payload, tt.header)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, subsync.ErrInvalidSignature)
		})
	}
}

func TestVerifier_WrongSecret(t *testing.T) {
	v, err := NewVerifier("whsec_other", 0)
	require.NoError(t, err)

	payload := []byte(checkoutPayload)
	err = v.Verify(payload, sign(t, payload, time.Now()))
	assert.ErrorIs(t, err, subsync.ErrInvalidSignature)
}
