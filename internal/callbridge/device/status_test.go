package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"", StatusNone},
		{"no_status", StatusNone},
		{"null", StatusNone},
		{"open", StatusOpen},
		{"CONNECTED", StatusOpen},
		{"close", StatusDisconnected},
		{"closed", StatusDisconnected},
		{" Restarting ", StatusRestarting},
		{"waiting_payment", StatusWaitingPayment},
		{"something_new", Status("something_new")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseStatus(tt.raw), "raw %q", tt.raw)
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "none", StatusNone.String())
	assert.Equal(t, "open", StatusOpen.String())
	assert.Len(t, AllStatuses, 9)
}
