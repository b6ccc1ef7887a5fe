package device

import "strings"

// Status is the device status as last reported by the server. The zero
// value means nothing has been reported yet.
type Status string

const (
	StatusNone                     Status = ""
	StatusDisconnected             Status = "disconnected"
	StatusConnecting               Status = "connecting"
	StatusOpen                     Status = "open"
	StatusError                    Status = "error"
	StatusRestarting               Status = "restarting"
	StatusHibernating              Status = "hibernating"
	StatusBuilding                 Status = "building"
	StatusWaitingPayment           Status = "waiting_payment"
	StatusExternalIntegrationError Status = "external_integration_error"
)

// AllStatuses lists every known status except StatusNone.
var AllStatuses = []Status{
	StatusDisconnected,
	StatusConnecting,
	StatusOpen,
	StatusError,
	StatusRestarting,
	StatusHibernating,
	StatusBuilding,
	StatusWaitingPayment,
	StatusExternalIntegrationError,
}

func (s Status) String() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}

// ParseStatus normalizes the spellings the server uses for device status.
// Unknown values are kept lowercased.
func ParseStatus(raw string) Status {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "", "no_status", "null":
		return StatusNone
	case "connected":
		return StatusOpen
	case "close", "closed":
		return StatusDisconnected
	default:
		return Status(v)
	}
}
