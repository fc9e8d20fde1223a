package domain

import "time"

type AuditCategory string

const (
	AuditLoginSuccess     AuditCategory = "login-success"
	AuditLoginFailure     AuditCategory = "login-failure"
	AuditLogout           AuditCategory = "logout"
	AuditTransferExecuted AuditCategory = "transfer-executed"
	AuditTransferRejected AuditCategory = "transfer-rejected"
	AuditAlert            AuditCategory = "alert"
)

// AuditEvent is an append-only security record. Metadata values (device,
// location, ip, reason, level) are opaque strings supplied by the caller;
// the core never interprets them.
type AuditEvent struct {
	ID        string            `json:"id"`
	Category  AuditCategory     `json:"category"`
	UserID    int64             `json:"user_id,omitempty"`
	AccountID int64             `json:"account_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RequestMeta carries the caller-side context recorded on auth and transfer
// events.
type RequestMeta struct {
	Device   string `json:"device,omitempty"`
	Location string `json:"location,omitempty"`
	IP       string `json:"ip,omitempty"`
}

func (m RequestMeta) ToMap() map[string]string {
	out := map[string]string{}
	if m.Device != "" {
		out["device"] = m.Device
	}
	if m.Location != "" {
		out["location"] = m.Location
	}
	if m.IP != "" {
		out["ip"] = m.IP
	}
	return out
}
