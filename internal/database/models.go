package database

import "time"

// Instance is the persisted slice of an instance record. Live connection
// state is owned by the registry; the Status column mirrors the last state
// committed by the orchestrator.
type Instance struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	Name        string `gorm:"uniqueIndex;not null;size:128" json:"name"`
	Integration string `gorm:"not null" json:"integration"`
	Token       string `gorm:"uniqueIndex;not null" json:"-"`
	Number      string `json:"number,omitempty"`
	Status      string `gorm:"not null;default:close" json:"status"`

	// Webhook endpoint configured for this instance.
	WebhookURL      string `json:"webhook_url,omitempty"`
	WebhookHeaders  string `gorm:"type:text;default:'{}'" json:"-"` // JSON object
	WebhookEnabled  bool   `gorm:"default:false" json:"webhook_enabled"`
	WebhookEvents   string `gorm:"type:text;default:'[]'" json:"-"` // JSON array of event names
	WebhookByEvents bool   `gorm:"default:false" json:"-"`

	// Behaviour flags captured at creation.
	RejectCall      bool   `gorm:"default:false" json:"reject_call"`
	MsgCall         string `json:"msg_call,omitempty"`
	GroupsIgnore    bool   `gorm:"default:false" json:"groups_ignore"`
	AlwaysOnline    bool   `gorm:"default:false" json:"always_online"`
	ReadMessages    bool   `gorm:"default:false" json:"read_messages"`
	ReadStatus      bool   `gorm:"default:false" json:"read_status"`
	SyncFullHistory bool   `gorm:"default:false" json:"sync_full_history"`

	// Outbound proxy, live-tested before being persisted. Password is
	// fernet-encrypted at rest.
	ProxyHost     string `json:"-"`
	ProxyPort     string `json:"-"`
	ProxyProtocol string `json:"-"`
	ProxyUsername string `json:"-"`
	ProxyPassword string `json:"-"`

	// Chat-support bridge binding.
	ChatSupportAccountID string `json:"-"`
	ChatSupportToken     string `json:"-"`
	ChatSupportURL       string `json:"-"`

	DisconnectedAt *time.Time `json:"-"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
