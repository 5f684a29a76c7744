package domain

import "time"

// ConnectionState enumerates the observable states of a user's broker link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is the projection the frontend polls before deciding to
// prompt for re-authentication.
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"lastChecked"`
}

// BrokerConfig links one platform user to one broker account. The pair
// (UserID, BrokerName) is unique; rotating credentials recreates the row.
type BrokerConfig struct {
	ID                 int64            `json:"id"`
	UserID             string           `json:"userId"`
	BrokerName         string           `json:"brokerName"`
	APIKey             string           `json:"apiKey"`
	EncryptedAPISecret string           `json:"-"`
	ConnectionStatus   ConnectionStatus `json:"connectionStatus"`
	SessionStatus      string           `json:"sessionStatus,omitempty"`
	NeedsReauth        bool             `json:"needsReauth"`
	LastSync           *time.Time       `json:"lastSync,omitempty"`
	LastTokenRefresh   *time.Time       `json:"lastTokenRefresh,omitempty"`
	LastStatusCheck    *time.Time       `json:"lastStatusCheck,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// TokenStatus classifies the stored token set for a config.
type TokenStatus string

const (
	TokenStatusNone         TokenStatus = "no_token"
	TokenStatusExpired      TokenStatus = "expired"
	TokenStatusExpiringSoon TokenStatus = "expiring_soon"
	TokenStatusValid        TokenStatus = "valid"
)
