package domain

import "time"

// OAuthToken is the active delegated credential for one BrokerConfig. At most
// one row exists per config; Store replaces rather than updates in place.
type OAuthToken struct {
	ID                    int64
	ConfigID              int64
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenType             string
	ExpiresAt             time.Time
	Scope                 string
	BrokerUserID          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TokenSet is the decrypted shape returned by the broker's token endpoints.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
	BrokerUserID string
}
