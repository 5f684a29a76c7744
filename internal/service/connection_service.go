package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tradebench/broker-auth/internal/adapter/broker"
	"github.com/tradebench/broker-auth/internal/audit"
	"github.com/tradebench/broker-auth/internal/config"
	"github.com/tradebench/broker-auth/internal/crypto"
	"github.com/tradebench/broker-auth/internal/csrf"
	"github.com/tradebench/broker-auth/internal/domain"
	"github.com/tradebench/broker-auth/internal/repository"
)

const (
	refreshMaxAttempts     = 3
	refreshInitialBackoff  = 250 * time.Millisecond
	defaultUserType        = "individual"
	messageAwaitingConsent = "Awaiting broker authorization"
	messageConnected       = "Broker session active"
	messageDisconnected    = "Broker disconnected"
)

var (
	apiKeyPattern    = regexp.MustCompile(`^[A-Za-z0-9]{8,64}$`)
	apiSecretPattern = regexp.MustCompile(`^[\x21-\x7e]{16,128}$`)
)

// RequestMeta carries the caller identity recorded in the audit trail.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// SetupInput starts (or restarts) the authorization handshake.
type SetupInput struct {
	UserID      string
	BrokerName  string
	APIKey      string
	APISecret   string
	FrontendURL string
	Meta        RequestMeta
}

// SetupOutput is returned to the frontend to redirect the user.
type SetupOutput struct {
	OAuthURL string `json:"oauthUrl"`
	State    string `json:"state"`
	ConfigID int64  `json:"configId"`
}

// CallbackInput completes the handshake.
type CallbackInput struct {
	ConfigID     int64
	RequestToken string
	State        string
	Meta         RequestMeta
}

// CallbackOutput carries the broker profile identifiers.
type CallbackOutput struct {
	UserID       string `json:"userId"`
	UserType     string `json:"userType"`
	BrokerUserID string `json:"brokerUserId"`
}

// StatusOutput is the read-only projection the frontend polls.
type StatusOutput struct {
	IsConnected      bool                    `json:"isConnected"`
	ConnectionStatus domain.ConnectionStatus `json:"connectionStatus"`
	TokenStatus      domain.TokenStatus      `json:"tokenStatus"`
	NeedsReauth      bool                    `json:"needsReauth"`
	ConfigID         int64                   `json:"configId,omitempty"`
}

// ConnectionService drives the handshake state machine:
// disconnected -> connecting -> connected -> error, with error able to return
// to connecting (repeat setup) or disconnected (disconnect).
type ConnectionService struct {
	configs repository.ConfigRepository
	vault   *TokenVault
	states  *csrf.Manager
	broker  broker.Client
	audit   *audit.Logger
	cipher  *crypto.Cipher
	cfg     config.Config
	locks   *configLocks
	logger  *zap.Logger
	sleep   func(time.Duration)
}

func NewConnectionService(
	configs repository.ConfigRepository,
	vault *TokenVault,
	states *csrf.Manager,
	brokerClient broker.Client,
	auditLogger *audit.Logger,
	cipher *crypto.Cipher,
	cfg config.Config,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		configs: configs,
		vault:   vault,
		states:  states,
		broker:  brokerClient,
		audit:   auditLogger,
		cipher:  cipher,
		cfg:     cfg,
		locks:   newConfigLocks(),
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Setup validates credentials, reconciles any existing config, issues a fresh
// CSRF state (invalidating an in-flight handshake), and returns the authorize
// URL. The config transitions to connecting.
func (s *ConnectionService) Setup(ctx context.Context, in SetupInput) (*SetupOutput, error) {
	if err := validateSetupInput(in); err != nil {
		return nil, err
	}
	brokerName := in.BrokerName
	if brokerName == "" {
		brokerName = s.cfg.BrokerName
	}

	cfg, err := s.reconcileCredentials(ctx, in.UserID, brokerName, in.APIKey, in.APISecret)
	if err != nil {
		return nil, err
	}

	state, err := s.states.Generate(ctx, cfg.ID, in.FrontendURL)
	if err != nil {
		return nil, fmt.Errorf("issue csrf state: %w", err)
	}

	if err := s.configs.UpdateStatus(ctx, cfg.ID, domain.ConnectionStatus{
		State:       domain.StateConnecting,
		Message:     messageAwaitingConsent,
		LastChecked: time.Now().UTC(),
	}, false); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, domain.AuditLogEntry{
		ConfigID: &cfg.ID,
		UserID:   in.UserID,
		Action:   domain.AuditOAuthInitiated,
		Status:   domain.AuditSuccess,
		Details: map[string]any{
			"broker":  brokerName,
			"api_key": in.APIKey,
		},
		IPAddress: in.Meta.IPAddress,
		UserAgent: in.Meta.UserAgent,
	})

	return &SetupOutput{
		OAuthURL: broker.AuthorizeURL(s.cfg.BrokerBaseURL, in.APIKey, state),
		State:    state,
		ConfigID: cfg.ID,
	}, nil
}

// reconcileCredentials implements the rotation contract: an existing config
// with identical credentials is reused; changed credentials delete the config
// (cascading its tokens) and recreate it. Rotating secrets intentionally
// invalidates prior sessions.
func (s *ConnectionService) reconcileCredentials(ctx context.Context, userID, brokerName, apiKey, apiSecret string) (domain.BrokerConfig, error) {
	existing, err := s.configs.GetByUserAndBroker(ctx, userID, brokerName)
	switch {
	case err == nil:
		if existing.APIKey == apiKey {
			if secret, decErr := s.cipher.Decrypt(existing.EncryptedAPISecret); decErr == nil && secret == apiSecret {
				return existing, nil
			}
		}
		if err := s.configs.Delete(ctx, existing.ID); err != nil {
			return domain.BrokerConfig{}, fmt.Errorf("replace rotated config: %w", err)
		}
	case errors.Is(err, domain.ErrNotFound):
		// first setup for this user/broker
	default:
		return domain.BrokerConfig{}, err
	}

	encryptedSecret, err := s.cipher.Encrypt(apiSecret)
	if err != nil {
		return domain.BrokerConfig{}, fmt.Errorf("encrypt api secret: %w", err)
	}
	return s.configs.Create(ctx, domain.BrokerConfig{
		UserID:             userID,
		BrokerName:         brokerName,
		APIKey:             apiKey,
		EncryptedAPISecret: encryptedSecret,
		ConnectionStatus: domain.ConnectionStatus{
			State:       domain.StateConnecting,
			Message:     messageAwaitingConsent,
			LastChecked: time.Now().UTC(),
		},
	})
}

// Callback verifies the CSRF state before anything else, then exchanges the
// request token and stores the encrypted token set. Any state mismatch or
// expiry fails closed without touching tokens.
func (s *ConnectionService) Callback(ctx context.Context, in CallbackInput) (*CallbackOutput, error) {
	if strings.TrimSpace(in.RequestToken) == "" || strings.TrimSpace(in.State) == "" {
		return nil, fmt.Errorf("%w: request_token and state are required", domain.ErrValidation)
	}

	cfg, err := s.configs.GetByID(ctx, in.ConfigID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(cfg.ID)
	defer unlock()

	if err := s.states.Verify(ctx, cfg.ID, in.State); err != nil {
		s.transitionError(ctx, cfg, "Authorization callback rejected", false)
		s.auditFailure(ctx, cfg, domain.AuditTokenExchanged, in.Meta, map[string]any{
			"reason": "csrf verification failed",
			"state":  in.State,
		})
		return nil, err
	}

	apiSecret, err := s.cipher.Decrypt(cfg.EncryptedAPISecret)
	if err != nil {
		s.logger.Error("api secret decryption failed", zap.Int64("config_id", cfg.ID), zap.Error(err))
		return nil, err
	}

	set, err := s.broker.ExchangeCode(ctx, cfg.APIKey, apiSecret, in.RequestToken)
	if err != nil {
		s.transitionError(ctx, cfg, exchangeFailureMessage(err), false)
		s.auditFailure(ctx, cfg, domain.AuditTokenExchanged, in.Meta, map[string]any{
			"reason":        "token exchange failed",
			"request_token": in.RequestToken,
		})
		return nil, err
	}

	if _, err := s.vault.Store(ctx, cfg.ID, *set); err != nil {
		s.transitionError(ctx, cfg, "Failed to persist broker session", false)
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.configs.UpdateStatus(ctx, cfg.ID, domain.ConnectionStatus{
		State:       domain.StateConnected,
		Message:     messageConnected,
		LastChecked: now,
	}, false); err != nil {
		return nil, err
	}
	if err := s.configs.TouchTokenRefresh(ctx, cfg.ID, now); err != nil {
		s.logger.Warn("touch token refresh failed", zap.Int64("config_id", cfg.ID), zap.Error(err))
	}

	s.audit.Record(ctx, domain.AuditLogEntry{
		ConfigID: &cfg.ID,
		UserID:   cfg.UserID,
		Action:   domain.AuditTokenExchanged,
		Status:   domain.AuditSuccess,
		Details: map[string]any{
			"broker_user_id": set.BrokerUserID,
			"scope":          set.Scope,
		},
		IPAddress: in.Meta.IPAddress,
		UserAgent: in.Meta.UserAgent,
	})

	return &CallbackOutput{
		UserID:       cfg.UserID,
		UserType:     defaultUserType,
		BrokerUserID: set.BrokerUserID,
	}, nil
}

// Refresh replaces the token set using the stored refresh token. A rejected
// refresh token is permanent: the config enters error with needsReauth set
// and the user must repeat setup. Transport failures are retried with bounded
// exponential backoff and surface as a transient error state.
func (s *ConnectionService) Refresh(ctx context.Context, configID int64, meta RequestMeta) error {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(cfg.ID)
	defer unlock()

	refreshToken, err := s.vault.RefreshToken(ctx, cfg.ID)
	if err != nil {
		return err
	}
	apiSecret, err := s.cipher.Decrypt(cfg.EncryptedAPISecret)
	if err != nil {
		return err
	}

	set, err := s.refreshWithBackoff(ctx, cfg.APIKey, apiSecret, refreshToken)
	if err != nil {
		permanent := errors.Is(err, domain.ErrCredential)
		message := "Broker temporarily unavailable during refresh"
		if permanent {
			message = "Refresh token rejected, re-authentication required"
		}
		s.transitionError(ctx, cfg, message, permanent)
		s.auditFailure(ctx, cfg, domain.AuditTokenRefreshed, meta, map[string]any{
			"reason":       "refresh failed",
			"needs_reauth": permanent,
		})
		return err
	}

	if set.RefreshToken == "" {
		// Some brokers do not rotate the refresh token; keep the current one.
		set.RefreshToken = refreshToken
	}
	if _, err := s.vault.Store(ctx, cfg.ID, *set); err != nil {
		s.transitionError(ctx, cfg, "Failed to persist refreshed session", false)
		return err
	}

	now := time.Now().UTC()
	if err := s.configs.UpdateStatus(ctx, cfg.ID, domain.ConnectionStatus{
		State:       domain.StateConnected,
		Message:     messageConnected,
		LastChecked: now,
	}, false); err != nil {
		return err
	}
	if err := s.configs.TouchTokenRefresh(ctx, cfg.ID, now); err != nil {
		s.logger.Warn("touch token refresh failed", zap.Int64("config_id", cfg.ID), zap.Error(err))
	}

	s.audit.Record(ctx, domain.AuditLogEntry{
		ConfigID:  &cfg.ID,
		UserID:    cfg.UserID,
		Action:    domain.AuditTokenRefreshed,
		Status:    domain.AuditSuccess,
		Details:   map[string]any{"broker": cfg.BrokerName},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

func (s *ConnectionService) refreshWithBackoff(ctx context.Context, apiKey, apiSecret, refreshToken string) (*domain.TokenSet, error) {
	backoff := refreshInitialBackoff
	var lastErr error
	for attempt := 0; attempt < refreshMaxAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(backoff)
			backoff *= 2
		}
		set, err := s.broker.Refresh(ctx, apiKey, apiSecret, refreshToken)
		if err == nil {
			return set, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrNetwork) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Disconnect revokes the session best-effort, deletes the token row, and
// returns the config to disconnected.
func (s *ConnectionService) Disconnect(ctx context.Context, configID int64, meta RequestMeta) error {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(cfg.ID)
	defer unlock()

	if accessToken, err := s.vault.AccessToken(ctx, cfg.ID); err == nil {
		if ok, err := s.broker.Revoke(ctx, cfg.APIKey, accessToken); err != nil || !ok {
			s.logger.Warn("broker revoke failed",
				zap.Int64("config_id", cfg.ID),
				zap.Bool("revoked", ok),
				zap.Error(err),
			)
		}
	}

	if err := s.vault.Delete(ctx, cfg.ID); err != nil {
		return err
	}
	if err := s.configs.UpdateStatus(ctx, cfg.ID, domain.ConnectionStatus{
		State:       domain.StateDisconnected,
		Message:     messageDisconnected,
		LastChecked: time.Now().UTC(),
	}, false); err != nil {
		return err
	}

	s.audit.Record(ctx, domain.AuditLogEntry{
		ConfigID:  &cfg.ID,
		UserID:    cfg.UserID,
		Action:    domain.AuditDisconnected,
		Status:    domain.AuditSuccess,
		Details:   map[string]any{"broker": cfg.BrokerName},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

// Status projects the connection and token state for one config. It never
// mutates state.
func (s *ConnectionService) Status(ctx context.Context, configID int64) (*StatusOutput, error) {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return disconnectedStatus(), nil
		}
		return nil, err
	}
	return s.projectStatus(ctx, cfg)
}

// StatusByUser projects status for a user's link to the default broker.
func (s *ConnectionService) StatusByUser(ctx context.Context, userID string) (*StatusOutput, error) {
	cfg, err := s.configs.GetByUserAndBroker(ctx, userID, s.cfg.BrokerName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return disconnectedStatus(), nil
		}
		return nil, err
	}
	return s.projectStatus(ctx, cfg)
}

func (s *ConnectionService) projectStatus(ctx context.Context, cfg domain.BrokerConfig) (*StatusOutput, error) {
	tokenStatus, err := s.vault.Status(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	usable := tokenStatus == domain.TokenStatusValid || tokenStatus == domain.TokenStatusExpiringSoon
	return &StatusOutput{
		IsConnected:      cfg.ConnectionStatus.State == domain.StateConnected && usable,
		ConnectionStatus: cfg.ConnectionStatus,
		TokenStatus:      tokenStatus,
		NeedsReauth:      cfg.NeedsReauth,
		ConfigID:         cfg.ID,
	}, nil
}

// ListConfigs returns a user's broker configs.
func (s *ConnectionService) ListConfigs(ctx context.Context, userID string) ([]domain.BrokerConfig, error) {
	return s.configs.ListByUser(ctx, userID)
}

// DeleteConfig removes a config and, through the schema, its tokens. Audit
// entries keep a nulled reference.
func (s *ConnectionService) DeleteConfig(ctx context.Context, configID int64, meta RequestMeta) error {
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(cfg.ID)
	defer unlock()

	if err := s.configs.Delete(ctx, cfg.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, domain.AuditLogEntry{
		UserID:    cfg.UserID,
		Action:    domain.AuditConfigDeleted,
		Status:    domain.AuditSuccess,
		Details:   map[string]any{"broker": cfg.BrokerName, "config_id": cfg.ID},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	return nil
}

func (s *ConnectionService) transitionError(ctx context.Context, cfg domain.BrokerConfig, message string, needsReauth bool) {
	if err := s.configs.UpdateStatus(ctx, cfg.ID, domain.ConnectionStatus{
		State:       domain.StateError,
		Message:     message,
		LastChecked: time.Now().UTC(),
	}, needsReauth); err != nil {
		s.logger.Error("status transition failed", zap.Int64("config_id", cfg.ID), zap.Error(err))
	}
}

func (s *ConnectionService) auditFailure(ctx context.Context, cfg domain.BrokerConfig, action string, meta RequestMeta, details map[string]any) {
	s.audit.Record(ctx, domain.AuditLogEntry{
		ConfigID:  &cfg.ID,
		UserID:    cfg.UserID,
		Action:    action,
		Status:    domain.AuditFailed,
		Details:   details,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
}

func validateSetupInput(in SetupInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if !apiKeyPattern.MatchString(in.APIKey) {
		return fmt.Errorf("%w: api_key must be 8-64 alphanumeric characters", domain.ErrValidation)
	}
	if !apiSecretPattern.MatchString(in.APISecret) {
		return fmt.Errorf("%w: api_secret must be 16-128 printable characters", domain.ErrValidation)
	}
	return nil
}

func exchangeFailureMessage(err error) string {
	if errors.Is(err, domain.ErrCredential) {
		return "Broker rejected the authorization"
	}
	return "Broker unreachable during token exchange"
}

func disconnectedStatus() *StatusOutput {
	return &StatusOutput{
		IsConnected: false,
		ConnectionStatus: domain.ConnectionStatus{
			State:       domain.StateDisconnected,
			LastChecked: time.Now().UTC(),
		},
		TokenStatus: domain.TokenStatusNone,
	}
}
