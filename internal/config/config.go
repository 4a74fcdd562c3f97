// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"time"
)

// ServiceConfig holds configuration for the minifab service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string        // bearer token for the trusted frontend; empty disables auth
	WebhookSecret     string        // HMAC key shared with the compute provider
	NotifySigningKey  string        // HMAC key for outbound completion notifications
	PublicBaseURL     string        // externally reachable base URL, used to build callback URLs
	DownloadSecret    string        // HMAC key for signed download URLs
	DownloadTTL       time.Duration // signed download URL lifetime
	FilesBaseURL      string        // artifact gateway root for signed download URLs
	ShutdownDrainWait time.Duration // wait for load balancer draining (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecret("API_KEY"),
		WebhookSecret:     GetSecret("WEBHOOK_SECRET"),
		NotifySigningKey:  GetSecret("NOTIFY_SIGNING_KEY"),
		PublicBaseURL:     GetEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DownloadSecret:    GetSecret("DOWNLOAD_SECRET"),
		DownloadTTL:       GetDurationEnv("DOWNLOAD_TTL", time.Hour),
		FilesBaseURL:      GetEnv("FILES_BASE_URL", ""),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// StoreConfig selects and configures the ephemeral job store. An empty
// RedisAddr selects the in-process memory store; this choice is explicit
// at startup, never an ambient fallback.
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// LoadStoreConfig loads ephemeral store configuration.
func LoadStoreConfig() StoreConfig {
	return StoreConfig{
		RedisAddr:     GetEnv("REDIS_ADDR", ""),
		RedisPassword: GetSecret("REDIS_PASSWORD"),
		RedisDB:       GetIntEnv("REDIS_DB", 0),
		TTL:           GetDurationEnv("JOB_TTL", time.Hour),
	}
}

// LedgerConfig configures the durable ledger. An empty DSN disables the
// ledger; the service then runs on the ephemeral store alone.
type LedgerConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// LoadLedgerConfig loads ledger configuration.
func LoadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		DSN:             GetEnv("LEDGER_DSN", ""),
		MaxConns:        int32(GetIntEnv("LEDGER_MAX_CONNS", 10)),
		MinConns:        int32(GetIntEnv("LEDGER_MIN_CONNS", 1)),
		MaxConnLifetime: GetDurationEnv("LEDGER_MAX_CONN_LIFETIME", 30*time.Minute),
		DialTimeout:     GetDurationEnv("LEDGER_DIAL_TIMEOUT", 5*time.Second),
	}
}

// ProviderConfig configures the external compute provider client.
type ProviderConfig struct {
	Endpoint     string
	AppName      string
	FunctionName string
	TokenID      string
	TokenSecret  string
	Timeout      time.Duration
	RefreshAfter time.Duration // min staleness before an active status refresh
}

// Validate rejects configurations that would run insecurely. With a compute
// provider configured, pipeline callbacks arrive on the public webhook
// endpoint; accepting them without signature verification is never intended.
func Validate(svc *ServiceConfig, prov ProviderConfig) error {
	if prov.Endpoint != "" && svc.WebhookSecret == "" {
		return errors.New("PROVIDER_ENDPOINT is set but WEBHOOK_SECRET is empty; refusing to accept unsigned pipeline webhooks")
	}
	return nil
}

// LoadProviderConfig loads provider configuration.
func LoadProviderConfig() ProviderConfig {
	return ProviderConfig{
		Endpoint:     GetEnv("PROVIDER_ENDPOINT", ""),
		AppName:      GetEnv("PROVIDER_APP_NAME", "mini3d-pipeline"),
		FunctionName: GetEnv("PROVIDER_FUNCTION", "run_pipeline"),
		TokenID:      GetSecret("PROVIDER_TOKEN_ID"),
		TokenSecret:  GetSecret("PROVIDER_TOKEN_SECRET"),
		Timeout:      GetDurationEnv("PROVIDER_TIMEOUT", 15*time.Second),
		RefreshAfter: GetDurationEnv("PROVIDER_REFRESH_AFTER", 30*time.Second),
	}
}
