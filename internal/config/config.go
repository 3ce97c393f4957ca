package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full daemon configuration, loaded from environment
// variables with sensible defaults.
type Config struct {
	StoreDir        string        // Directory holding the managed-domain store
	ACMEDirectory   string        // ACME directory URL
	Agreement       string        // ToS URL the admin accepts for new accounts
	Contacts        []string      // Contact URIs for new accounts (mailto:...)
	EABKeyID        string        // External Account Binding key id (optional)
	EABHMACKey      string        // External Account Binding HMAC key, base64url (optional)
	RenewWindow     time.Duration // Remaining validity below which renewal starts
	CheckInterval   time.Duration // Renewal manager tick interval
	MaxParallel     int           // Concurrent renewal job limit
	MaxErrorBackoff int           // Cap on skipped cycles after consecutive failures
	TLSALPNEnabled  bool          // Serving layer supports the tls-alpn-01 extension
	HTTPAddress     string        // Bind address for the HTTP-01 challenge responder
	StatusAddress   string        // Bind address for the status/management API
	APIKey          string        // API key guarding the management endpoints
	FallbackCN      string        // Common name for the self-signed fallback certificate
}

const (
	defaultStoreDir        = "./md-store"
	defaultACMEDirectory   = "https://acme-v02.api.letsencrypt.org/directory"
	defaultRenewWindowDays = 30
	defaultCheckInterval   = time.Hour
	defaultMaxParallel     = 4
	defaultMaxErrorBackoff = 6
	defaultHTTPAddress     = ":80"
	defaultStatusAddress   = "127.0.0.1:8068"
	defaultFallbackCN      = "certfoundry fallback"
)

// LoadConfig loads the daemon configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		StoreDir:        getEnv("CERTFOUNDRY_STORE_DIR", defaultStoreDir),
		ACMEDirectory:   getEnv("CERTFOUNDRY_ACME_DIRECTORY", defaultACMEDirectory),
		Agreement:       getEnv("CERTFOUNDRY_AGREEMENT", ""),
		Contacts:        splitList(getEnv("CERTFOUNDRY_CONTACTS", "")),
		EABKeyID:        getEnv("CERTFOUNDRY_EAB_KID", ""),
		EABHMACKey:      getEnv("CERTFOUNDRY_EAB_HMAC", ""),
		RenewWindow:     time.Duration(getEnvAsInt("CERTFOUNDRY_RENEW_WINDOW_DAYS", defaultRenewWindowDays)) * 24 * time.Hour,
		CheckInterval:   getEnvAsDuration("CERTFOUNDRY_CHECK_INTERVAL", defaultCheckInterval),
		MaxParallel:     getEnvAsInt("CERTFOUNDRY_MAX_PARALLEL", defaultMaxParallel),
		MaxErrorBackoff: getEnvAsInt("CERTFOUNDRY_MAX_ERROR_BACKOFF", defaultMaxErrorBackoff),
		TLSALPNEnabled:  getEnvAsBool("CERTFOUNDRY_TLS_ALPN", true),
		HTTPAddress:     getEnv("CERTFOUNDRY_HTTP_ADDRESS", defaultHTTPAddress),
		StatusAddress:   getEnv("CERTFOUNDRY_STATUS_ADDRESS", defaultStatusAddress),
		APIKey:          getEnv("CERTFOUNDRY_API_KEY", ""),
		FallbackCN:      getEnv("CERTFOUNDRY_FALLBACK_CN", defaultFallbackCN),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for configuration errors. These are non-retryable
// without admin action, so they are rejected up front.
func (c *Config) Validate() error {
	if c.StoreDir == "" {
		return fmt.Errorf("config: store directory must not be empty")
	}
	if c.ACMEDirectory == "" {
		return fmt.Errorf("config: ACME directory URL must not be empty")
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("config: max parallel renewals must be at least 1, got %d", c.MaxParallel)
	}
	if (c.EABKeyID == "") != (c.EABHMACKey == "") {
		return fmt.Errorf("config: EAB key id and HMAC key must be configured together")
	}
	if c.EABHMACKey != "" {
		if _, err := DecodeEABKey(c.EABHMACKey); err != nil {
			return fmt.Errorf("config: invalid EAB HMAC key: %w", err)
		}
	}
	return nil
}

// DecodeEABKey decodes a base64url (unpadded or padded) EAB HMAC key.
// Decoding happens locally before any network exchange; a malformed key is a
// configuration error, not a protocol one.
func DecodeEABKey(hmacKey string) ([]byte, error) {
	trimmed := strings.TrimRight(hmacKey, "=")
	key, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		// accept standard-alphabet keys too, some CAs hand those out
		key, err = base64.RawStdEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return nil, fmt.Errorf("hmac key is not valid base64: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("hmac key is empty")
	}
	return key, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s (%s), using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
