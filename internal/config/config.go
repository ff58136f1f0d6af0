package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"shutterline/internal/call"
	"shutterline/internal/transport"
)

type Config struct {
	ChatURL  string
	CallURL  string
	APIURL   string
	Token    string
	UserID   string
	UserName string
	CacheDB  string

	PresenceTTL    time.Duration
	TypingTimeout  time.Duration
	PendingTimeout time.Duration
	Backoff        transport.Backoff

	AudioDevice     string
	AudioProcessing call.Processing
	ICEServers      []string

	PushSubscription string
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	PushSubject      string

	RelayAddr    string
	RelayDB      string
	UploadsPath  string
	InquiryLimit int
	// RelaySecret, base64, makes the relay require signed tokens.
	RelaySecret string
	TokenExpiry time.Duration
}

func Load(relayMode bool) (*Config, error) {
	cfg := &Config{
		ChatURL:          getEnv("CHAT_WS_URL", "ws://localhost:8080/ws/chat"),
		CallURL:          getEnv("CALL_WS_URL", "ws://localhost:8080/ws/calls"),
		APIURL:           getEnv("API_URL", "http://localhost:8080"),
		Token:            os.Getenv("AUTH_TOKEN"),
		UserID:           os.Getenv("USER_ID"),
		UserName:         os.Getenv("USER_NAME"),
		CacheDB:          getEnv("CACHE_DB", "shutterline.db"),
		AudioDevice:      os.Getenv("AUDIO_DEVICE"),
		ICEServers:       splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		PushSubscription: os.Getenv("PUSH_SUBSCRIPTION"),
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubject:      os.Getenv("PUSH_SUBJECT"),
		RelayAddr:        getEnv("RELAY_ADDR", ":8080"),
		RelayDB:          getEnv("RELAY_DB", "relay.db"),
		UploadsPath:      getEnv("UPLOADS_PATH", "uploads"),
		RelaySecret:      os.Getenv("RELAY_SECRET"),
	}

	var err error
	durations := []struct {
		key, fallback string
		dst           *time.Duration
	}{
		{"PRESENCE_TTL", "5m", &cfg.PresenceTTL},
		{"TYPING_TIMEOUT", "5s", &cfg.TypingTimeout},
		{"PENDING_TIMEOUT", "5s", &cfg.PendingTimeout},
		{"RECONNECT_BASE", "1s", &cfg.Backoff.Base},
		{"RECONNECT_MAX", "30s", &cfg.Backoff.Max},
		{"TOKEN_EXPIRY", "12h", &cfg.TokenExpiry},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if cfg.Backoff.MaxAttempts, err = strconv.Atoi(getEnv("RECONNECT_ATTEMPTS", "5")); err != nil {
		return nil, fmt.Errorf("invalid RECONNECT_ATTEMPTS: %w", err)
	}
	if cfg.InquiryLimit, err = strconv.Atoi(getEnv("INQUIRY_LIMIT", "0")); err != nil {
		return nil, fmt.Errorf("invalid INQUIRY_LIMIT: %w", err)
	}
	if cfg.AudioProcessing, err = call.ParseProcessing(getEnv("AUDIO_PROCESSING", "echo,noise,agc")); err != nil {
		return nil, fmt.Errorf("invalid AUDIO_PROCESSING: %w", err)
	}

	if err := cfg.Validate(relayMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(relayMode bool) error {
	if relayMode {
		if c.RelayAddr == "" {
			return fmt.Errorf("RELAY_ADDR is required")
		}
		if c.InquiryLimit < 0 {
			return fmt.Errorf("INQUIRY_LIMIT must not be negative")
		}
		if c.RelaySecret != "" && c.TokenExpiry <= 0 {
			return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
		}
		return nil
	}

	if c.Token == "" {
		return fmt.Errorf("AUTH_TOKEN is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("USER_ID is required")
	}

	for key, raw := range map[string]string{"CHAT_WS_URL": c.ChatURL, "CALL_WS_URL": c.CallURL} {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%s must be a ws:// or wss:// url", key)
		}
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("API_URL must be an http:// or https:// url")
	}

	if c.TypingTimeout <= 0 || c.PendingTimeout <= 0 || c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL, TYPING_TIMEOUT and PENDING_TIMEOUT must be greater than 0")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("RECONNECT_BASE must be greater than 0 and not above RECONNECT_MAX")
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.PushSubscription != "" && (c.VAPIDPublicKey == "" || c.VAPIDPrivateKey == "") {
		return fmt.Errorf("PUSH_SUBSCRIPTION requires VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY")
	}

	return nil
}

// PushEnabled reports whether web push notifications are configured.
func (c *Config) PushEnabled() bool {
	return c.PushSubscription != ""
}

// ChatEndpoint is ChatURL carrying the display name, if one is set.
func (c *Config) ChatEndpoint() string {
	if c.UserName == "" {
		return c.ChatURL
	}
	u, err := url.Parse(c.ChatURL)
	if err != nil {
		return c.ChatURL
	}
	q := u.Query()
	q.Set("name", c.UserName)
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
