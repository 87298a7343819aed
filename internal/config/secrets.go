package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Secrets are read from FLIGHTWATCH_* environment variables.
type Secrets struct {
	TelegramToken string   `envconfig:"TELEGRAM_TOKEN"`
	FR24APIKeys   []string `envconfig:"FR24_API_KEYS"`
	OpsToken      string   `envconfig:"OPS_TOKEN"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process("flightwatch", &s); err != nil {
		return Secrets{}, err
	}
	s.TelegramToken = strings.TrimSpace(s.TelegramToken)
	s.OpsToken = strings.TrimSpace(s.OpsToken)
	keys := s.FR24APIKeys[:0]
	for _, k := range s.FR24APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	s.FR24APIKeys = keys
	return s, nil
}

// WithSecrets returns a copy of cfg with non-empty secrets applied over
// the file values.
func (c *Config) WithSecrets(s Secrets) *Config {
	cp := *c
	if s.TelegramToken != "" {
		cp.Telegram.Token = s.TelegramToken
	}
	if len(s.FR24APIKeys) > 0 {
		cp.Provider.APIKeys = append([]string(nil), s.FR24APIKeys...)
	}
	if s.OpsToken != "" {
		cp.Ops.Token = s.OpsToken
	}
	return &cp
}
