package utils

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// envConfigKeys maps deployment environment variables onto config keys.
var envConfigKeys = map[string]string{
	"FACILITATOR_URL": "x402_facilitator_url",
	"PAYEE_ADDRESS":   "x402_pay_to",
	"NETWORK":         "x402_network",
	"PRICE_PER_CALL":  "x402_price_per_call",
	"REQUEST_TIMEOUT": "mcp_request_timeout",
	"JWT_SECRET":      "jwt_secret",
	"REDIS_ADDR":      "session_redis_addr",
	"API_PORT":        "api_port",
}

// ApplyEnvOverrides loads envFile (if it exists) into the process environment
// and copies every recognised variable into cm. Variables already set in the
// environment win over the file. Returns the config keys that were overridden.
func ApplyEnvOverrides(cm *ConfigManager, envFile string) ([]string, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
		}
	}

	var applied []string
	for env, key := range envConfigKeys {
		if value, ok := os.LookupEnv(env); ok && value != "" {
			cm.SetConfig(key, value)
			applied = append(applied, key)
		}
	}
	return applied, nil
}
