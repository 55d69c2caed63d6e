package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr         string
	DatabasePath string
	// SessionSecret signs and verifies session join tokens. The server
	// refuses to start without it; there is no runtime fallback.
	SessionSecret string
	// APIToken authenticates the external REST layer (service-to-service).
	APIToken string
	// Environment is one of "dev", "staging", "prod". Outside prod the
	// websocket origin check falls back to a permissive localhost policy.
	Environment    string
	Debug          bool
	AllowedOrigins []string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr          *string
	DatabasePath  *string
	SessionSecret *string
	APIToken      *string
	Environment   *string
	Debug         *bool
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 3010
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./relay.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	sessionSecret := os.Getenv("RELAY_SESSION_SECRET")
	if overrides.SessionSecret != nil {
		sessionSecret = *overrides.SessionSecret
	}
	if sessionSecret == "" {
		return nil, fmt.Errorf("RELAY_SESSION_SECRET environment variable is required")
	}

	apiToken := os.Getenv("RELAY_API_TOKEN")
	if overrides.APIToken != nil {
		apiToken = *overrides.APIToken
	}
	if apiToken == "" {
		return nil, fmt.Errorf("RELAY_API_TOKEN environment variable is required")
	}

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "dev"
	}
	if overrides.Environment != nil {
		environment = *overrides.Environment
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	origins := splitOrigins(os.Getenv("CORS_ORIGINS"))
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Config{
		Addr:           addr,
		DatabasePath:   dbPath,
		SessionSecret:  sessionSecret,
		APIToken:       apiToken,
		Environment:    environment,
		Debug:          debug,
		AllowedOrigins: origins,
	}, nil
}

// IsProduction reports whether the server runs with production policies.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
