package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fleettrack/internal/broadcast"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	MetricsAddr string

	DatabaseURL     string
	PersistInterval time.Duration

	NATSURL         string
	LogNATSSubjects bool

	SimEnabled     bool
	SimUpdateEvery time.Duration
	SimJitterMax   time.Duration

	ReferenceSpeedKmh float64

	// AuthTokens maps a bearer token to "name:role". Everything else connects
	// as anonymous.
	AuthTokens map[string]Credential

	Location *time.Location

	LogLevel  string
	LogPretty bool
}

// Credential is a resolved static token.
type Credential struct {
	Name string
	Role broadcast.Role
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars.
	// Empty means run without persistence.
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	// Checkpoint interval (seconds)
	if v := os.Getenv("PERSIST_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid PERSIST_INTERVAL_SEC: %q", v)
		}
		cfg.PersistInterval = time.Duration(sec) * time.Second
	} else {
		cfg.PersistInterval = 30 * time.Second
	}

	// NATS URL. Empty disables the relay.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.LogNATSSubjects = boolEnv("LOG_NATS_SUBJECTS")

	// Simulator
	cfg.SimEnabled = boolEnv("SIM_ENABLED")
	if v := os.Getenv("SIM_UPDATE_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid SIM_UPDATE_INTERVAL_MS: %q", v)
		}
		cfg.SimUpdateEvery = time.Duration(ms) * time.Millisecond
	} else {
		cfg.SimUpdateEvery = 10 * time.Second
	}
	if v := os.Getenv("SIM_JITTER_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid SIM_JITTER_MS: %q", v)
		}
		cfg.SimJitterMax = time.Duration(ms) * time.Millisecond
	} else {
		cfg.SimJitterMax = 5 * time.Second
	}

	// Reference speed for arrival estimates
	if v := os.Getenv("REFERENCE_SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid REFERENCE_SPEED_KMH: %q", v)
		}
		cfg.ReferenceSpeedKmh = f
	} else {
		cfg.ReferenceSpeedKmh = 30.0
	}

	// Static tokens: "token1=name1:role1,token2=name2:role2"
	tokens, err := parseAuthTokens(os.Getenv("AUTH_TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg.AuthTokens = tokens

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogPretty = boolEnv("LOG_PRETTY")

	return cfg, nil
}

var validRoles = map[broadcast.Role]bool{
	broadcast.RoleDriver:   true,
	broadcast.RoleOperator: true,
	broadcast.RoleAdmin:    true,
}

func parseAuthTokens(raw string) (map[string]Credential, error) {
	out := make(map[string]Credential)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid AUTH_TOKENS entry: %q", pair)
		}
		name, roleStr, ok := strings.Cut(val, ":")
		if !ok {
			return nil, fmt.Errorf("invalid AUTH_TOKENS entry: %q", pair)
		}
		role := broadcast.Role(strings.TrimSpace(roleStr))
		if !validRoles[role] {
			return nil, fmt.Errorf("invalid role %q in AUTH_TOKENS", roleStr)
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, errors.New("empty token in AUTH_TOKENS")
		}
		out[token] = Credential{Name: strings.TrimSpace(name), Role: role}
	}
	return out, nil
}

// Authenticate resolves a token against the static table. Unknown tokens get
// an anonymous identity rather than an error.
func (c *Config) Authenticate(token string) (string, broadcast.Role) {
	if cred, ok := c.AuthTokens[strings.TrimSpace(token)]; ok {
		return cred.Name, cred.Role
	}
	return "", broadcast.RoleAnonymous
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func boolEnv(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
