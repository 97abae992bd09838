package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	Silent       bool

	// Dashboard API
	APIEnabled bool
	APIAddr    string

	// Resolver behavior
	ResolveMaxAttempts int
	ResolveBackoff     time.Duration
	ResolveTimeout     time.Duration

	// Session behavior
	JoinTimeout time.Duration
	IdleTimeout time.Duration
	DedupPolicy string

	// External encoder pipeline for the voice transport
	EncoderCommand string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))
	apiEnabled, _ := strconv.ParseBool(os.Getenv("API_ENABLED"))

	cfg := &Config{
		Token:              os.Getenv("DISCORD_TOKEN"),
		GuildID:            os.Getenv("GUILD_ID"),
		DatabasePath:       fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		Silent:             silent,
		APIEnabled:         apiEnabled,
		APIAddr:            envString("API_ADDR", ":8000"),
		ResolveMaxAttempts: envInt("RESOLVE_MAX_ATTEMPTS", 3),
		ResolveBackoff:     envDuration("RESOLVE_BACKOFF", 500*time.Millisecond),
		ResolveTimeout:     envDuration("RESOLVE_TIMEOUT", 30*time.Second),
		JoinTimeout:        envDuration("JOIN_TIMEOUT", 20*time.Second),
		IdleTimeout:        envDuration("IDLE_TIMEOUT", 5*time.Minute),
		DedupPolicy:        envString("DEDUP_POLICY", "off"),
		EncoderCommand:     os.Getenv("ENCODER_COMMAND"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	switch c.DedupPolicy {
	case "off", "reject", "relocate":
	default:
		return fmt.Errorf("invalid DEDUP_POLICY %q: must be off, reject or relocate", c.DedupPolicy)
	}
	if c.ResolveMaxAttempts < 1 {
		return fmt.Errorf("RESOLVE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// GetProjectName derives a name for log/db files from the executable.
func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "sacudo"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
