package sys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var DB *sql.DB

// GuildSettings holds per-guild playback preferences that survive
// restarts. Volume is the starting volume for new sessions; dedup
// controls how the queue treats repeated tracks.
type GuildSettings struct {
	GuildID       string
	DefaultVolume int
	DedupPolicy   string
}

// InitDatabase opens the SQLite store and creates the schema.
func InitDatabase(ctx context.Context, dsn string) error {
	var err error
	DB, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writers; WAL in the DSN handles reader concurrency.
	DB.SetMaxOpenConns(1)
	DB.SetConnMaxLifetime(time.Hour)

	pragmas := map[string]string{
		"busy_timeout": "5000",
		"synchronous":  "NORMAL",
	}
	for name, value := range pragmas {
		if _, err := DB.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", name, value)); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, name, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS guild_settings (
		guild_id       TEXT PRIMARY KEY,
		default_volume INTEGER NOT NULL DEFAULT 100,
		dedup_policy   TEXT NOT NULL DEFAULT 'off',
		updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bot_config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	if _, err := DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		_ = DB.Close()
	}
}

// GetGuildSettings returns the stored settings for a guild, falling
// back to process-wide defaults when the guild has no row yet.
func GetGuildSettings(ctx context.Context, guildID string) (GuildSettings, error) {
	gs := GuildSettings{
		GuildID:       guildID,
		DefaultVolume: 100,
		DedupPolicy:   "off",
	}
	if GlobalConfig != nil {
		gs.DedupPolicy = GlobalConfig.DedupPolicy
	}

	row := DB.QueryRowContext(ctx,
		"SELECT default_volume, dedup_policy FROM guild_settings WHERE guild_id = ?", guildID)
	err := row.Scan(&gs.DefaultVolume, &gs.DedupPolicy)
	if errors.Is(err, sql.ErrNoRows) {
		return gs, nil
	}
	if err != nil {
		return gs, fmt.Errorf("failed to load guild settings: %w", err)
	}
	return gs, nil
}

// SetGuildVolume persists the guild's default volume.
func SetGuildVolume(ctx context.Context, guildID string, volume int) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, default_volume, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id) DO UPDATE SET
			default_volume = excluded.default_volume,
			updated_at = CURRENT_TIMESTAMP`, guildID, volume)
	if err != nil {
		return fmt.Errorf("failed to save guild volume: %w", err)
	}
	return nil
}

// SetGuildDedupPolicy persists the guild's queue dedup policy.
func SetGuildDedupPolicy(ctx context.Context, guildID string, policy string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, dedup_policy, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id) DO UPDATE SET
			dedup_policy = excluded.dedup_policy,
			updated_at = CURRENT_TIMESTAMP`, guildID, policy)
	if err != nil {
		return fmt.Errorf("failed to save guild dedup policy: %w", err)
	}
	return nil
}

// GetBotConfig reads a key from the generic key/value store.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read bot config %q: %w", key, err)
	}
	return value, nil
}

// SetBotConfig writes a key into the generic key/value store.
func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write bot config %q: %w", key, err)
	}
	return nil
}
