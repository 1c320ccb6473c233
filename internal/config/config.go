// Package config holds the engine-wide tunables enumerated in the
// configuration surface and a Manager that persists them through the
// settings table, defaulting any key that's missing or unparsable.
package config

import (
	"strconv"

	"github.com/linroid/ketch/internal/model"
	"github.com/linroid/ketch/internal/queue"
)

// Defaults mirror the teacher's hardcoded fallback constants in
// internal/config/settings.go (GetAIPort's "4444", GetAIMaxConcurrent's
// "5"), generalized to the engine-wide tunables this spec enumerates.
const (
	DefaultMaxConnections           = 4
	DefaultRetryCount               = 5
	DefaultRetryDelayMs             = 500
	DefaultProgressUpdateIntervalMs = 200
	DefaultSegmentSaveIntervalMs    = 5000
	DefaultBufferSize               = 32 * 1024
	DefaultMaxConcurrentDownloads   = 3
	DefaultMaxConnectionsPerHost    = 4
	DefaultAutoStart                = true
)

// Config is the full set of engine-wide tunables from spec §6.6.
type Config struct {
	MaxConnections           int
	RetryCount               int
	RetryDelayMs             int
	ProgressUpdateIntervalMs int
	SegmentSaveIntervalMs    int
	BufferSize               int
	SpeedLimit               model.SpeedLimit
	Queue                    queue.Config
}

// Default returns the configuration a fresh install starts with.
func Default() Config {
	return Config{
		MaxConnections:           DefaultMaxConnections,
		RetryCount:               DefaultRetryCount,
		RetryDelayMs:             DefaultRetryDelayMs,
		ProgressUpdateIntervalMs: DefaultProgressUpdateIntervalMs,
		SegmentSaveIntervalMs:    DefaultSegmentSaveIntervalMs,
		BufferSize:               DefaultBufferSize,
		SpeedLimit:               model.Unlimited(),
		Queue: queue.Config{
			MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
			MaxConnectionsPerHost:  DefaultMaxConnectionsPerHost,
			AutoStart:              DefaultAutoStart,
		},
	}
}

// settingKeys are the persisted-settings-table keys each field maps to,
// the same key/value-string pattern the teacher's ConfigManager uses
// (one row per scalar, string-encoded, defaulted on missing/unparsable).
const (
	keyMaxConnections           = "max_connections"
	keyRetryCount               = "retry_count"
	keyRetryDelayMs             = "retry_delay_ms"
	keyProgressUpdateIntervalMs = "progress_update_interval_ms"
	keySegmentSaveIntervalMs    = "segment_save_interval_ms"
	keyBufferSize               = "buffer_size"
	keySpeedLimitBytesPerSec    = "speed_limit_bytes_per_sec"
	keyMaxConcurrentDownloads   = "max_concurrent_downloads"
	keyMaxConnectionsPerHost    = "max_connections_per_host"
	keyAutoStart                = "auto_start"
)

// SettingStore is the subset of the persistence layer Manager needs.
type SettingStore interface {
	SaveSetting(key, value string) error
	LoadSetting(key string) (string, bool, error)
}

// Manager loads and persists Config through a SettingStore, defaulting
// any key that's absent or fails to parse — mirroring the teacher's
// ConfigManager getters, which never propagate a parse error, they fall
// back to the hardcoded default instead.
type Manager struct {
	store SettingStore
}

// NewManager builds a Manager over store.
func NewManager(store SettingStore) *Manager {
	return &Manager{store: store}
}

// Load reads the persisted configuration, defaulting any missing or
// unparsable field.
func (m *Manager) Load() Config {
	cfg := Default()
	cfg.MaxConnections = m.getInt(keyMaxConnections, cfg.MaxConnections)
	cfg.RetryCount = m.getInt(keyRetryCount, cfg.RetryCount)
	cfg.RetryDelayMs = m.getInt(keyRetryDelayMs, cfg.RetryDelayMs)
	cfg.ProgressUpdateIntervalMs = m.getInt(keyProgressUpdateIntervalMs, cfg.ProgressUpdateIntervalMs)
	cfg.SegmentSaveIntervalMs = m.getInt(keySegmentSaveIntervalMs, cfg.SegmentSaveIntervalMs)
	cfg.BufferSize = m.getInt(keyBufferSize, cfg.BufferSize)
	cfg.SpeedLimit = model.SpeedLimit{BytesPerSecond: int64(m.getInt(keySpeedLimitBytesPerSec, int(cfg.SpeedLimit.BytesPerSecond)))}
	cfg.Queue.MaxConcurrentDownloads = m.getInt(keyMaxConcurrentDownloads, cfg.Queue.MaxConcurrentDownloads)
	cfg.Queue.MaxConnectionsPerHost = m.getInt(keyMaxConnectionsPerHost, cfg.Queue.MaxConnectionsPerHost)
	cfg.Queue.AutoStart = m.getBool(keyAutoStart, cfg.Queue.AutoStart)
	return cfg
}

// Save persists every field of cfg, overwriting whatever was stored
// before. Used by the facade's updateConfig path.
func (m *Manager) Save(cfg Config) error {
	fields := map[string]string{
		keyMaxConnections:           strconv.Itoa(cfg.MaxConnections),
		keyRetryCount:               strconv.Itoa(cfg.RetryCount),
		keyRetryDelayMs:             strconv.Itoa(cfg.RetryDelayMs),
		keyProgressUpdateIntervalMs: strconv.Itoa(cfg.ProgressUpdateIntervalMs),
		keySegmentSaveIntervalMs:    strconv.Itoa(cfg.SegmentSaveIntervalMs),
		keyBufferSize:               strconv.Itoa(cfg.BufferSize),
		keySpeedLimitBytesPerSec:    strconv.FormatInt(cfg.SpeedLimit.BytesPerSecond, 10),
		keyMaxConcurrentDownloads:   strconv.Itoa(cfg.Queue.MaxConcurrentDownloads),
		keyMaxConnectionsPerHost:    strconv.Itoa(cfg.Queue.MaxConnectionsPerHost),
		keyAutoStart:                strconv.FormatBool(cfg.Queue.AutoStart),
	}
	for key, value := range fields {
		if err := m.store.SaveSetting(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) getInt(key string, fallback int) int {
	raw, ok, err := m.store.LoadSetting(key)
	if err != nil || !ok {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (m *Manager) getBool(key string, fallback bool) bool {
	raw, ok, err := m.store.LoadSetting(key)
	if err != nil || !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
