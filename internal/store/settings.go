package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Settings are process-wide key-value configuration persisted in the
// database. Reads go through a cache invalidated by a version counter so
// hot paths never hit SQLite; every write bumps the version.

// SetSetting writes a key and bumps the settings version.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	s.settingsMu.Lock()
	s.settingsVersion++
	s.settingsMu.Unlock()
	return nil
}

// GetSetting returns the value for key, or def when unset.
func (s *Store) GetSetting(ctx context.Context, key, def string) string {
	all, err := s.AllSettings(ctx)
	if err != nil {
		return def
	}
	if v, ok := all[key]; ok {
		return v
	}
	return def
}

// GetSettingInt returns the integer value for key, or def.
func (s *Store) GetSettingInt(ctx context.Context, key string, def int) int {
	v := s.GetSetting(ctx, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetSettingBool returns the boolean value for key, or def. Accepted truthy
// forms: "1", "true", "yes", "on" (case-insensitive).
func (s *Store) GetSettingBool(ctx context.Context, key string, def bool) bool {
	v := s.GetSetting(ctx, key, "")
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// AllSettings returns the full settings map from the read-through cache.
// The returned map must not be mutated.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	s.settingsMu.RLock()
	if s.cachedVersion == s.settingsVersion && s.settingsCache != nil {
		cached := s.settingsCache
		s.settingsMu.RUnlock()
		return cached, nil
	}
	s.settingsMu.RUnlock()

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("query settings: %w", err)
	}
	fresh := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			_ = rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		fresh[k] = v
	}
	err = rows.Err()
	_ = rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}

	s.settingsMu.Lock()
	s.settingsCache = fresh
	s.cachedVersion = s.settingsVersion
	s.settingsMu.Unlock()
	return fresh, nil
}

// RedactedSettings returns a copy of all settings with secret-bearing keys
// masked, suitable for diagnostics and API responses.
func (s *Store) RedactedSettings(ctx context.Context) (map[string]string, error) {
	all, err := s.AllSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		if isSecretKey(k) && v != "" {
			out[k] = "********"
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"password", "token", "secret", "api_key", "apikey"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
