package svc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bindrop/cfg"
	"bindrop/pkg/domain"
	"bindrop/svc/db"
	"bindrop/svc/lim"
	"bindrop/svc/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Setting keys accepted by the admin settings endpoint. Everything else
// is rejected so a typo cannot silently create a dead key.
const (
	SettingMaxTextSize       = "max_text_size"
	SettingMaxFileSize       = "max_file_size"
	SettingMaxTTL            = "max_ttl"
	SettingDefaultTTL        = "default_ttl"
	SettingAllowedFileExts   = "allowed_file_exts"
	SettingRateCreateWindows = "rate_create_windows"
	SettingRateReadWindows   = "rate_read_windows"
	SettingRateUnlockWindows = "rate_unlock_windows"
)

// Settings resolves operator-tunable values. Reads go through a short
// TTL cache so the hot request path does not hit SQLite per request;
// writes invalidate immediately so admin changes apply on the next
// cache miss at the latest.
type Settings struct {
	db       *db.SQLite
	cache    *expirable.LRU[string, string]
	sf       singleflight.Group
	defaults map[string]string
}

func NewSettings(sqlDB *db.SQLite, c *cfg.Cfg) *Settings {
	if sqlDB == nil || c == nil {
		panic("settings service: nil dependency")
	}
	return &Settings{
		db:    sqlDB,
		cache: expirable.NewLRU[string, string](c.SettingsCacheSize, nil, c.SettingsCacheTTL),
		defaults: map[string]string{
			SettingMaxTextSize:       strconv.FormatInt(c.MaxTextSize, 10),
			SettingMaxFileSize:       strconv.FormatInt(c.MaxFileSize, 10),
			SettingMaxTTL:            c.MaxTTL.String(),
			SettingDefaultTTL:        c.DefaultTTL.String(),
			SettingAllowedFileExts:   strings.Join(c.AllowedFileExts, ","),
			SettingRateCreateWindows: c.RateLimit.CreateWindows,
			SettingRateReadWindows:   c.RateLimit.ReadWindows,
			SettingRateUnlockWindows: c.RateLimit.UnlockWindows,
		},
	}
}

// get returns the effective value for key: cached override, stored
// override, or the configured default. Lookup errors fall back to the
// default so a flaky settings table never takes requests down.
func (s *Settings) get(ctx context.Context, key string) string {
	if v, ok := s.cache.Get(key); ok {
		return v
	}
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		stored, found, err := s.db.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			stored = s.defaults[key]
		}
		s.cache.Add(key, stored)
		return stored, nil
	})
	if err != nil {
		util.Warn().Err(err).Str("key", key).Msg("setting lookup failed, using default")
		return s.defaults[key]
	}
	return v.(string)
}

func (s *Settings) MaxTextSize(ctx context.Context) int64 {
	return s.getInt64(ctx, SettingMaxTextSize)
}

func (s *Settings) MaxFileSize(ctx context.Context) int64 {
	return s.getInt64(ctx, SettingMaxFileSize)
}

func (s *Settings) MaxTTL(ctx context.Context) time.Duration {
	return s.getDuration(ctx, SettingMaxTTL)
}

func (s *Settings) DefaultTTL(ctx context.Context) time.Duration {
	return s.getDuration(ctx, SettingDefaultTTL)
}

func (s *Settings) AllowedExts(ctx context.Context) map[string]bool {
	exts := make(map[string]bool)
	for _, e := range strings.Split(s.get(ctx, SettingAllowedFileExts), ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			exts[e] = true
		}
	}
	return exts
}

// Windows resolves the rate windows for an action class. A corrupt
// override falls back to the configured default rather than disabling
// limits.
func (s *Settings) Windows(ctx context.Context, key string) []lim.Window {
	spec := s.get(ctx, key)
	windows, err := lim.ParseWindows(spec)
	if err != nil {
		util.Warn().Err(err).Str("key", key).Str("spec", spec).
			Msg("invalid rate window override, using default")
		windows, _ = lim.ParseWindows(s.defaults[key])
	}
	return windows
}

// Set validates, persists, and invalidates one setting override.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	value = strings.TrimSpace(value)
	if err := validateSetting(key, value); err != nil {
		return err
	}
	if err := s.db.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.cache.Remove(key)
	util.Info().Str("key", key).Msg("setting updated")
	return nil
}

// All returns the effective value of every known setting.
func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	stored, err := s.db.AllSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.defaults))
	for key, def := range s.defaults {
		if v, ok := stored[key]; ok {
			out[key] = v
		} else {
			out[key] = def
		}
	}
	return out, nil
}

func (s *Settings) getInt64(ctx context.Context, key string) int64 {
	v, err := strconv.ParseInt(s.get(ctx, key), 10, 64)
	if err != nil {
		v, _ = strconv.ParseInt(s.defaults[key], 10, 64)
	}
	return v
}

func (s *Settings) getDuration(ctx context.Context, key string) time.Duration {
	v, err := time.ParseDuration(s.get(ctx, key))
	if err != nil {
		v, _ = time.ParseDuration(s.defaults[key])
	}
	return v
}

func validateSetting(key, value string) error {
	switch key {
	case SettingMaxTextSize, SettingMaxFileSize:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return domain.NewErr("INVALID_SETTING", fmt.Sprintf("%s must be a positive integer", key), 400)
		}
	case SettingMaxTTL, SettingDefaultTTL:
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return domain.NewErr("INVALID_SETTING", fmt.Sprintf("%s must be a positive duration", key), 400)
		}
	case SettingAllowedFileExts:
		for _, e := range strings.Split(value, ",") {
			e = strings.TrimSpace(e)
			if e != "" && !strings.HasPrefix(e, ".") {
				return domain.NewErr("INVALID_SETTING", "extensions must start with a dot", 400)
			}
		}
	case SettingRateCreateWindows, SettingRateReadWindows, SettingRateUnlockWindows:
		if _, err := lim.ParseWindows(value); err != nil {
			return domain.NewErr("INVALID_SETTING", err.Error(), 400)
		}
	default:
		return domain.NewErr("UNKNOWN_SETTING", fmt.Sprintf("unknown setting %q", key), 400)
	}
	return nil
}
