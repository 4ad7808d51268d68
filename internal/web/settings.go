package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gcslink/internal/config"
)

// SettingsPayload is what GET /api/settings returns.
type SettingsPayload struct {
	LinkEndpoint       string  `json:"link_endpoint"`
	ConnectTimeout     string  `json:"connect_timeout"`
	VelocityInterval   string  `json:"velocity_interval"`
	InputSpeed         float64 `json:"input_speed"`
	DefaultTakeoffAltM float64 `json:"default_takeoff_alt_m"`
}

// SettingsPayloadIn is the strict POST schema. Every key is required so a
// partial form can never silently reset a value.
type SettingsPayloadIn struct {
	LinkEndpoint       *string  `json:"link_endpoint"`
	ConnectTimeout     *string  `json:"connect_timeout"`
	VelocityInterval   *string  `json:"velocity_interval"`
	InputSpeed         *float64 `json:"input_speed"`
	DefaultTakeoffAltM *float64 `json:"default_takeoff_alt_m"`
}

var settingsPostKeys = []string{
	"link_endpoint",
	"connect_timeout",
	"velocity_interval",
	"input_speed",
	"default_takeoff_alt_m",
}

// checkObjectKeys walks body as a single JSON object and rejects unknown,
// duplicate, null and (when required) missing keys.
func checkObjectKeys(body []byte, keys []string, required bool) error {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(keys))

	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if tok, err := dec.Token(); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	} else if d, ok := tok.(json.Delim); !ok || d != '}' {
		return errors.New("invalid json: expected end of object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}

	if required {
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				return fmt.Errorf("invalid json: missing required key %q", k)
			}
		}
	}
	return nil
}

// decodeStrict checks the key set and then decodes into out.
func decodeStrict(body []byte, keys []string, required bool, out any) error {
	if err := checkObjectKeys(body, keys, required); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		LinkEndpoint:       cfg.Link.Endpoint,
		ConnectTimeout:     cfg.Link.ConnectTimeout.String(),
		VelocityInterval:   cfg.Velocity.Interval.String(),
		InputSpeed:         cfg.Velocity.InputSpeed,
		DefaultTakeoffAltM: cfg.Commands.DefaultTakeoffAltM,
	}
}

func parsePositiveDuration(name, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return d, nil
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if p.LinkEndpoint == nil || p.ConnectTimeout == nil || p.VelocityInterval == nil ||
		p.InputSpeed == nil || p.DefaultTakeoffAltM == nil {
		return errors.New("all settings are required")
	}

	connectTimeout, err := parsePositiveDuration("connect_timeout", *p.ConnectTimeout)
	if err != nil {
		return err
	}
	velocityInterval, err := parsePositiveDuration("velocity_interval", *p.VelocityInterval)
	if err != nil {
		return err
	}
	if *p.InputSpeed <= 0 {
		return errors.New("input_speed must be > 0")
	}
	if *p.DefaultTakeoffAltM <= 0 {
		return errors.New("default_takeoff_alt_m must be > 0")
	}

	cfg.Link.Endpoint = strings.TrimSpace(*p.LinkEndpoint)
	cfg.Link.ConnectTimeout = connectTimeout
	cfg.Velocity.Interval = velocityInterval
	cfg.Velocity.InputSpeed = *p.InputSpeed
	cfg.Commands.DefaultTakeoffAltM = *p.DefaultTakeoffAltM
	return nil
}

type SettingsStore struct {
	ConfigPath string
	// Apply, when set, is called after validation and before saving.
	// If Apply returns an error, the config is not saved.
	Apply func(cfg config.Config) error
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

// save writes cfg next to the original and renames it into place so a power
// cut never leaves a truncated config.
func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.ConfigPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.ConfigPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.ConfigPath)
}

func (s SettingsStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.ConfigPath) == "" {
		http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.load()
		if err != nil {
			http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))

	case http.MethodPost:
		body, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		var p SettingsPayloadIn
		if err := decodeStrict(body, settingsPostKeys, true, &p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		oldCfg, err := s.load()
		if err != nil {
			http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
			return
		}
		cfg := oldCfg
		if err := applySettingsPayload(&cfg, p); err != nil {
			http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
			return
		}
		if err := config.DefaultAndValidate(&cfg); err != nil {
			http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
			return
		}

		if s.Apply != nil {
			if err := s.Apply(cfg); err != nil {
				http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
				return
			}
		}
		if err := s.save(cfg); err != nil {
			// Keep the runtime consistent with what is on disk.
			if s.Apply != nil {
				_ = s.Apply(oldCfg)
			}
			http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
