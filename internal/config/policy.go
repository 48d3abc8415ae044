package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/settings"
)

// Policy is the contents of the policy file: the user protection settings
// and the scoring constants.
type Policy struct {
	Settings settings.Snapshot `mapstructure:"settings"`
	Tuning   analysis.Tuning   `mapstructure:"tuning"`
}

// DefaultPolicy is what runs when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{Settings: settings.Defaults(), Tuning: analysis.DefaultTuning()}
}

// PolicyLoader reads a policy file and optionally follows edits to it.
type PolicyLoader struct {
	v      *viper.Viper
	logger *slog.Logger
}

// NewPolicyLoader prepares a loader for path. The format follows the file
// extension (yaml, json, toml).
func NewPolicyLoader(path string, logger *slog.Logger) *PolicyLoader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WALLETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &PolicyLoader{v: v, logger: logging.Or(logger)}
}

// Load reads and decodes the file.
func (l *PolicyLoader) Load() (Policy, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return l.decode()
}

// decode fills settings over the defaults. Tuning starts empty so that
// list fields replace the defaults instead of merging with them; the
// remaining zero fields are filled by Normalize.
func (l *PolicyLoader) decode() (Policy, error) {
	p := Policy{Settings: settings.Defaults()}
	if err := l.v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	p.Tuning = p.Tuning.Normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects policies the engine cannot honor.
func (p *Policy) Validate() error {
	mode, err := settings.ParseMode(string(p.Settings.Mode))
	if err != nil {
		return err
	}
	p.Settings.Mode = mode

	t := p.Tuning
	if t.HighFloor < 0 || t.HighFloor > 100 || t.WarnFloor < 0 || t.WarnFloor > 100 {
		return fmt.Errorf("tuning floors must be within 0..100")
	}
	if t.WarnFloor >= t.HighFloor {
		return fmt.Errorf("tuning.warn_floor must be below tuning.high_floor")
	}
	if t.DigitDensity < 0 || t.DigitDensity > 1 {
		return fmt.Errorf("tuning.digit_density must be within 0..1")
	}
	return nil
}

// Watch applies every later edit of the file through apply. Edits that
// fail to decode are logged and ignored; the previous policy stays.
func (l *PolicyLoader) Watch(apply func(Policy)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		p, err := l.decode()
		if err != nil {
			l.logger.Warn("policy reload rejected", "file", e.Name, "error", err)
			return
		}
		l.logger.Info("policy reloaded", "file", e.Name, "mode", p.Settings.Mode)
		apply(p)
	})
	l.v.WatchConfig()
}

// Applier returns the usual reload target: settings go to the store, with
// any active pause kept, and tuning goes to the engine.
func Applier(store *settings.Store, engine *analysis.Engine) func(Policy) {
	return func(p Policy) {
		s := p.Settings
		s.PausedUntil = store.Snapshot().PausedUntil
		store.Set(s)
		engine.WithTuning(p.Tuning)
	}
}
