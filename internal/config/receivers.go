package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReceiverConfig lists the receiver codes tried, in order, after the
// caller-supplied receiver is rejected by the gateway.
type ReceiverConfig struct {
	Fallbacks []string `mapstructure:"fallbacks"`
}

type ReceiverConfigHolder struct {
	current atomic.Value // holds ReceiverConfig
}

// NewReceiverConfigHolder loads receivers.yml when present and watches it for
// changes. Without a file the env-provided fallbacks are used.
func NewReceiverConfigHolder(cfg Config, log *zap.Logger) (*ReceiverConfigHolder, error) {
	return newReceiverConfigHolder(viper.New(), cfg, log)
}

func newReceiverConfigHolder(v *viper.Viper, cfg Config, log *zap.Logger) (*ReceiverConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.receivers")

	v.SetConfigName("receivers")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/coursepay")
	v.AddConfigPath(".")
	v.SetDefault("receivers.fallbacks", cfg.QPay.ReceiverFallbacks)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	current, err := decodeReceivers(v)
	if err != nil {
		return nil, err
	}

	holder := &ReceiverConfigHolder{}
	holder.current.Store(current)

	if fileFound {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeReceivers(v)
			if err != nil {
				log.Warn("receiver config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("receiver config reloaded", zap.String("file", e.Name), zap.Strings("fallbacks", updated.Fallbacks))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticReceiverConfigHolder returns a holder that never reloads.
func NewStaticReceiverConfigHolder(fallbacks ...string) *ReceiverConfigHolder {
	holder := &ReceiverConfigHolder{}
	holder.current.Store(ReceiverConfig{Fallbacks: normalizeReceivers(fallbacks)})
	return holder
}

func (h *ReceiverConfigHolder) Get() ReceiverConfig {
	if h == nil {
		return ReceiverConfig{}
	}
	return h.current.Load().(ReceiverConfig)
}

func decodeReceivers(v *viper.Viper) (ReceiverConfig, error) {
	var cfg ReceiverConfig
	if err := v.UnmarshalKey("receivers", &cfg); err != nil {
		return ReceiverConfig{}, err
	}
	cfg.Fallbacks = normalizeReceivers(cfg.Fallbacks)
	return cfg, validateReceiverConfig(cfg)
}

func validateReceiverConfig(cfg ReceiverConfig) error {
	for _, receiver := range cfg.Fallbacks {
		if strings.ContainsAny(receiver, " \t\n") {
			return errors.New("receivers.fallbacks entries cannot contain whitespace")
		}
	}
	return nil
}

func normalizeReceivers(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, receiver := range raw {
		receiver = strings.TrimSpace(receiver)
		if receiver == "" {
			continue
		}
		if _, ok := seen[receiver]; ok {
			continue
		}
		seen[receiver] = struct{}{}
		out = append(out, receiver)
	}
	return out
}
