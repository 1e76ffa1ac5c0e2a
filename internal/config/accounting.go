package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AccountingConfig carries the tunables of the traffic accounting engine.
type AccountingConfig struct {
	RetentionDays       int           `mapstructure:"retentionDays"`
	RollupRetentionDays int           `mapstructure:"rollupRetentionDays"`
	HorizonDays         int           `mapstructure:"horizonDays"`
	LateArrivalWindow   time.Duration `mapstructure:"lateArrivalWindow"`
	LateArrivalGrace    time.Duration `mapstructure:"lateArrivalGrace"`
	RefoldOverlap       time.Duration `mapstructure:"refoldOverlap"`
	ClockSkewTolerance  time.Duration `mapstructure:"clockSkewTolerance"`
	RollupMaxWindow     time.Duration `mapstructure:"rollupMaxWindow"`
	MaxConflictRetries  int           `mapstructure:"maxConflictRetries"`
	MaxBatchSize        int           `mapstructure:"maxBatchSize"`
	PendingBatchSize    int           `mapstructure:"pendingBatchSize"`
}

func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		RetentionDays:       30,
		RollupRetentionDays: 400,
		HorizonDays:         31,
		LateArrivalWindow:   48 * time.Hour,
		LateArrivalGrace:    2 * time.Hour,
		RefoldOverlap:       10 * time.Minute,
		ClockSkewTolerance:  5 * time.Minute,
		RollupMaxWindow:     48 * time.Hour,
		MaxConflictRetries:  5,
		MaxBatchSize:        5000,
		PendingBatchSize:    500,
	}
}

// WithDefaults fills zero values from DefaultAccountingConfig.
func (c AccountingConfig) WithDefaults() AccountingConfig {
	d := DefaultAccountingConfig()
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.RollupRetentionDays <= 0 {
		c.RollupRetentionDays = d.RollupRetentionDays
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.LateArrivalWindow <= 0 {
		c.LateArrivalWindow = d.LateArrivalWindow
	}
	if c.LateArrivalGrace < 0 {
		c.LateArrivalGrace = d.LateArrivalGrace
	}
	if c.RefoldOverlap <= 0 {
		c.RefoldOverlap = d.RefoldOverlap
	}
	if c.ClockSkewTolerance < 0 {
		c.ClockSkewTolerance = d.ClockSkewTolerance
	}
	if c.RollupMaxWindow <= 0 {
		c.RollupMaxWindow = d.RollupMaxWindow
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = d.MaxConflictRetries
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.PendingBatchSize <= 0 {
		c.PendingBatchSize = d.PendingBatchSize
	}
	return c
}

func validateAccountingConfig(cfg AccountingConfig) error {
	if cfg.LateArrivalGrace > cfg.LateArrivalWindow {
		return errors.New("accounting.lateArrivalGrace cannot exceed lateArrivalWindow")
	}
	if cfg.RollupMaxWindow <= cfg.LateArrivalGrace {
		return errors.New("accounting.rollupMaxWindow must exceed lateArrivalGrace")
	}
	if cfg.RollupRetentionDays < cfg.RetentionDays {
		return errors.New("accounting.rollupRetentionDays cannot be shorter than retentionDays")
	}
	return nil
}

type AccountingConfigHolder struct {
	current atomic.Value // holds AccountingConfig
}

// NewStaticAccountingConfig returns a holder that never reloads.
func NewStaticAccountingConfig(cfg AccountingConfig) *AccountingConfigHolder {
	holder := &AccountingConfigHolder{}
	holder.current.Store(cfg.WithDefaults())
	return holder
}

func NewAccountingConfigHolder(cfg Config, log *zap.Logger) (*AccountingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.accounting")

	v := viper.New()
	if path := strings.TrimSpace(cfg.AccountingConfigPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("accounting")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tunnelgate")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TUNNELGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAccountingConfig()
	v.SetDefault("accounting.retentionDays", defaults.RetentionDays)
	v.SetDefault("accounting.rollupRetentionDays", defaults.RollupRetentionDays)
	v.SetDefault("accounting.horizonDays", defaults.HorizonDays)
	v.SetDefault("accounting.lateArrivalWindow", defaults.LateArrivalWindow)
	v.SetDefault("accounting.lateArrivalGrace", defaults.LateArrivalGrace)
	v.SetDefault("accounting.refoldOverlap", defaults.RefoldOverlap)
	v.SetDefault("accounting.clockSkewTolerance", defaults.ClockSkewTolerance)
	v.SetDefault("accounting.rollupMaxWindow", defaults.RollupMaxWindow)
	v.SetDefault("accounting.maxConflictRetries", defaults.MaxConflictRetries)
	v.SetDefault("accounting.maxBatchSize", defaults.MaxBatchSize)
	v.SetDefault("accounting.pendingBatchSize", defaults.PendingBatchSize)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	current, err := decodeAccountingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &AccountingConfigHolder{}
	holder.current.Store(current)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeAccountingConfig(v)
			if err != nil {
				log.Warn("accounting config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("accounting config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func decodeAccountingConfig(v *viper.Viper) (AccountingConfig, error) {
	var cfg AccountingConfig
	if err := v.UnmarshalKey("accounting", &cfg); err != nil {
		return AccountingConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := validateAccountingConfig(cfg); err != nil {
		return AccountingConfig{}, err
	}
	return cfg, nil
}

func (h *AccountingConfigHolder) Get() AccountingConfig {
	if h == nil {
		return DefaultAccountingConfig()
	}
	cfg, ok := h.current.Load().(AccountingConfig)
	if !ok {
		return DefaultAccountingConfig()
	}
	return cfg
}
