// Package config loads the settings of a metaboptim run from a YAML or TOML
// file and METABOPTIM_* environment variables.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/YuminosukeSato/metaboptim/data"
	"github.com/YuminosukeSato/metaboptim/optim"
	"github.com/YuminosukeSato/metaboptim/pipeline"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

// EnvPrefix prefixes every environment override, e.g.
// METABOPTIM_SEARCH_TRIALS=100.
const EnvPrefix = "METABOPTIM"

// Config is the whole configuration of a run.
type Config struct {
	Data   DataConfig   `mapstructure:"data"`
	Search SearchConfig `mapstructure:"search"`
	Split  SplitConfig  `mapstructure:"split"`
	Report ReportConfig `mapstructure:"report"`
	Log    LogConfig    `mapstructure:"log"`
}

// DataConfig locates the input tables.
type DataConfig struct {
	DataPath       string       `mapstructure:"data_path" validate:"required"`
	MetadataPath   string       `mapstructure:"metadata_path" validate:"required"`
	IDColumn       string       `mapstructure:"id_column" validate:"required"`
	TargetColumn   string       `mapstructure:"target_column" validate:"required"`
	PairingColumn  string       `mapstructure:"pairing_column"`
	FeatureColumns []string     `mapstructure:"feature_columns"`
	Subset         []SubsetRule `mapstructure:"subset" validate:"dive"`
	DatasetIndex   int          `mapstructure:"dataset_index" validate:"gte=0"`
	Impute         bool         `mapstructure:"impute"`
}

// SubsetRule keeps metadata rows whose Column value is one of Values. It
// is a list entry rather than a map key because viper lowercases keys and
// column names are case sensitive.
type SubsetRule struct {
	Column string   `mapstructure:"column" validate:"required"`
	Values []string `mapstructure:"values" validate:"min=1"`
}

// SearchConfig controls each hyperparameter search.
type SearchConfig struct {
	Trials       int           `mapstructure:"trials" validate:"gte=0"`
	CV           int           `mapstructure:"cv" validate:"gte=1"`
	Workers      int           `mapstructure:"workers" validate:"gte=-1,ne=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LedgerDir    string        `mapstructure:"ledger_dir"`
	Launcher     string        `mapstructure:"launcher" validate:"oneof=process inprocess"`
	Models       []string      `mapstructure:"models"`
}

// SplitConfig controls the outer splits.
type SplitConfig struct {
	OuterSplits int     `mapstructure:"outer_splits" validate:"gte=1"`
	TestRatio   float64 `mapstructure:"test_ratio" validate:"gt=0,lt=1"`
	// MaxProportionDiff bounds training fold imbalance; negative disables.
	MaxProportionDiff float64 `mapstructure:"max_proportion_diff" validate:"lt=1"`
	// Seed 0 derives a seed from the clock.
	Seed uint64 `mapstructure:"seed"`
}

// ReportConfig controls the report.
type ReportConfig struct {
	TopN     int    `mapstructure:"top_n" validate:"gte=1"`
	Positive string `mapstructure:"positive"`
	// Output is the report path; empty writes to stdout.
	Output string `mapstructure:"output"`
}

// LogConfig sets the log level of the run and its workers.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	def := pipeline.DefaultConfig()
	v.SetDefault("data.data_path", "")
	v.SetDefault("data.metadata_path", "")
	v.SetDefault("data.id_column", "Id")
	v.SetDefault("data.target_column", "")
	v.SetDefault("data.pairing_column", "")
	v.SetDefault("data.feature_columns", []string{})
	v.SetDefault("data.subset", []SubsetRule{})
	v.SetDefault("data.dataset_index", 0)
	v.SetDefault("data.impute", true)

	v.SetDefault("search.trials", def.Trials)
	v.SetDefault("search.cv", def.CV)
	v.SetDefault("search.workers", -1)
	v.SetDefault("search.timeout", time.Duration(0))
	v.SetDefault("search.poll_interval", optim.DefaultPollInterval)
	v.SetDefault("search.ledger_dir", "")
	v.SetDefault("search.launcher", "process")
	v.SetDefault("search.models", []string{})

	v.SetDefault("split.outer_splits", def.OuterSplits)
	v.SetDefault("split.test_ratio", def.TestRatio)
	v.SetDefault("split.max_proportion_diff", def.MaxProportionDiff)
	v.SetDefault("split.seed", uint64(0))

	v.SetDefault("report.top_n", def.TopN)
	v.SetDefault("report.positive", "")
	v.SetDefault("report.output", "")

	v.SetDefault("log.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (YAML, TOML or JSON by extension) over the defaults,
// applies environment overrides and validates the result. An empty path
// uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return decode(v)
}

// LoadReader is Load for an in-memory document of the given format
// ("yaml", "toml", "json").
func LoadReader(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every model has a grid.
// Each violation becomes a ConfigurationError; all of them are returned.
func (c *Config) Validate() error {
	const op = "config.Validate"
	var errs error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(err, "validate config")
		}
		for _, fe := range verrs {
			reason := "failed " + fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
			errs = errors.CombineErrors(errs, errors.NewConfigurationError(op, fe.Namespace(), reason, fe.Value()))
		}
	}
	if _, err := pipeline.SelectGrids(c.Search.Models); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// Source returns the loader input described by the data section.
func (c *Config) Source() data.Source {
	var subset map[string][]string
	if len(c.Data.Subset) > 0 {
		subset = make(map[string][]string, len(c.Data.Subset))
		for _, r := range c.Data.Subset {
			subset[r.Column] = append(subset[r.Column], r.Values...)
		}
	}
	return data.Source{
		DataPath:       c.Data.DataPath,
		MetadataPath:   c.Data.MetadataPath,
		IDColumn:       c.Data.IDColumn,
		TargetColumn:   c.Data.TargetColumn,
		PairingColumn:  c.Data.PairingColumn,
		FeatureColumns: c.Data.FeatureColumns,
		Subset:         subset,
	}
}

// Pipeline returns the pipeline settings and the selected model grids.
func (c *Config) Pipeline(logger log.Logger) (pipeline.Config, []pipeline.Grid, error) {
	grids, err := pipeline.SelectGrids(c.Search.Models)
	if err != nil {
		return pipeline.Config{}, nil, err
	}
	pc := pipeline.DefaultConfig()
	pc.Trials = c.Search.Trials
	pc.CV = c.Search.CV
	pc.Timeout = c.Search.Timeout
	pc.OuterSplits = c.Split.OuterSplits
	pc.TestRatio = c.Split.TestRatio
	pc.MaxProportionDiff = c.Split.MaxProportionDiff
	if c.Split.Seed != 0 {
		pc.Seed = c.Split.Seed
	}
	pc.TopN = c.Report.TopN
	pc.Positive = c.Report.Positive
	pc.Logger = logger

	pc.Coordinator = []optim.CoordinatorOption{
		optim.WithWorkers(c.Search.Workers),
		optim.WithPollInterval(c.Search.PollInterval),
		optim.WithWorkerLogLevel(c.Log.Level),
	}
	if c.Search.LedgerDir != "" {
		pc.Coordinator = append(pc.Coordinator, optim.WithLedgerDir(c.Search.LedgerDir))
	}
	if c.Search.Launcher == "inprocess" {
		pc.Coordinator = append(pc.Coordinator, optim.WithLauncher(optim.NewInProcessLauncher(logger)))
	}
	return pc, grids, nil
}
