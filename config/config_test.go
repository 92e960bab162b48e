package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/metaboptim/optim"
	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
	"github.com/YuminosukeSato/metaboptim/sklearn/tree"
)

const yamlConfig = `
data:
  data_path: data.csv
  metadata_path: meta.csv
  target_column: Shape
  pairing_column: Subject
  feature_columns: [Age]
  subset:
    - column: Site
      values: [A, B]
search:
  trials: 20
  workers: 2
  timeout: 90s
  launcher: inprocess
  models: [decision_tree]
split:
  seed: 7
  max_proportion_diff: -1
report:
  positive: smoker
log:
  level: debug
`

func TestLoadReaderYAML(t *testing.T) {
	c, err := LoadReader(strings.NewReader(yamlConfig), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "data.csv", c.Data.DataPath)
	assert.Equal(t, "Id", c.Data.IDColumn, "default")
	assert.Equal(t, []string{"Age"}, c.Data.FeatureColumns)
	require.Len(t, c.Data.Subset, 1)
	assert.Equal(t, "Site", c.Data.Subset[0].Column, "column case is kept")
	assert.True(t, c.Data.Impute)

	assert.Equal(t, 20, c.Search.Trials)
	assert.Equal(t, 5, c.Search.CV)
	assert.Equal(t, 90*time.Second, c.Search.Timeout)
	assert.Equal(t, optim.DefaultPollInterval, c.Search.PollInterval)
	assert.Equal(t, uint64(7), c.Split.Seed)
	assert.Equal(t, 10, c.Report.TopN)

	src := c.Source()
	assert.Equal(t, map[string][]string{"Site": {"A", "B"}}, src.Subset)
	assert.Equal(t, "Subject", src.PairingColumn)

	pc, grids, err := c.Pipeline(log.Nop())
	require.NoError(t, err)
	require.Len(t, grids, 1)
	assert.Equal(t, tree.ModelName, grids[0].Model)
	assert.Equal(t, 20, pc.Trials)
	assert.Equal(t, uint64(7), pc.Seed)
	assert.Equal(t, -1.0, pc.MaxProportionDiff)
	assert.Equal(t, "smoker", pc.Positive)
	assert.Len(t, pc.Coordinator, 4, "workers, poll interval, log level, launcher")
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metaboptim.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[data]
data_path = "d.csv"
metadata_path = "m.csv"
target_column = "Group"

[search]
trials = 10
`), 0o600))
	t.Setenv("METABOPTIM_SEARCH_TRIALS", "7")
	t.Setenv("METABOPTIM_LOG_LEVEL", "warn")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Search.Trials)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, "Group", c.Data.TargetColumn)
	assert.Equal(t, "process", c.Search.Launcher)
	assert.Equal(t, -1, c.Search.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c, err := LoadReader(strings.NewReader(yamlConfig), "yaml")
		require.NoError(t, err)
		return c
	}
	tests := []struct {
		name  string
		apply func(*Config)
	}{
		{"missing data path", func(c *Config) { c.Data.DataPath = "" }},
		{"zero workers", func(c *Config) { c.Search.Workers = 0 }},
		{"workers below -1", func(c *Config) { c.Search.Workers = -2 }},
		{"cv", func(c *Config) { c.Search.CV = 0 }},
		{"launcher", func(c *Config) { c.Search.Launcher = "k8s" }},
		{"test ratio", func(c *Config) { c.Split.TestRatio = 1 }},
		{"imbalance", func(c *Config) { c.Split.MaxProportionDiff = 1 }},
		{"log level", func(c *Config) { c.Log.Level = "trace" }},
		{"subset without values", func(c *Config) { c.Data.Subset[0].Values = nil }},
		{"unknown model", func(c *Config) { c.Search.Models = []string{"svm"} }},
		{"negative dataset index", func(c *Config) { c.Data.DatasetIndex = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.apply(c)
			err := c.Validate()
			var cfgErr *errors.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestLoadWithoutFileNeedsPaths(t *testing.T) {
	_, err := Load("")
	var cfgErr *errors.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
