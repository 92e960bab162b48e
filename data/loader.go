package data

import (
	"math"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

// MaxConditions is the largest number of distinct target values accepted.
// Beyond two, the data is served one condition pair at a time.
const MaxConditions = 10

// Source describes the two input tables and how to join them.
type Source struct {
	// DataPath is the feature table; one row per sample.
	DataPath string
	// MetadataPath is the sample metadata table.
	MetadataPath string
	// IDColumn names the sample id, present in both tables.
	IDColumn string
	// TargetColumn is the metadata column holding the class label.
	TargetColumn string
	// PairingColumn optionally names the metadata column grouping paired
	// samples (for example the subject of a before/after design).
	PairingColumn string
	// FeatureColumns are numeric metadata columns appended to the features.
	FeatureColumns []string
	// Subset keeps only metadata rows whose column value is listed.
	Subset map[string][]string
}

// Dataset is the joined, filtered data for one condition pair.
type Dataset struct {
	X        *mat.Dense
	Y        []string
	Groups   []string // nil without a pairing column
	IDs      []string
	Features []string
	// Pairs lists every condition pair when the target has more than two
	// values, nil otherwise. Pair is the one this dataset holds.
	Pairs [][2]string
	Pair  [2]string
}

// Loader joins a feature table with its metadata.
type Loader struct {
	src    Source
	data   *Table
	meta   *Table
	logger log.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l log.Logger) LoaderOption {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// NewLoader reads both tables and checks that the configured columns exist.
func NewLoader(src Source, opts ...LoaderOption) (*Loader, error) {
	data, err := ReadTableFile(src.DataPath)
	if err != nil {
		return nil, err
	}
	meta, err := ReadTableFile(src.MetadataPath)
	if err != nil {
		return nil, err
	}
	return NewLoaderFromTables(src, data, meta, opts...)
}

// NewLoaderFromTables builds a Loader over tables already in memory.
func NewLoaderFromTables(src Source, data, meta *Table, opts ...LoaderOption) (*Loader, error) {
	const op = "data.NewLoader"
	l := &Loader{src: src, data: data, meta: meta, logger: log.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(log.ComponentKey, "loader")

	if src.IDColumn == "" {
		return nil, errors.NewConfigurationError(op, "id_column", "is required", "")
	}
	if src.TargetColumn == "" {
		return nil, errors.NewConfigurationError(op, "target_column", "is required", "")
	}
	if !meta.HasColumn(src.IDColumn) {
		return nil, errors.NewConfigurationError(op, "id_column", "not found in metadata", src.IDColumn)
	}
	if !data.HasColumn(src.IDColumn) {
		return nil, errors.NewConfigurationError(op, "id_column", "not found in data", src.IDColumn)
	}
	if !meta.HasColumn(src.TargetColumn) {
		return nil, errors.NewConfigurationError(op, "target_column", "not found in metadata", src.TargetColumn)
	}
	if src.PairingColumn != "" && !meta.HasColumn(src.PairingColumn) {
		return nil, errors.NewConfigurationError(op, "pairing_column", "not found in metadata", src.PairingColumn)
	}
	for _, c := range src.FeatureColumns {
		if !meta.HasColumn(c) {
			return nil, errors.NewConfigurationError(op, "feature_columns", "not found in metadata", c)
		}
	}
	for c := range src.Subset {
		if !meta.HasColumn(c) {
			return nil, errors.NewConfigurationError(op, "subset", "column not found in metadata", c)
		}
	}
	return l, nil
}

// Conditions returns the distinct target values of the filtered metadata in
// order of first appearance.
func (l *Loader) Conditions() []string {
	return lo.Uniq(lo.Map(l.filteredRows(), func(i int, _ int) string {
		return l.meta.Value(i, l.src.TargetColumn)
	}))
}

// Pairs enumerates the condition pairs (i < j) in order of first appearance.
func Pairs(conditions []string) [][2]string {
	var pairs [][2]string
	for i := range conditions {
		for j := i + 1; j < len(conditions); j++ {
			pairs = append(pairs, [2]string{conditions[i], conditions[j]})
		}
	}
	return pairs
}

// Load joins data rows to metadata rows on the id column, in metadata
// order. A metadata row without a data row yields all-NaN features. With
// more than two conditions only the rows of Pairs[datasetIndex] are kept;
// datasetIndex is ignored otherwise.
func (l *Loader) Load(datasetIndex int) (*Dataset, error) {
	const op = "data.Loader.Load"
	rows := l.filteredRows()
	if len(rows) == 0 {
		return nil, errors.NewDataIntegrityError(op, "no metadata rows left after filtering")
	}

	conditions := l.Conditions()
	if len(conditions) > MaxConditions {
		return nil, errors.NewConfigurationError(op, "target_column",
			"more than 10 distinct conditions; reduce them with subset", len(conditions))
	}
	if len(conditions) < 2 {
		return nil, errors.NewDataIntegrityErrorf(op, "target column %q has fewer than two conditions", l.src.TargetColumn)
	}

	ds := &Dataset{}
	if len(conditions) > 2 {
		ds.Pairs = Pairs(conditions)
		if datasetIndex < 0 || datasetIndex >= len(ds.Pairs) {
			return nil, errors.NewConfigurationError(op, "dataset_index",
				"out of range for the available condition pairs", datasetIndex)
		}
		ds.Pair = ds.Pairs[datasetIndex]
		rows = lo.Filter(rows, func(i int, _ int) bool {
			v := l.meta.Value(i, l.src.TargetColumn)
			return v == ds.Pair[0] || v == ds.Pair[1]
		})
	} else {
		ds.Pair = [2]string{conditions[0], conditions[1]}
	}

	// data rows by id
	dataIdx := make(map[string]int, len(l.data.Rows))
	for i := range l.data.Rows {
		id := l.data.Value(i, l.src.IDColumn)
		if _, dup := dataIdx[id]; dup {
			return nil, errors.NewDataIntegrityErrorf(op, "duplicate sample id %q in data", id)
		}
		dataIdx[id] = i
	}

	dataCols := lo.Filter(l.data.Header, func(h string, _ int) bool { return h != l.src.IDColumn })
	metaCols := lo.Filter(l.src.FeatureColumns, func(h string, _ int) bool { return h != l.src.IDColumn })
	ds.Features = append(append([]string{}, dataCols...), metaCols...)

	ds.X = mat.NewDense(len(rows), len(ds.Features), nil)
	ds.Y = make([]string, len(rows))
	ds.IDs = make([]string, len(rows))
	if l.src.PairingColumn != "" {
		ds.Groups = make([]string, len(rows))
	}

	unmatched := 0
	for r, mi := range rows {
		id := l.meta.Value(mi, l.src.IDColumn)
		ds.IDs[r] = id
		ds.Y[r] = l.meta.Value(mi, l.src.TargetColumn)
		if ds.Groups != nil {
			ds.Groups[r] = l.meta.Value(mi, l.src.PairingColumn)
		}

		di, ok := dataIdx[id]
		if !ok {
			unmatched++
		}
		for j, c := range dataCols {
			v := math.NaN()
			if ok {
				var err error
				if v, err = ParseFloat(l.data.Value(di, c)); err != nil {
					return nil, errors.NewDataIntegrityErrorf(op, "sample %q, column %q: %v", id, c, err)
				}
			}
			ds.X.Set(r, j, v)
		}
		for j, c := range metaCols {
			v, err := ParseFloat(l.meta.Value(mi, c))
			if err != nil {
				return nil, errors.NewDataIntegrityErrorf(op, "sample %q, metadata column %q: %v", id, c, err)
			}
			ds.X.Set(r, len(dataCols)+j, v)
		}
	}

	if ds.Groups != nil {
		if err := CheckGroups(ds.Y, ds.Groups); err != nil {
			return nil, err
		}
	}
	if unmatched > 0 {
		l.logger.Warn("metadata rows without data; features left missing", "rows", unmatched)
	}
	l.logger.Info("dataset loaded",
		log.SamplesKey, len(rows),
		log.FeaturesKey, len(ds.Features),
		log.ClassesKey, 2,
		"pair", ds.Pair,
	)
	return ds, nil
}

// filteredRows returns the metadata row indices that pass Subset.
func (l *Loader) filteredRows() []int {
	rows := make([]int, 0, len(l.meta.Rows))
	for i := range l.meta.Rows {
		keep := true
		for col, allowed := range l.src.Subset {
			if !lo.Contains(allowed, l.meta.Value(i, col)) {
				keep = false
				break
			}
		}
		if keep {
			rows = append(rows, i)
		}
	}
	return rows
}

// CheckGroups returns a DataIntegrityError when a pairing group holds rows
// of two different labels.
func CheckGroups(y, groups []string) error {
	const op = "data.CheckGroups"
	if len(y) != len(groups) {
		return errors.NewDimensionError(op, len(y), len(groups), 0)
	}
	label := make(map[string]string, len(groups))
	for i, g := range groups {
		if prev, seen := label[g]; seen && prev != y[i] {
			return errors.NewDataIntegrityErrorf(op, "group %q has labels %q and %q", g, prev, y[i])
		}
		label[g] = y[i]
	}
	return nil
}
