package split

import (
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"github.com/YuminosukeSato/metaboptim/pkg/log"
)

const (
	// DefaultTestRatio is the validation fraction used when none is given.
	DefaultTestRatio = 0.2
	// DefaultNumSplits is the number of partitions produced by default.
	DefaultNumSplits = 20
)

// Splitter produces NumSplits independent stratified partitions.
type Splitter struct {
	testRatio   float64
	numSplits   int
	maxPropDiff float64
	balance     bool
	seed        uint64
	logger      log.Logger
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithTestRatio sets the validation fraction, strictly between 0 and 1.
func WithTestRatio(ratio float64) Option {
	return func(s *Splitter) { s.testRatio = ratio }
}

// WithNumSplits sets the number of partitions.
func WithNumSplits(n int) Option {
	return func(s *Splitter) { s.numSplits = n }
}

// WithMaxProportionDiff enables imbalance correction of training folds: the
// gap between the largest and smallest class proportion is kept at or below d.
func WithMaxProportionDiff(d float64) Option {
	return func(s *Splitter) {
		s.maxPropDiff = d
		s.balance = true
	}
}

// WithSeed makes the partitions reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Splitter) { s.seed = seed }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Splitter) { s.logger = l }
}

// NewSplitter validates the options and returns a Splitter.
func NewSplitter(opts ...Option) (*Splitter, error) {
	s := &Splitter{
		testRatio: DefaultTestRatio,
		numSplits: DefaultNumSplits,
		seed:      uint64(time.Now().UnixNano()),
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.numSplits < 1 {
		return nil, errors.NewConfigurationError("NewSplitter", "num_splits", "must be >= 1", s.numSplits)
	}
	if !(s.testRatio > 0 && s.testRatio < 1) {
		return nil, errors.NewConfigurationError("NewSplitter", "test_ratio", "must be strictly between 0 and 1", s.testRatio)
	}
	if s.balance && !(s.maxPropDiff >= 0 && s.maxPropDiff < 1) {
		return nil, errors.NewConfigurationError("NewSplitter", "max_proportion_diff", "must be in [0, 1)", s.maxPropDiff)
	}
	return s, nil
}

// NumSplits returns the configured number of partitions.
func (s *Splitter) NumSplits() int { return s.numSplits }

// TestRatio returns the configured validation fraction.
func (s *Splitter) TestRatio() float64 { return s.testRatio }

// Seed returns the seed driving the partitions.
func (s *Splitter) Seed() uint64 { return s.seed }

type splitConfig struct {
	groups   []string
	features []string
}

// SplitOption configures one call to Split.
type SplitOption func(*splitConfig)

// WithGroups enables paired mode: rows sharing a group id always land on the
// same side of a partition.
func WithGroups(groups []string) SplitOption {
	return func(c *splitConfig) { c.groups = groups }
}

// WithFeatureNames attaches column names to the produced splits.
func WithFeatureNames(names []string) SplitOption {
	return func(c *splitConfig) { c.features = names }
}

// Split partitions (X, y) NumSplits times. X and y are not modified.
func (s *Splitter) Split(X mat.Matrix, y []string, opts ...SplitOption) ([]*Split, error) {
	cfg := splitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	n, nFeatures := X.Dims()
	if n != len(y) {
		return nil, errors.NewDimensionError("Splitter.Split", n, len(y), 0)
	}
	if cfg.features == nil {
		cfg.features = defaultFeatureNames(nFeatures)
	}
	if len(cfg.features) != nFeatures {
		return nil, errors.NewDimensionError("Splitter.Split", nFeatures, len(cfg.features), 1)
	}

	enc := NewEncoding(y)
	encoded, err := enc.Encode(y)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(s.seed, s.seed))
	s.logger.Debug("splitting dataset",
		log.OperationKey, log.OperationSplit,
		log.SamplesKey, n,
		log.FeaturesKey, nFeatures,
		log.ClassesKey, len(enc.Targets),
		log.RandomSeedKey, s.seed,
	)

	var partition func() (train, val []int, err error)
	if cfg.groups != nil {
		partition, err = s.pairedPartitioner(rng, encoded, cfg.groups)
	} else {
		partition, err = s.unpairedPartitioner(rng, encoded)
	}
	if err != nil {
		return nil, err
	}

	splits := make([]*Split, 0, s.numSplits)
	for k := 0; k < s.numSplits; k++ {
		train, val, err := partition()
		if err != nil {
			return nil, err
		}
		if s.balance {
			train = rebalance(rng, train, encoded, s.maxPropDiff)
		}
		sp, err := build(X, encoded, enc, cfg.features, train, val)
		if err != nil {
			return nil, err
		}
		splits = append(splits, sp)
	}
	return splits, nil
}

func (s *Splitter) unpairedPartitioner(rng *rand.Rand, encoded []int) (func() ([]int, []int, error), error) {
	rows := make([]int, len(encoded))
	for i := range rows {
		rows[i] = i
	}
	strat, err := newStratifier("Splitter.Split", encoded, s.testRatio)
	if err != nil {
		return nil, err
	}
	return func() ([]int, []int, error) {
		trainPos, valPos := strat.draw(rng)
		return pickInts(rows, trainPos), pickInts(rows, valPos), nil
	}, nil
}

// pairedPartitioner stratifies over unique group ids, then expands each
// selected group into its member rows.
func (s *Splitter) pairedPartitioner(rng *rand.Rand, encoded []int, groups []string) (func() ([]int, []int, error), error) {
	if len(groups) != len(encoded) {
		return nil, errors.NewDimensionError("Splitter.Split", len(encoded), len(groups), 0)
	}

	ids, members, labels, err := groupLabels(encoded, groups)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("paired split", log.GroupsKey, len(ids))

	strat, err := newStratifier("Splitter.Split", labels, s.testRatio)
	if err != nil {
		return nil, err
	}
	expand := func(pos []int) []int {
		var rows []int
		for _, p := range pos {
			rows = append(rows, members[ids[p]]...)
		}
		sort.Ints(rows)
		return rows
	}
	return func() ([]int, []int, error) {
		trainPos, valPos := strat.draw(rng)
		return expand(trainPos), expand(valPos), nil
	}, nil
}

// groupLabels verifies that every group carries a single label and returns
// the groups in first-seen order with their member rows and label.
func groupLabels(encoded []int, groups []string) ([]string, map[string][]int, []int, error) {
	ids := lo.Uniq(groups)
	members := make(map[string][]int, len(ids))
	label := make(map[string]int, len(ids))
	for row, g := range groups {
		if prev, seen := label[g]; seen && prev != encoded[row] {
			return nil, nil, nil, errors.NewDataIntegrityErrorf("Splitter.Split",
				"group %q carries more than one label", g)
		}
		label[g] = encoded[row]
		members[g] = append(members[g], row)
	}
	labels := make([]int, len(ids))
	for i, id := range ids {
		labels[i] = label[id]
	}
	return ids, members, labels, nil
}

// stratifier draws stratified shuffle splits over positions 0..n-1.
type stratifier struct {
	byClass [][]int
	nTest   int
}

func newStratifier(op string, labels []int, ratio float64) (*stratifier, error) {
	n := len(labels)
	nClasses := 0
	for _, l := range labels {
		if l+1 > nClasses {
			nClasses = l + 1
		}
	}
	byClass := make([][]int, nClasses)
	for pos, l := range labels {
		byClass[l] = append(byClass[l], pos)
	}
	// drop label slots that do not occur among these units (possible when
	// stratifying groups)
	byClass = lo.Filter(byClass, func(c []int, _ int) bool { return len(c) > 0 })

	nTest := int(math.Ceil(ratio*float64(n) - 1e-9))
	nTrain := n - nTest
	switch {
	case len(byClass) < 2:
		return nil, errors.NewDataIntegrityErrorf(op, "at least two classes are required, got %d", len(byClass))
	case nTest < len(byClass) || nTrain < len(byClass):
		return nil, errors.NewDataIntegrityErrorf(op,
			"cannot stratify %d units into %d train / %d validation with %d classes", n, nTrain, nTest, len(byClass))
	}
	for _, c := range byClass {
		if len(c) < 2 {
			return nil, errors.NewDataIntegrityErrorf(op, "the least populated class has only %d member", len(c))
		}
	}
	return &stratifier{byClass: byClass, nTest: nTest}, nil
}

// draw returns train and validation positions, each sorted.
func (st *stratifier) draw(rng *rand.Rand) (train, val []int) {
	counts := make([]int, len(st.byClass))
	for i, c := range st.byClass {
		counts[i] = len(c)
	}
	alloc := approximateMode(rng, counts, st.nTest)

	for i, c := range st.byClass {
		perm := rng.Perm(len(c))
		for j, p := range perm {
			if j < alloc[i] {
				val = append(val, c[p])
			} else {
				train = append(train, c[p])
			}
		}
	}
	sort.Ints(train)
	sort.Ints(val)
	return train, val
}

// approximateMode splits draw units across classes proportionally to counts:
// floors first, then the leftover units go to the largest remainders, ties
// broken at random. Every class keeps at least one unit on each side when the
// stratifier preconditions hold.
func approximateMode(rng *rand.Rand, counts []int, draw int) []int {
	total := lo.Sum(counts)
	alloc := make([]int, len(counts))
	rem := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		exact := float64(c) * float64(draw) / float64(total)
		alloc[i] = int(math.Floor(exact))
		rem[i] = exact - float64(alloc[i])
		assigned += alloc[i]
	}

	order := rng.Perm(len(counts))
	sort.SliceStable(order, func(a, b int) bool { return rem[order[a]] > rem[order[b]] })
	for _, i := range order {
		if assigned >= draw {
			break
		}
		if alloc[i] < counts[i] {
			alloc[i]++
			assigned++
		}
	}

	// keep at least one unit of every class on both sides
	for i := range alloc {
		if alloc[i] == 0 {
			donor := argmaxAbove(alloc, 1)
			if donor >= 0 {
				alloc[donor]--
				alloc[i]++
			}
		}
		if alloc[i] == counts[i] {
			taker := argmaxSlack(alloc, counts)
			if taker >= 0 {
				alloc[i]--
				alloc[taker]++
			}
		}
	}
	return alloc
}

func argmaxAbove(alloc []int, floor int) int {
	best := -1
	for i, a := range alloc {
		if a > floor && (best < 0 || a > alloc[best]) {
			best = i
		}
	}
	return best
}

func argmaxSlack(alloc, counts []int) int {
	best := -1
	for i := range alloc {
		slack := counts[i] - alloc[i]
		if slack > 1 && alloc[i] > 0 && (best < 0 || slack > counts[best]-alloc[best]) {
			best = i
		}
	}
	return best
}

func pickInts(src, pos []int) []int {
	out := make([]int, len(pos))
	for i, p := range pos {
		out[i] = src[p]
	}
	return out
}

func defaultFeatureNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "x" + strconv.Itoa(i)
	}
	return names
}
