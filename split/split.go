// Package split turns a labeled dataset into repeated stratified
// train/validation partitions, optionally keeping paired samples together and
// bounding the class imbalance of every training fold.
package split

import (
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
)

// Split is one train/validation partition. It is created once by a Splitter
// and read concurrently by every trial; nothing mutates it afterwards.
//
// Labels are stored as dense indices into Targets, which is the sorted list
// of distinct label values of the whole dataset, so model outputs are
// comparable across splits.
type Split struct {
	XTrain *mat.Dense
	YTrain []int
	XVal   *mat.Dense
	YVal   []int

	Features []string
	Targets  []string

	// Row numbers in the original dataset. TrainIndex follows the row order
	// of XTrain, which is shuffled when imbalance correction ran.
	TrainIndex []int
	ValIndex   []int
}

// NClasses returns the number of label values.
func (s *Split) NClasses() int { return len(s.Targets) }

// YTrainMatrix returns YTrain as an n×1 column vector.
func (s *Split) YTrainMatrix() *mat.Dense { return LabelMatrix(s.YTrain) }

// YValMatrix returns YVal as an n×1 column vector.
func (s *Split) YValMatrix() *mat.Dense { return LabelMatrix(s.YVal) }

// Label maps a class index back to its label value.
func (s *Split) Label(index int) string { return s.Targets[index] }

// LabelMatrix converts class indices to an n×1 column vector.
func LabelMatrix(labels []int) *mat.Dense {
	data := make([]float64, len(labels))
	for i, l := range labels {
		data[i] = float64(l)
	}
	return mat.NewDense(len(labels), 1, data)
}

// Encoding maps label values to dense indices in sorted order.
type Encoding struct {
	Targets []string
	index   map[string]int
}

// NewEncoding builds the encoding of the distinct values in y.
func NewEncoding(y []string) *Encoding {
	targets := lo.Uniq(y)
	sort.Strings(targets)
	index := make(map[string]int, len(targets))
	for i, t := range targets {
		index[t] = i
	}
	return &Encoding{Targets: targets, index: index}
}

// Encode maps labels to indices. Unknown labels are an error.
func (e *Encoding) Encode(y []string) ([]int, error) {
	out := make([]int, len(y))
	for i, v := range y {
		idx, ok := e.index[v]
		if !ok {
			return nil, errors.NewDataIntegrityErrorf("Encoding.Encode", "unknown label %q", v)
		}
		out[i] = idx
	}
	return out, nil
}

// Decode maps indices back to labels.
func (e *Encoding) Decode(idx []int) ([]string, error) {
	out := make([]string, len(idx))
	for i, v := range idx {
		if v < 0 || v >= len(e.Targets) {
			return nil, errors.NewDataIntegrityErrorf("Encoding.Decode", "class index %d out of range", v)
		}
		out[i] = e.Targets[v]
	}
	return out, nil
}

// Rows copies the given rows of X into a new dense matrix.
func Rows(X mat.Matrix, rows []int) *mat.Dense {
	_, c := X.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		for j := 0; j < c; j++ {
			out.Set(i, j, X.At(r, j))
		}
	}
	return out
}

func build(X mat.Matrix, encoded []int, enc *Encoding, features []string, train, val []int) (*Split, error) {
	if len(train) == 0 || len(val) == 0 {
		return nil, errors.NewDataIntegrityErrorf("Splitter.Split", "empty fold (train=%d, validation=%d)", len(train), len(val))
	}
	pick := func(rows []int) []int {
		out := make([]int, len(rows))
		for i, r := range rows {
			out[i] = encoded[r]
		}
		return out
	}
	return &Split{
		XTrain:     Rows(X, train),
		YTrain:     pick(train),
		XVal:       Rows(X, val),
		YVal:       pick(val),
		Features:   append([]string(nil), features...),
		Targets:    append([]string(nil), enc.Targets...),
		TrainIndex: append([]int(nil), train...),
		ValIndex:   append([]int(nil), val...),
	}, nil
}
