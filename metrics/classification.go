// Package metrics は分類モデルの評価指標を提供する。
// ラベルは密なクラスインデックス (0..C-1) を float64 で表したものを前提とする。
package metrics

import (
	"math"
	"slices"

	"github.com/samber/lo"

	"github.com/YuminosukeSato/metaboptim/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Accuracy は正解率を計算する
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// BalancedAccuracy はクラスごとの再現率（recall）の平均を計算する。
// 平均は yTrue に現れるクラスのみを対象とし、予測にしか現れないクラスは無視する。
func BalancedAccuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("BalancedAccuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}

	support := map[int]int{}
	hits := map[int]int{}
	for i := 0; i < n; i++ {
		t, err := classIndex("BalancedAccuracy", yTrue.AtVec(i))
		if err != nil {
			return 0, err
		}
		p, err := classIndex("BalancedAccuracy", yPred.AtVec(i))
		if err != nil {
			return 0, err
		}
		support[t]++
		if t == p {
			hits[t]++
		}
	}

	// recall = TP / (TP + FN)。クラス順に加算して結果をビット単位で再現可能にする
	classes := lo.Keys(support)
	slices.Sort(classes)
	var sum float64
	for _, c := range classes {
		sum += float64(hits[c]) / float64(support[c])
	}
	return sum / float64(len(support)), nil
}

// BalancedAccuracyMatrix は n×1 行列形式の入力に対して BalancedAccuracy を計算する
func BalancedAccuracyMatrix(yTrue, yPred mat.Matrix) (float64, error) {
	t, p, err := toVecPair("BalancedAccuracyMatrix", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return BalancedAccuracy(t, p)
}

// ConfusionMatrix は nClasses×nClasses の混同行列を返す。行が正解、列が予測。
func ConfusionMatrix(yTrue, yPred *mat.VecDense, nClasses int) (*mat.Dense, error) {
	n, err := checkPair("ConfusionMatrix", yTrue, yPred)
	if err != nil {
		return nil, err
	}
	if nClasses < 1 {
		return nil, errors.NewValueError("ConfusionMatrix", "nClasses must be positive")
	}

	cm := mat.NewDense(nClasses, nClasses, nil)
	for i := 0; i < n; i++ {
		t, err := classIndex("ConfusionMatrix", yTrue.AtVec(i))
		if err != nil {
			return nil, err
		}
		p, err := classIndex("ConfusionMatrix", yPred.AtVec(i))
		if err != nil {
			return nil, err
		}
		if t >= nClasses || p >= nClasses {
			return nil, errors.NewValueError("ConfusionMatrix", "label outside of [0, nClasses)")
		}
		cm.Set(t, p, cm.At(t, p)+1)
	}
	return cm, nil
}

// VecFromLabels は整数ラベルを VecDense に変換する
func VecFromLabels(labels []int) *mat.VecDense {
	if len(labels) == 0 {
		return nil
	}
	data := make([]float64, len(labels))
	for i, l := range labels {
		data[i] = float64(l)
	}
	return mat.NewVecDense(len(data), data)
}

func checkPair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	if yTrue == nil || yPred == nil || yTrue.Len() == 0 {
		return 0, errors.NewValueError(op, "empty vector")
	}
	n := yTrue.Len()
	if yPred.Len() != n {
		return 0, errors.NewDimensionError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

func classIndex(op string, v float64) (int, error) {
	if v < 0 || v != math.Trunc(v) || math.IsNaN(v) {
		return 0, errors.NewValueError(op, "labels must be non-negative class indices")
	}
	return int(v), nil
}

func toVecPair(op string, yTrue, yPred mat.Matrix) (*mat.VecDense, *mat.VecDense, error) {
	rTrue, cTrue := yTrue.Dims()
	rPred, cPred := yPred.Dims()

	if rTrue == 0 {
		return nil, nil, errors.NewValueError(op, "empty matrix")
	}
	if rTrue != rPred {
		return nil, nil, errors.NewDimensionError(op, rTrue, rPred, 0)
	}
	if cTrue != 1 || cPred != 1 {
		return nil, nil, errors.NewValueError(op, "must be a column vector (n×1 matrix)")
	}

	t := mat.NewVecDense(rTrue, nil)
	p := mat.NewVecDense(rPred, nil)
	for i := 0; i < rTrue; i++ {
		t.SetVec(i, yTrue.At(i, 0))
		p.SetVec(i, yPred.At(i, 0))
	}
	return t, p, nil
}
