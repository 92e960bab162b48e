package metrics

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestBalancedAccuracy(t *testing.T) {
	tests := []struct {
		name    string
		yTrue   []float64
		yPred   []float64
		want    float64
		wantErr bool
	}{
		{
			name:  "Perfect",
			yTrue: []float64{0, 1, 2, 1, 0},
			yPred: []float64{0, 1, 2, 1, 0},
			want:  1.0,
		},
		{
			name:  "Imbalanced classes",
			yTrue: []float64{0, 0, 0, 0, 1, 1},
			yPred: []float64{0, 0, 0, 1, 1, 0},
			// recall(0)=3/4, recall(1)=1/2
			want: 0.625,
		},
		{
			name:  "Majority vote on imbalanced data",
			yTrue: []float64{0, 0, 0, 0, 0, 0, 0, 0, 1, 1},
			yPred: []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			want:  0.5,
		},
		{
			name:  "Class only in predictions is ignored",
			yTrue: []float64{0, 0, 1, 1},
			yPred: []float64{0, 2, 1, 1},
			// recall(0)=1/2, recall(1)=1
			want: 0.75,
		},
		{
			name:    "Non-integer labels",
			yTrue:   []float64{0, 0.5},
			yPred:   []float64{0, 1},
			wantErr: true,
		},
		{
			name:    "Length mismatch",
			yTrue:   []float64{0, 1, 1},
			yPred:   []float64{0, 1},
			wantErr: true,
		},
		{
			name:    "Empty vectors",
			yTrue:   []float64{},
			yPred:   []float64{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var yTrue, yPred *mat.VecDense
			if len(tt.yTrue) > 0 {
				yTrue = mat.NewVecDense(len(tt.yTrue), tt.yTrue)
			}
			if len(tt.yPred) > 0 {
				yPred = mat.NewVecDense(len(tt.yPred), tt.yPred)
			}

			got, err := BalancedAccuracy(yTrue, yPred)
			if (err != nil) != tt.wantErr {
				t.Errorf("BalancedAccuracy() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("BalancedAccuracy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBalancedAccuracyMatrix(t *testing.T) {
	yTrue := mat.NewDense(4, 1, []float64{0, 1, 1, 1})
	yPred := mat.NewDense(4, 1, []float64{0, 1, 0, 1})

	got, err := BalancedAccuracyMatrix(yTrue, yPred)
	if err != nil {
		t.Fatalf("BalancedAccuracyMatrix() error = %v", err)
	}
	want := (1.0 + 2.0/3.0) / 2
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("BalancedAccuracyMatrix() = %v, want %v", got, want)
	}

	wide := mat.NewDense(4, 2, nil)
	if _, err := BalancedAccuracyMatrix(yTrue, wide); err == nil {
		t.Error("expected error for non column vector")
	}
}

func TestAccuracy(t *testing.T) {
	tests := []struct {
		name    string
		yTrue   []float64
		yPred   []float64
		want    float64
		wantErr bool
	}{
		{
			name:  "Perfect accuracy",
			yTrue: []float64{0, 1, 2, 1, 0},
			yPred: []float64{0, 1, 2, 1, 0},
			want:  1.0,
		},
		{
			name:  "80% accuracy",
			yTrue: []float64{0, 1, 2, 1, 0},
			yPred: []float64{0, 1, 1, 1, 0},
			want:  0.8,
		},
		{
			name:  "Zero accuracy",
			yTrue: []float64{0, 0, 0},
			yPred: []float64{1, 1, 1},
			want:  0.0,
		},
		{
			name:    "Empty vectors",
			yTrue:   []float64{},
			yPred:   []float64{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var yTrue, yPred *mat.VecDense
			if len(tt.yTrue) > 0 {
				yTrue = mat.NewVecDense(len(tt.yTrue), tt.yTrue)
			}
			if len(tt.yPred) > 0 {
				yPred = mat.NewVecDense(len(tt.yPred), tt.yPred)
			}

			got, err := Accuracy(yTrue, yPred)
			if (err != nil) != tt.wantErr {
				t.Errorf("Accuracy() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Accuracy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfusionMatrix(t *testing.T) {
	yTrue := VecFromLabels([]int{0, 0, 1, 1, 2})
	yPred := VecFromLabels([]int{0, 1, 1, 1, 0})

	cm, err := ConfusionMatrix(yTrue, yPred, 3)
	if err != nil {
		t.Fatalf("ConfusionMatrix() error = %v", err)
	}
	want := mat.NewDense(3, 3, []float64{
		1, 1, 0,
		0, 2, 0,
		1, 0, 0,
	})
	if !mat.Equal(cm, want) {
		t.Errorf("ConfusionMatrix() =\n%v\nwant\n%v", mat.Formatted(cm), mat.Formatted(want))
	}

	if _, err := ConfusionMatrix(yTrue, yPred, 2); err == nil {
		t.Error("expected error when a label exceeds nClasses")
	}
}

// Benchmark tests
func BenchmarkBalancedAccuracy(b *testing.B) {
	n := 1000
	labels := make([]int, n)
	preds := make([]int, n)
	for i := 0; i < n; i++ {
		labels[i] = i % 3
		preds[i] = (i / 2) % 3
	}
	yTrue := VecFromLabels(labels)
	yPred := VecFromLabels(preds)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = BalancedAccuracy(yTrue, yPred)
	}
}

// fiveClassLabels builds labels whose per-class recalls are
// 1/3, 2/7, 5/11, 3/13 and 7/17; misses are predicted as the next class.
func fiveClassLabels() (yTrue, yPred []float64, want float64) {
	support := []int{3, 7, 11, 13, 17}
	hits := []int{1, 2, 5, 3, 7}
	var sum float64
	for c := range support {
		for i := 0; i < support[c]; i++ {
			yTrue = append(yTrue, float64(c))
			if i < hits[c] {
				yPred = append(yPred, float64(c))
			} else {
				yPred = append(yPred, float64((c+1)%len(support)))
			}
		}
		sum += float64(hits[c]) / float64(support[c])
	}
	return yTrue, yPred, sum / float64(len(support))
}

func TestBalancedAccuracyIsBitwiseStable(t *testing.T) {
	yt, yp, want := fiveClassLabels()
	yTrue := mat.NewVecDense(len(yt), yt)
	yPred := mat.NewVecDense(len(yp), yp)

	for i := 0; i < 2000; i++ {
		got, err := BalancedAccuracy(yTrue, yPred)
		if err != nil {
			t.Fatal(err)
		}
		if math.Float64bits(got) != math.Float64bits(want) {
			t.Fatalf("call %d: got %v (%d), want %v (%d)", i, got, math.Float64bits(got), want, math.Float64bits(want))
		}
	}
}
