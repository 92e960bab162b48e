package errors

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewConfigurationError(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		param   string
		reason  string
		value   interface{}
		wantMsg string
	}{
		{
			name:    "with parameter",
			op:      "NewSplitter",
			param:   "test_ratio",
			reason:  "must be in (0, 1)",
			value:   1.5,
			wantMsg: "metaboptim: NewSplitter: invalid configuration for 'test_ratio': must be in (0, 1) (got: 1.5)",
		},
		{
			name:    "without parameter",
			op:      "NewParamRange",
			reason:  "exactly one of bounds or discrete values must be set",
			wantMsg: "metaboptim: NewParamRange: invalid configuration: exactly one of bounds or discrete values must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewConfigurationError(tt.op, tt.param, tt.reason, tt.value)

			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}

			// スタックトレースの存在確認
			formatted := fmt.Sprintf("%+v", err)
			if !strings.Contains(formatted, "errors_test.go") {
				t.Error("Expected stack trace to contain test file name")
			}

			var cfgErr *ConfigurationError
			if !As(err, &cfgErr) {
				t.Fatal("Error should be castable to *ConfigurationError")
			}
			if cfgErr.Op != tt.op {
				t.Errorf("Op = %v, want %v", cfgErr.Op, tt.op)
			}
		})
	}
}

func TestNewDataIntegrityError(t *testing.T) {
	err := NewDataIntegrityErrorf("Splitter.Split", "group %q carries labels %v", "p01", []string{"a", "b"})

	want := `metaboptim: Splitter.Split: data integrity violated: group "p01" carries labels [a b]`
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var dataErr *DataIntegrityError
	if !As(err, &dataErr) {
		t.Error("Error should be castable to *DataIntegrityError")
	}
}

func TestNewTrialEvaluationError(t *testing.T) {
	cause := fmt.Errorf("singular matrix")
	err := NewTrialEvaluationError(7, cause)

	if !strings.Contains(err.Error(), "trial 7") {
		t.Errorf("Error() should mention the trial number: %v", err)
	}
	if !Is(err, cause) {
		t.Error("TrialEvaluationError should unwrap to its cause")
	}

	var trialErr *TrialEvaluationError
	if !As(err, &trialErr) {
		t.Fatal("Error should be castable to *TrialEvaluationError")
	}
	if trialErr.Trial != 7 {
		t.Errorf("Trial = %d, want 7", trialErr.Trial)
	}
}

func TestNewNotFittedError(t *testing.T) {
	err := NewNotFittedError("Optimizer", "Score")

	want := "metaboptim: Optimizer: this model is not fitted yet. Call Fit() before using Score()"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var notFittedErr *NotFittedError
	if !As(err, &notFittedErr) {
		t.Error("Error should be castable to *NotFittedError")
	}
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("BalancedAccuracy", 10, 8, 0)

	want := "metaboptim: BalancedAccuracy: dimension mismatch on axis 0 (rows). Expected 10, got 8"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var dimErr *DimensionError
	if !As(err, &dimErr) {
		t.Error("Error should be castable to *DimensionError")
	}
}

func TestWrapAndIs(t *testing.T) {
	wrapped := Wrap(ErrEmptyData, "loading metadata")
	if !Is(wrapped, ErrEmptyData) {
		t.Error("Wrap should preserve the sentinel")
	}
	if !strings.Contains(wrapped.Error(), "loading metadata") {
		t.Errorf("unexpected message: %v", wrapped)
	}

	wrappedf := Wrapf(ErrUnknownModel, "model %q", "svm")
	if !Is(wrappedf, ErrUnknownModel) {
		t.Error("Wrapf should preserve the sentinel")
	}
}

func TestWarnUsesZerologWhenSet(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	SetZerologWarnFunc(func(w error) {
		ev := logger.Warn()
		if m, ok := w.(zerolog.LogObjectMarshaler); ok {
			ev = ev.EmbedObject(m)
		}
		ev.Msg(w.Error())
	})
	defer SetZerologWarnFunc(nil)

	Warn(NewTeardownWarning("ledger", fmt.Errorf("file busy")))

	out := buf.String()
	if !strings.Contains(out, `"type":"TeardownWarning"`) {
		t.Errorf("expected structured warning, got %s", out)
	}
	if !strings.Contains(out, `"resource":"ledger"`) {
		t.Errorf("expected resource field, got %s", out)
	}
}

func TestWarnFallsBackToHandler(t *testing.T) {
	var got error
	SetWarningHandler(func(w error) { got = w })
	defer SetWarningHandler(func(w error) {})

	w := NewConvergenceWarning("LogisticRegression", 100, "")
	Warn(w)

	if got != w {
		t.Errorf("handler received %v, want %v", got, w)
	}
}

func TestCheckScalar(t *testing.T) {
	if err := CheckScalar("objective", 0.5); err != nil {
		t.Errorf("finite value should pass: %v", err)
	}
	nan := 0.0
	nan = nan / nan
	if err := CheckScalar("objective", nan); err == nil {
		t.Error("NaN should be rejected")
	}
}
