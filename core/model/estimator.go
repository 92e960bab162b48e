package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる。
	// y は n×1 の列ベクトルで、各値はクラスの密なインデックス (0..C-1)。
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行い、n×1 のクラスインデックスを返す
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// Classifier はハイパーパラメータ探索の対象となる分類器の最小インターフェース
type Classifier interface {
	Fitter
	Predictor
}

// ProbabilisticClassifier はクラス確率を返せる分類器
type ProbabilisticClassifier interface {
	Classifier
	PredictProba(X mat.Matrix) (mat.Matrix, error)
}

// FeatureImportancer は学習済みモデルが特徴量重要度を公開する場合に実装する。
// 返り値の長さは特徴量数と等しく、合計は 1 に正規化されている。
type FeatureImportancer interface {
	FeatureImportances() []float64
}

// Transformer はデータ変換のインターフェース
type Transformer interface {
	// Fit は変換に必要なパラメータを学習する
	Fit(X mat.Matrix) error

	// Transform はデータを変換する
	Transform(X mat.Matrix) (mat.Matrix, error)

	// FitTransform はFitとTransformを同時に実行する
	FitTransform(X mat.Matrix) (mat.Matrix, error)
}

// Factory は与えられたハイパーパラメータから未学習の分類器を生成する。
// 探索中はトライアルごと・分割ごとに新しいインスタンスが生成される。
type Factory func(params Params) (Classifier, error)
