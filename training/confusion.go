package training

import (
	"fmt"
	"io"
)

// ConfusionMatrix counts predictions per [true class][predicted class]
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int
	Total      int
}

// NewConfusionMatrix creates an empty matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Update adds a batch of class predictions. Out-of-range classes are an error.
func (cm *ConfusionMatrix) Update(predicted, truth []int) error {
	if len(predicted) != len(truth) {
		return fmt.Errorf("length mismatch: %d predictions, %d labels", len(predicted), len(truth))
	}
	for i := range predicted {
		p, t := predicted[i], truth[i]
		if p < 0 || p >= cm.NumClasses || t < 0 || t >= cm.NumClasses {
			return fmt.Errorf("sample %d: class out of range [0, %d): predicted %d, true %d", i, cm.NumClasses, p, t)
		}
		cm.Matrix[t][p]++
		cm.Total++
	}
	return nil
}

// Accuracy is the fraction of samples on the diagonal
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Total == 0 {
		return 0
	}
	correct := 0
	for c := 0; c < cm.NumClasses; c++ {
		correct += cm.Matrix[c][c]
	}
	return float64(correct) / float64(cm.Total)
}

// Precision of one class: tp / (tp + fp)
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for t := 0; t < cm.NumClasses; t++ {
		predicted += cm.Matrix[t][class]
	}
	return ratio(tp, predicted)
}

// Recall of one class: tp / (tp + fn)
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp := cm.Matrix[class][class]
	actual := 0
	for p := 0; p < cm.NumClasses; p++ {
		actual += cm.Matrix[class][p]
	}
	return ratio(tp, actual)
}

// F1 of one class
func (cm *ConfusionMatrix) F1(class int) float64 {
	p, r := cm.Precision(class), cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// MacroF1 averages F1 over the classes that occur in truth or predictions
func (cm *ConfusionMatrix) MacroF1() float64 {
	var sum float64
	classes := 0
	for c := 0; c < cm.NumClasses; c++ {
		if !cm.seen(c) {
			continue
		}
		sum += cm.F1(c)
		classes++
	}
	if classes == 0 {
		return 0
	}
	return sum / float64(classes)
}

func (cm *ConfusionMatrix) seen(class int) bool {
	for i := 0; i < cm.NumClasses; i++ {
		if cm.Matrix[class][i] > 0 || cm.Matrix[i][class] > 0 {
			return true
		}
	}
	return false
}

// WriteClassificationReport prints per-class precision, recall and F1
func WriteClassificationReport(w io.Writer, cm *ConfusionMatrix) {
	fmt.Fprintf(w, "%-8s %10s %10s %10s %8s\n", "class", "precision", "recall", "f1", "support")
	for c := 0; c < cm.NumClasses; c++ {
		support := 0
		for p := 0; p < cm.NumClasses; p++ {
			support += cm.Matrix[c][p]
		}
		fmt.Fprintf(w, "%-8d %10.4f %10.4f %10.4f %8d\n", c, cm.Precision(c), cm.Recall(c), cm.F1(c), support)
	}
	fmt.Fprintf(w, "accuracy = %.4f  macro_f1 = %.4f  samples = %d\n", cm.Accuracy(), cm.MacroF1(), cm.Total)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
