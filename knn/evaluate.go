package knn

import (
	"fmt"
	"strings"
)

type ClassMetrics struct {
	Label     int     `json:"label"`
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report summarises a model's predictions over a labelled test set.
type Report struct {
	Accuracy float64 `json:"accuracy"`
	// Labels orders the rows and columns of Confusion.
	Labels []int `json:"labels"`
	// Confusion[i][j] counts samples of Labels[i] predicted as Labels[j].
	Confusion   [][]int        `json:"confusion"`
	Classes     []ClassMetrics `json:"classes"`
	MacroAvg    ClassMetrics   `json:"macro_avg"`
	WeightedAvg ClassMetrics   `json:"weighted_avg"`
}

// Evaluate predicts every row of test and scores the result.
func Evaluate(m *Model, test Dataset) (Report, error) {
	if err := test.Validate(); err != nil {
		return Report{}, fmt.Errorf("evaluating: %w", err)
	}
	pred, err := m.Predict(test.Features)
	if err != nil {
		return Report{}, err
	}
	return Score(test.Targets, pred)
}

// Score compares predicted labels with the true ones. Both slices must have
// the same length.
func Score(truth, pred []int) (Report, error) {
	if len(truth) != len(pred) {
		return Report{}, fmt.Errorf("%w: %d labels, %d predictions", ErrDimension, len(truth), len(pred))
	}
	labels := Dataset{Targets: append(append([]int(nil), truth...), pred...)}.Classes()
	pos := make(map[int]int, len(labels))
	for i, l := range labels {
		pos[l] = i
	}

	r := Report{Labels: labels, Confusion: make([][]int, len(labels))}
	for i := range r.Confusion {
		r.Confusion[i] = make([]int, len(labels))
	}
	correct := 0
	for i := range truth {
		r.Confusion[pos[truth[i]]][pos[pred[i]]]++
		if truth[i] == pred[i] {
			correct++
		}
	}
	if len(truth) > 0 {
		r.Accuracy = float64(correct) / float64(len(truth))
	}

	r.MacroAvg.Name, r.WeightedAvg.Name = "macro avg", "weighted avg"
	for i, l := range labels {
		tp := r.Confusion[i][i]
		var predicted, actual int
		for j := range labels {
			predicted += r.Confusion[j][i]
			actual += r.Confusion[i][j]
		}
		c := ClassMetrics{
			Label:     l,
			Name:      SpeciesName(l),
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, actual),
			Support:   actual,
		}
		if c.Precision+c.Recall > 0 {
			c.F1 = 2 * c.Precision * c.Recall / (c.Precision + c.Recall)
		}
		r.Classes = append(r.Classes, c)

		n := float64(len(labels))
		r.MacroAvg.Precision += c.Precision / n
		r.MacroAvg.Recall += c.Recall / n
		r.MacroAvg.F1 += c.F1 / n
		r.MacroAvg.Support += c.Support
		if len(truth) > 0 {
			w := float64(c.Support) / float64(len(truth))
			r.WeightedAvg.Precision += c.Precision * w
			r.WeightedAvg.Recall += c.Recall * w
			r.WeightedAvg.F1 += c.F1 * w
		}
		r.WeightedAvg.Support += c.Support
	}
	return r, nil
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// String renders the report as a plain-text classification report followed by
// the confusion matrix.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%14s %10s %10s %10s %10s\n\n", "", "precision", "recall", "f1-score", "support")
	for _, c := range r.Classes {
		fmt.Fprintf(&b, "%14s %10.2f %10.2f %10.2f %10d\n", c.Name, c.Precision, c.Recall, c.F1, c.Support)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%14s %10s %10s %10.2f %10d\n", "accuracy", "", "", r.Accuracy, r.WeightedAvg.Support)
	for _, avg := range []ClassMetrics{r.MacroAvg, r.WeightedAvg} {
		fmt.Fprintf(&b, "%14s %10.2f %10.2f %10.2f %10d\n", avg.Name, avg.Precision, avg.Recall, avg.F1, avg.Support)
	}

	b.WriteString("\nconfusion matrix (rows: true, columns: predicted)\n")
	fmt.Fprintf(&b, "%14s", "")
	for _, l := range r.Labels {
		fmt.Fprintf(&b, " %10s", SpeciesName(l))
	}
	b.WriteString("\n")
	for i, l := range r.Labels {
		fmt.Fprintf(&b, "%14s", SpeciesName(l))
		for _, n := range r.Confusion[i] {
			fmt.Fprintf(&b, " %10d", n)
		}
		b.WriteString("\n")
	}
	return b.String()
}
