package knn

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strconv"
)

//go:embed iris.csv
var irisCSV []byte

var (
	ErrEmptyDataset = errors.New("empty dataset")
	ErrDimension    = errors.New("feature dimension mismatch")
)

// Species maps iris class labels to names.
var Species = []string{"setosa", "versicolor", "virginica"}

// SpeciesName returns the iris species for label, or "unknown".
func SpeciesName(label int) string {
	if label < 0 || label >= len(Species) {
		return "unknown"
	}
	return Species[label]
}

// Dataset is a labelled feature matrix. Row i of Features has target Targets[i].
type Dataset struct {
	Columns  []string    `json:"columns"`
	Features [][]float64 `json:"features"`
	Targets  []int       `json:"targets"`
}

func (d Dataset) Len() int { return len(d.Features) }

// Validate checks that the dataset is rectangular and every row is labelled.
func (d Dataset) Validate() error {
	if len(d.Features) == 0 {
		return ErrEmptyDataset
	}
	if len(d.Features) != len(d.Targets) {
		return fmt.Errorf("%d rows but %d targets", len(d.Features), len(d.Targets))
	}
	dim := len(d.Features[0])
	for i, row := range d.Features {
		if len(row) != dim {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrDimension, i, len(row), dim)
		}
	}
	return nil
}

// Classes returns the distinct targets in ascending order.
func (d Dataset) Classes() []int {
	seen := make(map[int]bool)
	var classes []int
	for _, t := range d.Targets {
		if !seen[t] {
			seen[t] = true
			classes = append(classes, t)
		}
	}
	sort.Ints(classes)
	return classes
}

func (d Dataset) subset(rows []int) Dataset {
	out := Dataset{
		Columns:  d.Columns,
		Features: make([][]float64, len(rows)),
		Targets:  make([]int, len(rows)),
	}
	for i, r := range rows {
		out.Features[i] = append([]float64(nil), d.Features[r]...)
		out.Targets[i] = d.Targets[r]
	}
	return out
}

// LoadIris parses the embedded iris dataset: 150 rows, four features, three classes.
func LoadIris() (Dataset, error) {
	return ReadCSV(bytes.NewReader(irisCSV))
}

// ReadCSV reads a header row followed by numeric feature columns, the last
// column being the integer target.
func ReadCSV(r io.Reader) (Dataset, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return Dataset{}, fmt.Errorf("reading csv: %w", err)
	}
	if len(records) < 2 {
		return Dataset{}, ErrEmptyDataset
	}
	header := records[0]
	if len(header) < 2 {
		return Dataset{}, fmt.Errorf("csv needs at least one feature and a target column, got %d columns", len(header))
	}
	d := Dataset{Columns: header[:len(header)-1]}
	for line, rec := range records[1:] {
		if len(rec) != len(header) {
			return Dataset{}, fmt.Errorf("%w: line %d has %d fields", ErrDimension, line+2, len(rec))
		}
		row := make([]float64, len(rec)-1)
		for i, field := range rec[:len(rec)-1] {
			row[i], err = strconv.ParseFloat(field, 64)
			if err != nil {
				return Dataset{}, fmt.Errorf("line %d column %s: %w", line+2, header[i], err)
			}
		}
		target, err := strconv.Atoi(rec[len(rec)-1])
		if err != nil {
			return Dataset{}, fmt.Errorf("line %d target: %w", line+2, err)
		}
		d.Features = append(d.Features, row)
		d.Targets = append(d.Targets, target)
	}
	return d, nil
}

// Split partitions d into train and test sets, preserving class proportions.
// Each class contributes round(n*testSize) rows to the test set, chosen by a
// shuffle seeded with seed, so equal seeds give equal splits.
func Split(d Dataset, testSize float64, seed int64) (train, test Dataset, err error) {
	if err := d.Validate(); err != nil {
		return Dataset{}, Dataset{}, err
	}
	if testSize <= 0 || testSize >= 1 {
		return Dataset{}, Dataset{}, fmt.Errorf("test size must be in (0, 1), got %v", testSize)
	}

	byClass := make(map[int][]int)
	for i, t := range d.Targets {
		byClass[t] = append(byClass[t], i)
	}

	rng := rand.New(rand.NewSource(seed))
	var trainRows, testRows []int
	for _, class := range d.Classes() {
		rows := byClass[class]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		n := int(math.Round(float64(len(rows)) * testSize))
		if n == 0 || n == len(rows) {
			return Dataset{}, Dataset{}, fmt.Errorf("class %d has %d rows, too few to split at %v", class, len(rows), testSize)
		}
		testRows = append(testRows, rows[:n]...)
		trainRows = append(trainRows, rows[n:]...)
	}
	rng.Shuffle(len(trainRows), func(i, j int) { trainRows[i], trainRows[j] = trainRows[j], trainRows[i] })
	rng.Shuffle(len(testRows), func(i, j int) { testRows[i], testRows[j] = testRows[j], testRows[i] })
	return d.subset(trainRows), d.subset(testRows), nil
}
