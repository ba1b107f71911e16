// Package report accumulates the results of the off-policy evaluation experiments, and writes them as CSV
// tables and plots.
package report

import (
	"encoding/csv"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/generics"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ope"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Trial is the result of evaluating one policy on one dataset with every estimator.
type Trial struct {
	Epsilon         float64
	NumTrajectories int
	TrialNum        int

	// Exact value of the policy, and the estimates.
	Exact, FQE    float64
	Approx, Known ope.Estimates
}

// Estimator is a named estimate extracted from a Trial.
type Estimator struct {
	Name  string
	Value func(t *Trial) float64
}

// Estimators reported, in the order of the CSV columns.
var Estimators = []Estimator{
	{"fqe", func(t *Trial) float64 { return t.FQE }},
	{"approx_ips", func(t *Trial) float64 { return t.Approx.IS }},
	{"exact_ips", func(t *Trial) float64 { return t.Known.IS }},
	{"approx_pdis", func(t *Trial) float64 { return t.Approx.PDIS }},
	{"exact_pdis", func(t *Trial) float64 { return t.Known.PDIS }},
	{"approx_wis", func(t *Trial) float64 { return t.Approx.WeightedIS }},
	{"exact_wis", func(t *Trial) float64 { return t.Known.WeightedIS }},
	{"approx_wpdis", func(t *Trial) float64 { return t.Approx.WeightedPDIS }},
	{"exact_wpdis", func(t *Trial) float64 { return t.Known.WeightedPDIS }},
}

// Error of the estimator in the trial: estimate - exact.
func (e Estimator) Error(t *Trial) float64 {
	return e.Value(t) - t.Exact
}

// Trials accumulates the trials of an experiment.
type Trials struct {
	Rows []*Trial
}

// Add a trial.
func (ts *Trials) Add(t *Trial) {
	ts.Rows = append(ts.Rows, t)
}

// Header of the CSV table.
func Header() []string {
	header := []string{"epsilon", "num_trajectories", "trial_num", "exact"}
	for _, e := range Estimators {
		header = append(header, e.Name)
	}
	return header
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes one row per trial, with the exact value and the error of every estimator.
func (ts *Trials) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header()); err != nil {
		return errors.Wrap(err, "failed to write CSV header")
	}
	for _, t := range ts.Rows {
		record := []string{
			formatFloat(t.Epsilon),
			strconv.Itoa(t.NumTrajectories),
			strconv.Itoa(t.TrialNum),
			formatFloat(t.Exact),
		}
		for _, e := range Estimators {
			record = append(record, formatFloat(e.Error(t)))
		}
		if err := writer.Write(record); err != nil {
			return errors.Wrapf(err, "failed to write CSV row for trial %d", t.TrialNum)
		}
	}
	writer.Flush()
	return errors.Wrap(writer.Error(), "failed to flush CSV")
}

// SaveCSV writes the table to a file.
func (ts *Trials) SaveCSV(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
	}()
	return ts.WriteCSV(f)
}

// Stats of the errors of one estimator, for one number of trajectories.
type Stats struct {
	Mean, StdDev float64
}

// Summary of the errors of every estimator, per number of trajectories.
type Summary struct {
	NumTrajectories []int

	// Errors[estimator name][i] for NumTrajectories[i].
	Errors map[string][]Stats
}

// Summarize groups the trials by number of trajectories.
func (ts *Trials) Summarize() *Summary {
	groups := make(map[int][]*Trial)
	for _, t := range ts.Rows {
		groups[t.NumTrajectories] = append(groups[t.NumTrajectories], t)
	}
	s := &Summary{
		NumTrajectories: slices.Collect(generics.SortedKeys(groups)),
		Errors:          make(map[string][]Stats, len(Estimators)),
	}
	for _, e := range Estimators {
		stats := make([]Stats, 0, len(s.NumTrajectories))
		for _, n := range s.NumTrajectories {
			errs := generics.SliceMap(groups[n], e.Error)
			mean, std := stat.MeanStdDev(errs, nil)
			if len(errs) < 2 {
				std = 0
			}
			stats = append(stats, Stats{Mean: mean, StdDev: std})
		}
		s.Errors[e.Name] = stats
	}
	return s
}

// Names of the estimators in the summary, in the order of Estimators.
func (s *Summary) Names() []string {
	names := make([]string, 0, len(s.Errors))
	for _, e := range Estimators {
		if _, found := s.Errors[e.Name]; found {
			names = append(names, e.Name)
		}
	}
	return names
}
