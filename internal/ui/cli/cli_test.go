package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyGrid(t *testing.T) {
	l, err := lake.New(lake.DefaultConfig(), nil)
	require.NoError(t, err)
	actions := make([]int, l.NumStates())
	actions[0] = lake.Down
	actions[14] = lake.Right
	p, err := policy.NewFixed(actions, l.NumActions())
	require.NoError(t, err)

	ui := NewWithWriter(false, nil)
	lines := strings.Split(strings.TrimRight(ui.PolicyGrid(l, p), "\n"), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Equal(t, 4*CharsPerColumn, displayWidth(line))
	}
	assert.Equal(t, []string{"↓", "←", "←", "←"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"←", "H", "←", "H"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"H", "←", "→", "G"}, strings.Fields(lines[3]))

	colored := NewWithWriter(true, nil).PolicyGrid(l, p)
	for ii, line := range strings.Split(strings.TrimRight(colored, "\n"), "\n") {
		assert.Equal(t, 4*CharsPerColumn, displayWidth(line), "line %d", ii)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	ui := NewWithWriter(false, &buf)
	ui.Print("a\n\nb\n")
	assert.Equal(t, "a\n\nb\n", buf.String())

	buf.Reset()
	ts := &report.Trials{}
	ts.Add(&report.Trial{NumTrajectories: 50, Exact: -1, FQE: -0.9})
	ui.Print(ui.SummaryTable(ts.Summarize()))
	assert.Contains(t, buf.String(), "fqe")
	assert.Contains(t, buf.String(), "+0.1000±0.0000")
	assert.Equal(t, "*** done ***", ui.Banner("done"))
}
