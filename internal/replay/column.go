package replay

import (
	"fmt"

	"github.com/pkg/errors"
)

// Key names one field of the transitions.
type Key string

const (
	KeyX      Key = "x"
	KeyA      Key = "a"
	KeyXPrime Key = "x_prime"
	KeyC      Key = "c"
	KeyG      Key = "g"
	KeyDone   Key = "done"
	KeyCost   Key = "cost"
)

// Keys lists all fields extracted by Preprocess, in a fixed order.
var Keys = []Key{KeyX, KeyA, KeyXPrime, KeyC, KeyG, KeyDone, KeyCost}

// DomainKind selects how state-action pairs are assembled.
type DomainKind int

const (
	// DomainLake is a discrete grid domain, where states are one-hot (or index) frames.
	DomainLake DomainKind = iota

	// DomainCar is a visual domain, where states are stacks of images.
	DomainCar
)

// String implements fmt.Stringer.
func (k DomainKind) String() string {
	switch k {
	case DomainLake:
		return "lake"
	case DomainCar:
		return "car"
	default:
		return fmt.Sprintf("DomainKind(%d)", int(k))
	}
}

// ParseDomainKind converts "lake" or "car" to a DomainKind.
func ParseDomainKind(s string) (DomainKind, error) {
	switch s {
	case "lake":
		return DomainLake, nil
	case "car":
		return DomainCar, nil
	}
	return 0, errors.Errorf("unknown domain kind %q, valid values are \"lake\" and \"car\"", s)
}

// Column is a row-major view of one field across transitions.
// Scalar fields (one value per transition) have Width 1.
type Column struct {
	Rows, Width int
	Values      []float32
}

// Row returns the values of row i. It shares storage with the column.
func (c Column) Row(i int) []float32 {
	return c.Values[i*c.Width : (i+1)*c.Width]
}

// RowsSlice returns all rows as slices that share storage with the column.
func (c Column) RowsSlice() [][]float32 {
	rows := make([][]float32, c.Rows)
	for i := range rows {
		rows[i] = c.Row(i)
	}
	return rows
}

// Clone returns a deep copy of the column.
func (c Column) Clone() Column {
	values := make([]float32, len(c.Values))
	copy(values, c.Values)
	return Column{Rows: c.Rows, Width: c.Width, Values: values}
}

// Gather returns the rows selected by indices, as a new column.
func (c Column) Gather(indices []int) Column {
	out := Column{Rows: len(indices), Width: c.Width, Values: make([]float32, 0, len(indices)*c.Width)}
	for _, idx := range indices {
		out.Values = append(out.Values, c.Row(idx)...)
	}
	return out
}

// SelectColumn returns column idx of a multi-valued field, as a scalar column.
func (c Column) SelectColumn(idx int) (Column, error) {
	if idx < 0 || idx >= c.Width {
		return Column{}, errors.Errorf("column index %d out of range, field has width %d", idx, c.Width)
	}
	out := Column{Rows: c.Rows, Width: 1, Values: make([]float32, c.Rows)}
	for row := range c.Rows {
		out.Values[row] = c.Values[row*c.Width+idx]
	}
	return out, nil
}

// concatColumns stacks the rows of the given columns. Columns with no rows are skipped, and all others must
// have the same width.
func concatColumns(cols []Column) (Column, error) {
	out := Column{Width: -1}
	for ii, col := range cols {
		if col.Rows == 0 {
			continue
		}
		if out.Width == -1 {
			out.Width = col.Width
		} else if col.Width != out.Width {
			return Column{}, errors.Errorf("column %d has width %d, previous columns have width %d", ii, col.Width, out.Width)
		}
		out.Rows += col.Rows
		out.Values = append(out.Values, col.Values...)
	}
	if out.Width == -1 {
		out.Width = 0
	}
	return out, nil
}

// lagrangianCost returns c + g·lambda for every row.
func lagrangianCost(c, g Column, lambda []float32) (Column, error) {
	if g.Rows != c.Rows {
		return Column{}, errors.Errorf("cost field has %d rows but constraints field has %d", c.Rows, g.Rows)
	}
	if len(lambda) != g.Width {
		return Column{}, errors.Errorf("lambda has %d multipliers but there are %d constraints", len(lambda), g.Width)
	}
	out := Column{Rows: c.Rows, Width: 1, Values: make([]float32, c.Rows)}
	for row := range c.Rows {
		cost := c.Values[row]
		for ii, l := range lambda {
			cost += l * g.Values[row*g.Width+ii]
		}
		out.Values[row] = cost
	}
	return out, nil
}
