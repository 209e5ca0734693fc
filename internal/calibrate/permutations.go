// Package calibrate runs calibration sweeps: it expands a grid of candidate
// input values, runs an external model once per combination, scores each run
// against target outputs and keeps the best-scoring run.
package calibrate

import (
	"fmt"
	"math"
	"strings"
)

// DefaultMaxPermutations caps the size of a generated sweep when the caller
// does not supply a limit.
const DefaultMaxPermutations = 10000

// rangeTolerance absorbs floating-point error at the inclusive upper bound,
// so that 0.1..0.3 step 0.1 yields three values rather than two.
const rangeTolerance = 1e-9

// RangeCount returns floor((max-min)/step)+1, the number of values in the
// inclusive range, or 0 when the range is empty or the step is not positive.
func RangeCount(min, max, step float64) int {
	if step <= 0 || min > max {
		return 0
	}
	return int(math.Floor((max-min)/step+rangeTolerance)) + 1
}

// GenerateRange returns the ascending values min, min+step, ... up to and
// including max.
func GenerateRange(min, max, step float64) []float64 {
	n := RangeCount(min, max, step)
	if n == 0 {
		return nil
	}
	result := make([]float64, n)
	for i := range result {
		// Multiplying rather than accumulating keeps drift out of long ranges.
		result[i] = snapToStep(min+float64(i)*step, step)
	}
	return result
}

// snapToStep rounds v to nine significant digits below the leading digit of
// step, which removes representation noise such as 0.30000000000000004
// without merging values that differ by a step. Values that cannot be scaled
// exactly are returned unchanged.
func snapToStep(v, step float64) float64 {
	digits := 9 - int(math.Floor(math.Log10(step)))
	if digits < 0 {
		digits = 0
	}
	if digits > 22 {
		// 1e22 is the largest exactly representable power of ten.
		return v
	}
	scale := math.Pow10(digits)
	scaled := v * scale
	if math.Abs(scaled) >= 1<<53 {
		return v
	}
	return math.Round(scaled) / scale
}

// ParameterSet is one concrete assignment of values to every swept input.
// It is produced only by Generate and is never mutated afterwards.
type ParameterSet struct {
	index  int
	inputs []SweepParameterSpec
	values []float64
}

// Index is the position of the set in generation order.
func (p ParameterSet) Index() int { return p.index }

// Len returns the number of swept inputs.
func (p ParameterSet) Len() int { return len(p.inputs) }

// Name returns the name of the i-th swept input in declaration order.
func (p ParameterSet) Name(i int) string { return p.inputs[i].Name }

// Input returns the definition of the i-th swept input.
func (p ParameterSet) Input(i int) SweepParameterSpec { return p.inputs[i] }

// At returns the value of the i-th swept input in declaration order.
func (p ParameterSet) At(i int) float64 { return p.values[i] }

// Value looks a swept input up by name.
func (p ParameterSet) Value(name string) (float64, bool) {
	for i, in := range p.inputs {
		if in.Name == name {
			return p.values[i], true
		}
	}
	return 0, false
}

// Values returns a copy of the assignment keyed by input name.
func (p ParameterSet) Values() map[string]float64 {
	m := make(map[string]float64, len(p.inputs))
	for i, in := range p.inputs {
		m[in.Name] = p.values[i]
	}
	return m
}

func (p ParameterSet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d{", p.index)
	for i, in := range p.inputs {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%g", in.Name, p.values[i])
	}
	b.WriteByte('}')
	return b.String()
}

// Generate expands the swept inputs into their full cross product. The
// first-declared input varies slowest and the last-declared fastest; the
// output order is fully determined by the inputs. An error is returned when
// the product would exceed maxPermutations (DefaultMaxPermutations if <= 0).
func Generate(inputs []SweepParameterSpec, maxPermutations int) ([]ParameterSet, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if maxPermutations <= 0 {
		maxPermutations = DefaultMaxPermutations
	}

	specs := append([]SweepParameterSpec(nil), inputs...)
	values := make([][]float64, len(inputs))
	total := int64(1)
	for i, in := range specs {
		values[i] = GenerateRange(in.Min, in.Max, in.Step)
		if len(values[i]) == 0 {
			return nil, fmt.Errorf("input %q has an empty range [%g, %g] step %g", in.Name, in.Min, in.Max, in.Step)
		}
		total *= int64(len(values[i]))
		if total > int64(maxPermutations) || total < 0 {
			return nil, fmt.Errorf("parameter combinations would exceed safe limit of %d", maxPermutations)
		}
	}

	// Each set gets its own row of a single backing array.
	backing := make([]float64, int(total)*len(inputs))
	sets := make([]ParameterSet, total)
	for i := range sets {
		sets[i] = ParameterSet{
			index:  i,
			inputs: specs,
			values: backing[i*len(inputs) : (i+1)*len(inputs) : (i+1)*len(inputs)],
		}
	}

	repeat := int64(1)
	for dim := len(inputs) - 1; dim >= 0; dim-- {
		vals := values[dim]
		cycle := int64(len(vals))
		for i := int64(0); i < total; i++ {
			sets[i].values[dim] = vals[(i/repeat)%cycle]
		}
		repeat *= cycle
	}

	return sets, nil
}
