package tracking

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidCost is returned when the cost matrix or limit holds NaN or ±Inf.
var ErrInvalidCost = errors.New("tracking: non-finite assignment cost")

// Assignment is the result of a gated minimum-cost matching.
type Assignment struct {
	Matches       [][2]int // (row, col)
	UnmatchedRows []int
	UnmatchedCols []int
}

// Assign solves the rectangular assignment problem for a rows×cols cost
// matrix. A pairing whose cost exceeds limit is never returned: the problem
// is extended to (rows+cols)² with "no match" entries costing limit/2, so
// leaving a row and a column both unmatched costs exactly limit.
//
// cost may be nil when rows or cols is zero.
func Assign(cost *mat.Dense, rows, cols int, limit float64) (Assignment, error) {
	if rows == 0 || cols == 0 || cost == nil {
		return Assignment{
			UnmatchedRows: indexRange(rows),
			UnmatchedCols: indexRange(cols),
		}, nil
	}
	if r, c := cost.Dims(); r != rows || c != cols {
		return Assignment{}, errors.New("tracking: cost matrix dimensions mismatch")
	}
	if math.IsNaN(limit) || math.IsInf(limit, -1) {
		return Assignment{}, ErrInvalidCost
	}

	maxCost := 0.0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := cost.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Assignment{}, ErrInvalidCost
			}
			maxCost = math.Max(maxCost, v)
		}
	}

	pad := limit / 2
	if math.IsInf(limit, 1) {
		// Ungated: any real pairing is cheaper than leaving both sides open.
		pad = (maxCost + 1) / 2
	}

	n := rows + cols
	ext := make([][]float64, n)
	for i := 0; i < n; i++ {
		ext[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			switch {
			case i < rows && j < cols:
				ext[i][j] = cost.At(i, j)
			case i >= rows && j >= cols:
				ext[i][j] = 0
			default:
				ext[i][j] = pad
			}
		}
	}

	rowAssign := hungarian(ext)

	var out Assignment
	colUsed := make([]bool, cols)
	for i := 0; i < rows; i++ {
		j := rowAssign[i]
		if j >= 0 && j < cols && cost.At(i, j) <= limit {
			out.Matches = append(out.Matches, [2]int{i, j})
			colUsed[j] = true
			continue
		}
		out.UnmatchedRows = append(out.UnmatchedRows, i)
	}
	for j := 0; j < cols; j++ {
		if !colUsed[j] {
			out.UnmatchedCols = append(out.UnmatchedCols, j)
		}
	}
	return out, nil
}

// hungarian runs Kuhn-Munkres with row/column potentials on a square
// matrix and returns assign[row] = col. Arrays are 1-indexed internally;
// index 0 is the virtual column.
func hungarian(c [][]float64) []int {
	n := len(c)
	const inf = math.MaxFloat64 / 2

	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = row owning column j
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		for j := 0; j <= n; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := 0

			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	for j := 1; j <= n; j++ {
		if p[j] > 0 {
			assign[p[j]-1] = j - 1
		}
	}
	return assign
}

func indexRange(n int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
