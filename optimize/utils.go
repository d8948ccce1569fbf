package optimize

import (
	"bufio"
	"strconv"
	"strings"
)

// ReadFloats converts string of floats into slice of float64.
func ReadFloats(s string) ([]float64, error) {
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Split(bufio.ScanWords)
	var result []float64
	for scanner.Scan() {
		x, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return result, err
		}
		result = append(result, x)
	}
	return result, scanner.Err()
}

// NewOptimizer creates an optimizer by method name.
func NewOptimizer(method string) (Optimizer, bool) {
	switch method {
	case "simplex", "fmin":
		return NewDS(), true
	case "powell":
		return NewPowell(), true
	case "lbfgsb":
		return NewLBFGSB(), true
	case "bfgs":
		return NewBFGS(), true
	case "none":
		return NewNone(), true
	}
	return nil, false
}
