// Package fibonacci implements several Fibonacci computation strategies
// behind a common interface. It is a self-contained demo module with no
// coupling to the allocation service.
package fibonacci

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
)

// ErrNegativeInput is returned for n < 0.
var ErrNegativeInput = errors.New("n must not be negative")

// Strategy computes the n-th Fibonacci number.
type Strategy interface {
	Calculate(n int) *big.Int
	Name() string
}

// MemoizationStrategy caches intermediate results. O(n) time, O(n) space.
type MemoizationStrategy struct {
	mu   sync.Mutex
	memo map[int]*big.Int
}

// NewMemoizationStrategy constructs an empty memoized calculator.
func NewMemoizationStrategy() *MemoizationStrategy {
	return &MemoizationStrategy{memo: make(map[int]*big.Int)}
}

func (s *MemoizationStrategy) Calculate(n int) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculate(n)
}

func (s *MemoizationStrategy) calculate(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(0)
	}
	if n == 1 {
		return big.NewInt(1)
	}
	if v, ok := s.memo[n]; ok {
		return v
	}
	v := new(big.Int).Add(s.calculate(n-1), s.calculate(n-2))
	s.memo[n] = v
	return v
}

func (s *MemoizationStrategy) Name() string { return "memoization" }

// IterativeStrategy walks the sequence. O(n) time, O(1) space.
type IterativeStrategy struct{}

func (IterativeStrategy) Calculate(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(0)
	}
	if n == 1 {
		return big.NewInt(1)
	}
	prev := big.NewInt(0)
	current := big.NewInt(1)
	for i := 2; i <= n; i++ {
		prev, current = current, new(big.Int).Add(prev, current)
	}
	return current
}

func (IterativeStrategy) Name() string { return "iterative" }

// MatrixStrategy raises [[1,1],[1,0]] to the (n-1)-th power.
// O(log n) multiplications.
type MatrixStrategy struct{}

type matrix2 [2][2]*big.Int

func (MatrixStrategy) Calculate(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(0)
	}
	if n == 1 {
		return big.NewInt(1)
	}
	base := matrix2{
		{big.NewInt(1), big.NewInt(1)},
		{big.NewInt(1), big.NewInt(0)},
	}
	m := matrixPower(base, n-1)
	return m[0][0]
}

func matrixPower(m matrix2, power int) matrix2 {
	if power == 0 {
		return matrix2{
			{big.NewInt(1), big.NewInt(0)},
			{big.NewInt(0), big.NewInt(1)},
		}
	}
	if power == 1 {
		return m
	}
	half := matrixPower(m, power/2)
	result := matrixMultiply(half, half)
	if power%2 == 1 {
		result = matrixMultiply(result, m)
	}
	return result
}

func matrixMultiply(a, b matrix2) matrix2 {
	var out matrix2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			cell := new(big.Int).Mul(a[i][0], b[0][j])
			cell.Add(cell, new(big.Int).Mul(a[i][1], b[1][j]))
			out[i][j] = cell
		}
	}
	return out
}

func (MatrixStrategy) Name() string { return "matrix" }

// BinetStrategy uses the closed-form formula. O(1) but float64 precision
// limits it to roughly F(78).
type BinetStrategy struct{}

func (BinetStrategy) Calculate(n int) *big.Int {
	if n <= 0 {
		return big.NewInt(0)
	}
	if n == 1 {
		return big.NewInt(1)
	}
	sqrt5 := math.Sqrt(5)
	phi := (1 + sqrt5) / 2
	psi := (1 - sqrt5) / 2
	result := (math.Pow(phi, float64(n)) - math.Pow(psi, float64(n))) / sqrt5
	v, _ := big.NewFloat(math.Round(result)).Int(nil)
	return v
}

func (BinetStrategy) Name() string { return "binet" }

// StrategyByName resolves a strategy from its request parameter. An empty
// name selects memoization, matching the default strategy.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "memoization":
		return NewMemoizationStrategy(), nil
	case "iterative":
		return IterativeStrategy{}, nil
	case "matrix":
		return MatrixStrategy{}, nil
	case "binet":
		return BinetStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// Service validates input and delegates to a strategy.
type Service struct {
	strategy Strategy
}

// NewService constructs a Service. A nil strategy selects memoization.
func NewService(strategy Strategy) *Service {
	if strategy == nil {
		strategy = NewMemoizationStrategy()
	}
	return &Service{strategy: strategy}
}

// Calculate returns F(n) or ErrNegativeInput.
func (s *Service) Calculate(n int) (*big.Int, error) {
	if n < 0 {
		return nil, ErrNegativeInput
	}
	return s.strategy.Calculate(n), nil
}

// StrategyName reports which strategy is in use.
func (s *Service) StrategyName() string {
	return s.strategy.Name()
}
