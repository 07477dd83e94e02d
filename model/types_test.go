package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComparisonValueCompare(t *testing.T) {
	// 1. Int vs int compares exactly
	assert.Equal(t, -1, Int(1).Compare(Int(2)))
	assert.Equal(t, 1, Int(2).Compare(Int(1)))
	assert.Equal(t, 0, Int(2).Compare(Int(2)))

	// 2. Negative values
	assert.Equal(t, -1, Int(-50).Compare(Int(-10)))

	// 3. Mixed widens to float64
	assert.Equal(t, 0, Int(2).Compare(Float(2.0)))
	assert.Equal(t, -1, Int(2).Compare(Float(2.5)))
	assert.Equal(t, 1, Float(2.5).Compare(Int(2)))

	// 4. Large int64 values survive exact comparison
	a := Int(1 << 60)
	b := Int(1<<60 + 1)
	assert.Equal(t, -1, a.Compare(b))
}

func TestComparisonValueFloat64(t *testing.T) {
	assert.Equal(t, 42.0, Int(42).Float64())
	assert.Equal(t, 1.5, Float(1.5).Float64())
}

func TestComparisonValueString(t *testing.T) {
	assert.Equal(t, "42", Int(42).String())
	assert.Equal(t, "1.5", Float(1.5).String())
}

func TestPrimaryKeyString(t *testing.T) {
	assert.Equal(t, "[a 1 true]", PrimaryKey{"a", int64(1), true}.String())
}
