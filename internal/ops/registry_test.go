package ops

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func identity(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
	return src.Clone(), "identity", nil
}

func TestLookupReturnsRegisteredOperation(t *testing.T) {
	r := NewRegistry()
	op := New("identity", Basic, "", NoParams{}, identity)
	require.NoError(t, r.Register(op))

	got, err := r.Lookup("identity")
	require.NoError(t, err)
	assert.Same(t, op, got)
}

func TestLookupUnknownOperation(t *testing.T) {
	_, err := Default().Lookup("does_not_exist")
	var unknown *UnknownOperationError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "does_not_exist", unknown.Name)
	assert.EqualError(t, err, "unknown operation: does_not_exist")
}

func TestRegisterRejectsDuplicatesAcrossCategories(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("identity", Basic, "", NoParams{}, identity)))
	err := r.Register(New("identity", Color, "", NoParams{}, identity))
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterValidatesOperation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(New("", Basic, "", NoParams{}, identity)))
	assert.Error(t, r.Register(New("x", Category("misc"), "", NoParams{}, identity)))
	assert.Error(t, r.Register(&Operation{Name: "bare", Category: Basic}))
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	err := r.Register(New("identity", Basic, "", NoParams{}, identity))
	assert.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestListOrdersByCategoryThenName(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		New("zeta", Color, "", NoParams{}, identity),
		New("beta", Basic, "", NoParams{}, identity),
		New("alpha", Basic, "", NoParams{}, identity),
		New("gamma", Restoration, "", NoParams{}, identity),
	)
	assert.Equal(t, []Entry{
		{Name: "alpha", Category: Basic},
		{Name: "beta", Category: Basic},
		{Name: "zeta", Category: Color},
		{Name: "gamma", Category: Restoration},
	}, r.List())
	assert.Equal(t, map[Category][]string{
		Basic:       {"alpha", "beta"},
		Color:       {"zeta"},
		Restoration: {"gamma"},
	}, r.ByCategory())
}

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	grouped := r.ByCategory()
	for _, c := range Categories {
		assert.NotEmpty(t, grouped[c], "category %s", c)
	}
	assert.Len(t, grouped[Basic], 10)
	assert.Len(t, grouped[Advanced], 4)
	assert.Len(t, grouped[Morphological], 7)
	assert.Len(t, grouped[Segmentation], 5)
	assert.Len(t, grouped[Color], 5)
	assert.Len(t, grouped[Frequency], 3)
	assert.Len(t, grouped[Restoration], 3)
	assert.Equal(t, 37, r.Len())

	err := r.Register(New("late", Basic, "", NoParams{}, identity))
	assert.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestDescribe(t *testing.T) {
	c := Describe(Default())
	assert.Len(t, c.Details, 37)
	assert.Contains(t, c.Operations[Morphological], "erosion")

	d := c.Details["threshold"]
	assert.Equal(t, Basic, d.Category)
	assert.NotEmpty(t, d.Description)
	assert.Equal(t, "float", d.Parameters["threshold_value"].Type)
	assert.EqualValues(t, 127, d.Parameters["threshold_value"].Default)
	assert.Contains(t, d.Parameters["threshold_type"].Options, "binary_inv")

	assert.Empty(t, c.Details["grayscale"].Parameters)
}
