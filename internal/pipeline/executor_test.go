package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"smartdip/internal/logging"
	"smartdip/internal/ops"
)

var errBoom = errors.New("boom")

// stubRegistry holds invert (A), fail (B) and a counting op (C).
func stubRegistry(t *testing.T, calls *int) *ops.Registry {
	t.Helper()
	r := ops.NewRegistry()
	r.MustRegister(
		ops.New("invert", ops.Basic, "invert", ops.NoParams{}, func(src gocv.Mat, _ ops.NoParams) (gocv.Mat, string, error) {
			dst := gocv.NewMat()
			gocv.BitwiseNot(src, &dst)
			return dst, "<strong>Invert</strong>", nil
		}),
		ops.New("fail", ops.Basic, "fail", ops.NoParams{}, func(src gocv.Mat, _ ops.NoParams) (gocv.Mat, string, error) {
			return gocv.NewMat(), "", errBoom
		}),
		ops.New("count", ops.Advanced, "count", ops.NoParams{}, func(src gocv.Mat, _ ops.NoParams) (gocv.Mat, string, error) {
			*calls++
			return src.Clone(), "<strong>Count</strong>", nil
		}),
	)
	r.Freeze()
	return r
}

func newExecutor(r *ops.Registry) *Executor {
	return NewExecutor(r, logging.New("error", "text"))
}

func image3(rows, cols int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), rows, cols, gocv.MatTypeCV8UC3)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	calls := 0
	exec := newExecutor(stubRegistry(t, &calls))
	src := image3(8, 8)
	defer src.Close()

	var seen []int
	res, err := exec.Run(context.Background(), src, []Stage{{Operation: "invert"}, {Operation: "fail"}, {Operation: "count"}},
		func(sr StageResult) { seen = append(seen, sr.Index) })
	defer res.Close()

	require.Error(t, err)
	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "fail", serr.Operation)
	assert.Equal(t, 1, serr.Index)
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, "stage 1 (fail): boom", err.Error())

	require.Len(t, res.Stages, 1)
	assert.Equal(t, "invert", res.Stages[0].Operation)
	assert.Equal(t, []int{0}, seen)
	assert.Zero(t, calls, "stages after the failure must not run")
}

func TestRunChainsStages(t *testing.T) {
	calls := 0
	exec := newExecutor(stubRegistry(t, &calls))
	src := image3(5, 7)
	defer src.Close()

	res, err := exec.Run(context.Background(), src, []Stage{{Operation: "invert"}, {Operation: "count"}, {Operation: "invert"}})
	require.NoError(t, err)
	defer res.Close()

	require.Len(t, res.Stages, 3)
	assert.Equal(t, 1, calls)
	for i, sr := range res.Stages {
		assert.Equal(t, i, sr.Index)
		assert.Equal(t, 7, sr.Width)
		assert.Equal(t, 5, sr.Height)
		assert.Equal(t, 3, sr.Channels)
		assert.NotEmpty(t, sr.Description)
	}
	final, ok := res.Final()
	require.True(t, ok)
	assert.Equal(t, src.ToBytes(), final.ToBytes())
}

func TestRunUnknownOperation(t *testing.T) {
	calls := 0
	exec := newExecutor(stubRegistry(t, &calls))
	src := image3(4, 4)
	defer src.Close()

	res, err := exec.Run(context.Background(), src, []Stage{{Operation: "invert"}, {Operation: "nope"}})
	defer res.Close()
	var unknown *ops.UnknownOperationError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.Name)
	assert.Len(t, res.Stages, 1)
}

func TestRunInvalidParams(t *testing.T) {
	exec := newExecutor(ops.Default())
	src := image3(16, 16)
	defer src.Close()

	res, err := exec.Run(context.Background(), src, []Stage{{Operation: "gaussian_blur", Params: json.RawMessage(`{"kernel_size": "big"}`)}})
	defer res.Close()
	var perr *ops.ParamError
	require.True(t, errors.As(err, &perr))
	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 0, serr.Index)
	assert.Empty(t, res.Stages)
}

func TestRunHonoursCancellation(t *testing.T) {
	calls := 0
	exec := newExecutor(stubRegistry(t, &calls))
	src := image3(4, 4)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := exec.Run(ctx, src, []Stage{{Operation: "count"}})
	defer res.Close()
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, calls)
}

func TestGrayscaleThresholdPipeline(t *testing.T) {
	exec := newExecutor(ops.Default())
	src := gocv.NewMatWithSize(100, 100, gocv.MatTypeCV8UC3)
	defer src.Close()
	px, err := src.DataPtrUint8()
	require.NoError(t, err)
	for i := range px {
		px[i] = byte(i * 31 % 256)
	}

	res, err := exec.Run(context.Background(), src, []Stage{
		{Operation: "grayscale"},
		{Operation: "threshold", Params: json.RawMessage(`{"threshold_value": 127}`)},
	})
	require.NoError(t, err)
	defer res.Close()
	require.Len(t, res.Stages, 2)
	for _, sr := range res.Stages {
		assert.Equal(t, 100, sr.Width)
		assert.Equal(t, 100, sr.Height)
		assert.Equal(t, 3, sr.Channels)
	}
	values := map[byte]bool{}
	for _, v := range res.Stages[1].Image.ToBytes() {
		values[v] = true
	}
	assert.Len(t, values, 2)
}

func TestValidate(t *testing.T) {
	r := ops.Default()
	assert.ErrorIs(t, Validate(r, nil), ErrNoStages)
	assert.NoError(t, Validate(r, []Stage{{Operation: "grayscale"}, {Operation: "erosion", Params: json.RawMessage(`{"iterations": 2}`)}}))

	err := Validate(r, []Stage{{Operation: "grayscale"}, {Operation: "erosion", Params: json.RawMessage(`{"iterations": 0}`)}})
	var serr *StageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 1, serr.Index)
	assert.Equal(t, "erosion", serr.Operation)
}

func TestStageJSON(t *testing.T) {
	var stages []Stage
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"threshold","params":{"threshold_value":90}},{"type":"negative"}]`), &stages))
	require.Len(t, stages, 2)
	assert.Equal(t, "threshold", stages[0].Operation)
	assert.JSONEq(t, `{"threshold_value":90}`, string(stages[0].Params))
	assert.Empty(t, stages[1].Params)
}
