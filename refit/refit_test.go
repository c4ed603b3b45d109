package refit_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/trtengine/align"
	"github.com/gomlx/trtengine/refit"
	"github.com/gomlx/trtengine/tensors"
	"github.com/gomlx/trtengine/trt"
	"github.com/gomlx/trtengine/trt/trttest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refittableEngine builds a fake engine with one standalone constant and one
// convolution (kernel and bias).
func refittableEngine(t *testing.T) *trttest.Engine {
	t.Helper()
	return trttest.NewEngine(nil, trttest.EngineSpec{
		Name:       "unet",
		Refittable: true,
		Weights: []trttest.WeightSpec{
			{Layer: "alpha", Role: trt.RoleConstant},
			{Layer: "conv_in", Role: trt.RoleKernel, DType: dtypes.Float32, Dims: []int{1, 1, 2, 2}},
			{Layer: "conv_in", Role: trt.RoleBias},
		},
	})
}

func refitter(t *testing.T, eng *trttest.Engine) trt.Refitter {
	t.Helper()
	r, err := eng.Refitter()
	require.NoError(t, err)
	return r
}

// versionGraph is a graph whose only constant is the "alpha" blend factor;
// the convolution weights stay baked into the engine as variables.
func versionGraph(suffix string, alpha float32) *align.Graph {
	return &align.Graph{
		Nodes: []*align.Node{
			{
				Name:    "alpha_node" + suffix,
				Op:      align.OpConstant,
				Outputs: []*align.Tensor{align.Constant("alpha"+suffix, tensors.FromScalar(alpha))},
			},
			{
				Name: "conv_in" + suffix,
				Op:   align.OpConv,
				Inputs: []*align.Tensor{
					align.Variable("x" + suffix),
					align.Variable("conv_in_w" + suffix),
					align.Variable("conv_in_b" + suffix),
				},
				Outputs: []*align.Tensor{align.Variable("y" + suffix)},
			},
		},
	}
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "conv_in"+align.KernelSuffix, refit.CanonicalName("conv_in", trt.RoleKernel))
	assert.Equal(t, "conv_in"+align.BiasSuffix, refit.CanonicalName("conv_in", trt.RoleBias))
	assert.Equal(t, "alpha", refit.CanonicalName("alpha", trt.RoleConstant))
	assert.Equal(t, "norm", refit.CanonicalName("norm", trt.RoleScale))
}

func TestNewWeightSetCollision(t *testing.T) {
	eng := trttest.NewEngine(nil, trttest.EngineSpec{
		Name:       "colliding",
		Refittable: true,
		Weights: []trttest.WeightSpec{
			{Layer: "a", Role: trt.RoleKernel},
			{Layer: "a" + align.KernelSuffix, Role: trt.RoleConstant},
		},
	})
	_, err := refit.NewWeightSet(refitter(t, eng))
	require.Error(t, err)
	fmt.Printf("\tExpected error: %v\n", err)
}

func TestRefitterRequiresRefittableEngine(t *testing.T) {
	eng := trttest.NewEngine(nil, trttest.EngineSpec{Name: "frozen"})
	_, err := eng.Refitter()
	require.Error(t, err)
	fmt.Printf("\tExpected error: %v\n", err)
}

func TestBuildAndApply(t *testing.T) {
	eng := refittableEngine(t)
	r := refitter(t, eng)

	// Only the blend factor changed between the two exports, so only it is
	// recorded; the convolution weights stay unset and untouched on apply.
	ws, err := refit.BuildFromGraphs(r, versionGraph("", 0.5), versionGraph(".1", 0.75))
	require.NoError(t, err)
	assert.Equal(t, 1, ws.NumSet())
	assert.True(t, ws.IsSet("alpha"))
	assert.False(t, ws.IsSet("conv_in"+align.KernelSuffix))
	assert.False(t, ws.IsSet("conv_in"+align.BiasSuffix))
	assert.Equal(t, []string{"alpha", "conv_in" + align.BiasSuffix, "conv_in" + align.KernelSuffix},
		ws.Names())

	require.NoError(t, refit.Apply(r, ws))
	committed := eng.Weight("alpha", trt.RoleConstant)
	require.NotNil(t, committed)
	assert.True(t, committed.Equal(tensors.FromScalar(float32(0.75))))
	assert.Nil(t, eng.Weight("conv_in", trt.RoleKernel), "unset weights are left alone")
}

func TestRefitEndToEnd(t *testing.T) {
	eng := refittableEngine(t)
	require.NoError(t, refit.Refit(refitter(t, eng),
		versionGraph("", 0.5), versionGraph(".1", 0.25), ""))
	committed := eng.Weight("alpha", trt.RoleConstant)
	require.NotNil(t, committed)
	assert.True(t, committed.Equal(tensors.FromScalar(float32(0.25))))
}

func TestScalarInt64Narrowing(t *testing.T) {
	eng := trttest.NewEngine(nil, trttest.EngineSpec{
		Name:       "steps",
		Refittable: true,
		Weights:    []trttest.WeightSpec{{Layer: "num_steps", Role: trt.RoleConstant, DType: dtypes.Int32}},
	})
	r := refitter(t, eng)

	graph := func(steps int64) *align.Graph {
		return &align.Graph{Nodes: []*align.Node{{
			Name:    "steps_node",
			Op:      align.OpConstant,
			Outputs: []*align.Tensor{align.Constant("num_steps", tensors.FromScalar(steps))},
		}}}
	}
	ws, err := refit.BuildFromGraphs(r, graph(20), graph(50))
	require.NoError(t, err)
	require.True(t, ws.IsSet("num_steps"))
	assert.Equal(t, dtypes.Int32, ws.Value("num_steps").DType(),
		"scalar int64 graph constants narrow to the engine's int32")

	require.NoError(t, refit.Apply(r, ws))
	committed := eng.Weight("num_steps", trt.RoleConstant)
	require.NotNil(t, committed)
	assert.True(t, committed.Equal(tensors.FromScalar(int32(50))))
}

func TestTriluMasksAreNeverRefit(t *testing.T) {
	eng := trttest.NewEngine(nil, trttest.EngineSpec{
		Name:       "clip",
		Refittable: true,
		Weights: []trttest.WeightSpec{
			{Layer: "onnx::Trilu_1234", Role: trt.RoleConstant},
			{Layer: "alpha", Role: trt.RoleConstant},
		},
	})
	r := refitter(t, eng)

	graph := func(suffix string) *align.Graph {
		return &align.Graph{Nodes: []*align.Node{
			{
				Name:    "mask_node" + suffix,
				Op:      align.OpConstant,
				Outputs: []*align.Tensor{align.Constant("onnx::Trilu_1234"+suffix, tensors.FromScalar(int64(1)))},
			},
			{
				Name:    "alpha_node" + suffix,
				Op:      align.OpConstant,
				Outputs: []*align.Tensor{align.Constant("alpha"+suffix, tensors.FromScalar(float32(1)))},
			},
		}}
	}
	ws, err := refit.BuildFromGraphs(r, graph(""), graph(".1"))
	require.NoError(t, err)
	assert.True(t, ws.IsSet("onnx::Trilu_1234"), "the mask is recorded like any constant")

	require.NoError(t, refit.Apply(r, ws))
	assert.Nil(t, eng.Weight("onnx::Trilu_1234", trt.RoleConstant), "but never staged on the engine")
	assert.NotNil(t, eng.Weight("alpha", trt.RoleConstant))
}

func TestApplyCommitFailure(t *testing.T) {
	eng := refittableEngine(t)
	r := refitter(t, eng).(*trttest.Refitter)
	r.FailCommit = errors.New("device out of memory")

	ws, err := refit.BuildFromGraphs(r, versionGraph("", 0.5), versionGraph(".1", 0.75))
	require.NoError(t, err)
	err = refit.Apply(r, ws)
	require.Error(t, err)
	fmt.Printf("\tExpected error: %v\n", err)
	assert.True(t, errors.Is(err, refit.ErrCommitFailed))
	assert.Nil(t, eng.Weight("alpha", trt.RoleConstant))
}

func TestApplyStagingFailure(t *testing.T) {
	eng := refittableEngine(t)
	r := refitter(t, eng)

	// The refitted graph carries a kernel of the wrong dimensions: staging
	// fails before commit, which is not a commit failure.
	graph := func(suffix string, kernelDims ...int) *align.Graph {
		kernel := tensors.FromShape(dtypes.Float32, kernelDims...)
		return &align.Graph{Nodes: []*align.Node{{
			Name: "conv_in" + suffix,
			Op:   align.OpConv,
			Inputs: []*align.Tensor{
				align.Variable("x" + suffix),
				align.Constant("conv_in_w"+suffix, kernel),
			},
			Outputs: []*align.Tensor{align.Variable("y" + suffix)},
		}}}
	}
	ws, err := refit.BuildFromGraphs(r, graph("", 1, 1, 3, 3), graph(".1", 1, 1, 3, 3))
	require.NoError(t, err)
	err = refit.Apply(r, ws)
	require.Error(t, err)
	fmt.Printf("\tExpected error: %v\n", err)
	assert.False(t, errors.Is(err, refit.ErrCommitFailed))
}

func TestDumpAndLoad(t *testing.T) {
	eng := refittableEngine(t)
	r := refitter(t, eng)
	dumpPath := filepath.Join(t.TempDir(), "watercolor_refit.npz")

	// Refit with a dump path stages nothing on the engine.
	require.NoError(t, refit.Refit(r, versionGraph("", 0.5), versionGraph(".1", 0.75), dumpPath))
	assert.Nil(t, eng.Weight("alpha", trt.RoleConstant))

	// The dump restores the same set/unset split, without the graphs.
	ws, err := refit.LoadDump(r, dumpPath)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.NumSet())
	require.True(t, ws.IsSet("alpha"))
	assert.True(t, ws.Value("alpha").Equal(tensors.FromScalar(float32(0.75))))
	assert.False(t, ws.IsSet("conv_in"+align.KernelSuffix))

	require.NoError(t, refit.RefitFromDump(r, dumpPath))
	committed := eng.Weight("alpha", trt.RoleConstant)
	require.NotNil(t, committed)
	assert.True(t, committed.Equal(tensors.FromScalar(float32(0.75))))
}

func TestRefitFromDumpMissingFile(t *testing.T) {
	eng := refittableEngine(t)
	err := refit.RefitFromDump(refitter(t, eng), filepath.Join(t.TempDir(), "missing.npz"))
	require.Error(t, err)
	fmt.Printf("\tExpected error: %v\n", err)
}
