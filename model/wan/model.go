// Package wan implements the Wan video diffusion transformer backbone:
// 3D patch embedding, sinusoidal time embedding with learned modulation,
// a stack of modulated attention blocks and an unpatchifying head, with
// optional step caching across denoising timesteps.
package wan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wandiff/wandiff/format"
	"github.com/wandiff/wandiff/ml"
	"github.com/wandiff/wandiff/ml/nn"
	"github.com/wandiff/wandiff/model"
	"github.com/wandiff/wandiff/stepcache"
)

const (
	ModelTypeT2V = "t2v"
	ModelTypeI2V = "i2v"
)

const clipDim = 1280

var ErrMissingImageInput = errors.New("wan: image-to-video requires clip features and conditioning latents")

type Options struct {
	ModelType string

	// PatchSize is the (temporal, height, width) extent of one video
	// patch.
	PatchSize [3]int

	TextLen   int
	InDim     int
	Dim       int
	FFNDim    int
	FreqDim   int
	TextDim   int
	OutDim    int
	NumHeads  int
	NumLayers int

	// WindowSize is the (lookback, lookahead) local attention extent;
	// (-1, -1) selects global attention.
	WindowSize [2]int

	QKNorm        bool
	CrossAttnNorm bool
	Eps           float32

	// Kernel selects the attention backend.
	Kernel nn.Kernel

	// RiflexIndex, when positive, replaces that temporal rotary frequency
	// so long videos do not repeat motion; RiflexLen is the frame count
	// the override is tuned for.
	RiflexIndex int
	RiflexLen   int
}

func DefaultOptions() Options {
	return Options{
		ModelType:     ModelTypeT2V,
		PatchSize:     [3]int{1, 2, 2},
		TextLen:       512,
		InDim:         16,
		Dim:           2048,
		FFNDim:        8192,
		FreqDim:       256,
		TextDim:       4096,
		OutDim:        16,
		NumHeads:      16,
		NumLayers:     32,
		WindowSize:    [2]int{-1, -1},
		QKNorm:        true,
		CrossAttnNorm: true,
		Eps:           1e-6,
		RiflexLen:     25,
	}
}

func (o Options) validate() error {
	if o.ModelType != ModelTypeT2V && o.ModelType != ModelTypeI2V {
		return fmt.Errorf("wan: unknown model type %q", o.ModelType)
	}

	if o.Dim%o.NumHeads != 0 {
		return fmt.Errorf("wan: dim %d is not divisible by %d heads", o.Dim, o.NumHeads)
	}

	if (o.Dim/o.NumHeads)%2 != 0 {
		return fmt.Errorf("wan: head dimension %d must be even", o.Dim/o.NumHeads)
	}

	if o.FreqDim%2 != 0 {
		return fmt.Errorf("wan: freq dim %d must be even", o.FreqDim)
	}

	for _, p := range o.PatchSize {
		if p <= 0 {
			return fmt.Errorf("wan: invalid patch size %v", o.PatchSize)
		}
	}

	return nil
}

// TimeMLP maps the sinusoidal timestep embedding into the model width.
type TimeMLP struct {
	FC1 *nn.Linear
	FC2 *nn.Linear
}

func (t *TimeMLP) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return t.FC2.Forward(ctx, t.FC1.Forward(ctx, x).SILU(ctx))
}

type Model struct {
	model.Base
	*Options

	PatchEmbedding *nn.Conv3D
	TextEmbedding  *FFN
	TimeEmbedding  *TimeMLP
	TimeProjection *nn.Linear
	Blocks         []*AttentionBlock
	OutputHead     *Head
	ImageEmbedding *MLPProj // i2v only

	stepCache *stepcache.Controller

	// block swap placement; -1 disables
	blocksToSwap int
	offloadTxt   bool
	offloadImg   bool
}

// New builds the model structure with zero-initialized parameters on the
// backend's compute device. Parameter fields are exported so weight loaders
// can assign trained tensors directly.
func New(b ml.Backend, opts Options) (*Model, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx := b.NewContext()
	defer ctx.Close()

	m := Model{
		Options:      &opts,
		blocksToSwap: -1,

		PatchEmbedding: &nn.Conv3D{
			Weight: ctx.Zeros(ml.DTypeF32, opts.Dim, opts.InDim, opts.PatchSize[0], opts.PatchSize[1], opts.PatchSize[2]),
			Bias:   ctx.Zeros(ml.DTypeF32, opts.Dim),
		},
		TextEmbedding: &FFN{
			Up:   newLinear(ctx, opts.TextDim, opts.Dim),
			Down: newLinear(ctx, opts.Dim, opts.Dim),
		},
		TimeEmbedding: &TimeMLP{
			FC1: newLinear(ctx, opts.FreqDim, opts.Dim),
			FC2: newLinear(ctx, opts.Dim, opts.Dim),
		},
		TimeProjection: newLinear(ctx, opts.Dim, 6*opts.Dim),
		OutputHead: &Head{
			Norm:       &nn.LayerNorm{},
			Output:     newLinear(ctx, opts.Dim, opts.PatchSize[0]*opts.PatchSize[1]*opts.PatchSize[2]*opts.OutDim),
			Modulation: ctx.Zeros(ml.DTypeF32, 2, opts.Dim),
		},
	}
	m.SetBackend(b)

	m.Blocks = make([]*AttentionBlock, opts.NumLayers)
	for i := range m.Blocks {
		m.Blocks[i] = newBlock(ctx, &opts)
	}

	if opts.ModelType == ModelTypeI2V {
		m.ImageEmbedding = &MLPProj{
			NormIn:  newLayerNorm(ctx, clipDim),
			FC1:     newLinear(ctx, clipDim, clipDim),
			FC2:     newLinear(ctx, clipDim, opts.Dim),
			NormOut: newLayerNorm(ctx, opts.Dim),
		}
	}

	// caching starts disabled; the fallback of always computing is
	// always correct
	m.stepCache, _ = stepcache.NewController(stepcache.Config{}, nil)

	return &m, nil
}

func newBlock(ctx ml.Context, opts *Options) *AttentionBlock {
	b := AttentionBlock{
		Norm1: &nn.LayerNorm{},
		Norm2: &nn.LayerNorm{},
		SelfAttention: &SelfAttention{
			Query:  newLinear(ctx, opts.Dim, opts.Dim),
			Key:    newLinear(ctx, opts.Dim, opts.Dim),
			Value:  newLinear(ctx, opts.Dim, opts.Dim),
			Output: newLinear(ctx, opts.Dim, opts.Dim),
		},
		CrossAttention: &CrossAttention{
			Query:  newLinear(ctx, opts.Dim, opts.Dim),
			Key:    newLinear(ctx, opts.Dim, opts.Dim),
			Value:  newLinear(ctx, opts.Dim, opts.Dim),
			Output: newLinear(ctx, opts.Dim, opts.Dim),
		},
		FFN: &FFN{
			Up:   newLinear(ctx, opts.Dim, opts.FFNDim),
			Down: newLinear(ctx, opts.FFNDim, opts.Dim),
		},
		Modulation: ctx.Zeros(ml.DTypeF32, 6, opts.Dim),
	}

	if opts.QKNorm {
		b.SelfAttention.NormQ = newRMSNorm(ctx, opts.Dim)
		b.SelfAttention.NormK = newRMSNorm(ctx, opts.Dim)
		b.CrossAttention.NormQ = newRMSNorm(ctx, opts.Dim)
		b.CrossAttention.NormK = newRMSNorm(ctx, opts.Dim)
	}

	if opts.CrossAttnNorm {
		b.Norm3 = newLayerNorm(ctx, opts.Dim)
	}

	if opts.ModelType == ModelTypeI2V {
		b.CrossAttention.KeyImage = newLinear(ctx, opts.Dim, opts.Dim)
		b.CrossAttention.ValueImage = newLinear(ctx, opts.Dim, opts.Dim)
		if opts.QKNorm {
			b.CrossAttention.NormKImage = newRMSNorm(ctx, opts.Dim)
		}
	}

	return &b
}

// EnableStepCache configures step caching for subsequent forward passes.
// The controller owns a fresh session store; the caller clears it (or calls
// ResetStepCache) at run completion to release cached tensors.
func (m *Model) EnableStepCache(config stepcache.Config) error {
	controller, err := stepcache.NewController(config, nil)
	if err != nil {
		return err
	}

	m.stepCache = controller
	return nil
}

func (m *Model) StepCache() *stepcache.Controller {
	return m.stepCache
}

func (m *Model) ResetStepCache() {
	m.stepCache.State().ClearAll()
}

// BlockSwap parks blocks 0..n on the cache device to bound compute-device
// memory; they are moved in for the duration of their forward pass. A
// simple eviction-free placement policy.
func (m *Model) BlockSwap(n int, offloadTxt, offloadImg bool) error {
	m.blocksToSwap = n
	m.offloadTxt = offloadTxt
	m.offloadImg = offloadImg

	placement := m.Backend().Placement()

	var offloaded, resident atomic.Int64
	var g errgroup.Group
	for i, block := range m.Blocks {
		i, block := i, block
		g.Go(func() error {
			ctx := m.Backend().NewContext()
			defer ctx.Close()

			if i > n {
				block.move(ctx, placement.Compute)
				resident.Add(block.bytes())
			} else {
				block.move(ctx, placement.Cache)
				offloaded.Add(block.bytes())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("block swap placement",
		"blocks_offloaded", min(n+1, len(m.Blocks)),
		"offload_device", placement.Cache,
		"offloaded", format.HumanBytes(offloaded.Load()),
		"resident", format.HumanBytes(resident.Load()))

	return nil
}

type ForwardInput struct {
	// Video is the latent video, shape [inDim, frames, height, width].
	Video ml.Tensor

	// Cond is the conditioning latent concatenated on the channel
	// dimension in image-to-video mode.
	Cond ml.Tensor

	// Timestep is the diffusion timestep.
	Timestep float32

	// Context is the text embedding sequence, up to TextLen rows of
	// TextDim columns.
	Context ml.Tensor

	// ClipFeatures are CLIP image tokens for image-to-video mode,
	// shape [257, 1280].
	ClipFeatures ml.Tensor

	// SeqLen pads the patch sequence for positional encoding; zero uses
	// the grid length unpadded.
	SeqLen int

	// Step is the 0-based denoising step index, monotonic within a run.
	Step int

	// PredID identifies this prediction's step-cache session.
	// stepcache.NoPrediction starts a new one; thread the returned id
	// into the next call.
	PredID int
}

// Forward runs one denoising step and returns the denoised latent of shape
// [outDim, frames, height, width] along with the step-cache session id to
// pass on the next call.
func (m *Model) Forward(ctx ml.Context, in ForwardInput) (ml.Tensor, int, error) {
	if m.ModelType == ModelTypeI2V && (in.ClipFeatures == nil || in.Cond == nil) {
		return nil, in.PredID, ErrMissingImageInput
	}

	video := in.Video
	if in.Cond != nil {
		video = video.Concat(ctx, in.Cond, 0)
	}

	// patch embedding
	x := m.PatchEmbedding.Forward(ctx, video, m.PatchSize[0], m.PatchSize[1], m.PatchSize[2])
	grid := [3]int{x.Dim(1), x.Dim(2), x.Dim(3)}
	validLen := grid[0] * grid[1] * grid[2]

	x = x.Reshape(ctx, m.Dim, validLen).Permute(ctx, 1, 0)

	seqLen := in.SeqLen
	if seqLen == 0 {
		seqLen = validLen
	}
	if seqLen < validLen {
		return nil, in.PredID, fmt.Errorf("wan: sequence length %d is shorter than the %d patches", seqLen, validLen)
	}
	if seqLen > validLen {
		x = x.Pad(ctx, 0, 0, seqLen-validLen)
	}

	// time embeddings
	sinusoid, err := SinusoidalEmbedding(ctx, m.FreqDim, in.Timestep)
	if err != nil {
		return nil, in.PredID, err
	}
	e := m.TimeEmbedding.Forward(ctx, sinusoid)
	e0 := m.TimeProjection.Forward(ctx, e.SILU(ctx)).Reshape(ctx, 6, m.Dim)

	// context
	context, err := m.embedContext(ctx, in.Context, in.ClipFeatures)
	if err != nil {
		return nil, in.PredID, err
	}

	cos, sin, err := ropeTables(ctx, grid, m.Dim/m.NumHeads, seqLen, m.RiflexIndex, m.RiflexLen)
	if err != nil {
		return nil, in.PredID, err
	}

	decision := m.stepCache.Begin(ctx, in.Step, in.PredID, stepcache.Signal{
		TimeEmbedding: e,
		Modulation:    e0,
	}, x)

	if decision.Compute {
		input := x
		placement := m.Backend().Placement()

		for i, block := range m.Blocks {
			swapped := m.blocksToSwap >= 0 && i <= m.blocksToSwap
			if swapped {
				block.move(ctx, placement.Compute)
			}
			x = block.Forward(ctx, x, e0, validLen, cos, sin, context, m.Options)
			if swapped {
				block.move(ctx, placement.Cache)
			}
		}

		decision.Commit(ctx, input, x)
	} else {
		x = decision.Output
	}

	x = m.OutputHead.Forward(ctx, x, e, m.Options)

	return m.Unpatchify(ctx, x, grid), decision.ID, nil
}

func (m *Model) embedContext(ctx ml.Context, text, clip ml.Tensor) (ml.Tensor, error) {
	if text.Dim(0) > m.TextLen {
		return nil, fmt.Errorf("wan: text context %d exceeds limit %d", text.Dim(0), m.TextLen)
	}

	placement := m.Backend().Placement()

	if m.offloadTxt {
		relocate(ctx, placement.Compute, &m.TextEmbedding.Up.Weight, &m.TextEmbedding.Up.Bias, &m.TextEmbedding.Down.Weight, &m.TextEmbedding.Down.Bias)
	}
	if text.Dim(0) < m.TextLen {
		text = text.Pad(ctx, 0, 0, m.TextLen-text.Dim(0))
	}
	context := m.TextEmbedding.Forward(ctx, text)
	if m.offloadTxt {
		relocate(ctx, placement.Cache, &m.TextEmbedding.Up.Weight, &m.TextEmbedding.Up.Bias, &m.TextEmbedding.Down.Weight, &m.TextEmbedding.Down.Bias)
	}

	if clip != nil && m.ImageEmbedding != nil {
		if m.offloadImg {
			relocate(ctx, placement.Compute, m.ImageEmbedding.tensors()...)
		}
		clipContext := m.ImageEmbedding.Forward(ctx, clip, m.Options)
		if m.offloadImg {
			relocate(ctx, placement.Cache, m.ImageEmbedding.tensors()...)
		}
		context = clipContext.Concat(ctx, context, 0)
	}

	return context, nil
}

// Unpatchify reconstructs the latent video from patch projections. x holds
// at least grid[0]*grid[1]*grid[2] rows of prod(patchSize)*outDim columns.
func (m *Model) Unpatchify(ctx ml.Context, x ml.Tensor, grid [3]int) ml.Tensor {
	f, h, w := grid[0], grid[1], grid[2]
	pf, ph, pw := m.PatchSize[0], m.PatchSize[1], m.PatchSize[2]

	x = x.Narrow(ctx, 0, 0, f*h*w)
	x = x.Reshape(ctx, f, h, w, pf, ph, pw, m.OutDim)
	x = x.Permute(ctx, 6, 0, 3, 1, 4, 2, 5)
	return x.Reshape(ctx, m.OutDim, f*pf, h*ph, w*pw)
}

func newLinear(ctx ml.Context, in, out int) *nn.Linear {
	return &nn.Linear{
		Weight: ctx.Zeros(ml.DTypeF32, out, in),
		Bias:   ctx.Zeros(ml.DTypeF32, out),
	}
}

func newRMSNorm(ctx ml.Context, dim int) *nn.RMSNorm {
	return &nn.RMSNorm{Weight: ones(ctx, dim)}
}

func newLayerNorm(ctx ml.Context, dim int) *nn.LayerNorm {
	return &nn.LayerNorm{
		Weight: ones(ctx, dim),
		Bias:   ctx.Zeros(ml.DTypeF32, dim),
	}
}

func ones(ctx ml.Context, dim int) ml.Tensor {
	data := make([]float32, dim)
	for i := range data {
		data[i] = 1
	}

	t, err := ctx.FromFloatSlice(data, dim)
	if err != nil {
		panic(err)
	}

	return t
}

func init() {
	model.Register("wan", func(b ml.Backend) (any, error) {
		return New(b, DefaultOptions())
	})
}
