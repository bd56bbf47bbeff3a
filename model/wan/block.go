package wan

import (
	"github.com/wandiff/wandiff/ml"
	"github.com/wandiff/wandiff/ml/nn"
)

// clipTokens is the fixed number of CLIP image tokens prefixed to the text
// context in image-to-video mode.
const clipTokens = 257

type SelfAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
	NormQ  *nn.RMSNorm
	NormK  *nn.RMSNorm
}

// Forward computes windowless or windowed self-attention over x with rotary
// position encoding. x has shape [seq, dim]; positions at or beyond
// validLen are masked out of the keys.
func (sa *SelfAttention) Forward(ctx ml.Context, x ml.Tensor, validLen int, cos, sin ml.Tensor, opts *Options) ml.Tensor {
	seq := x.Dim(0)
	headDim := opts.Dim / opts.NumHeads

	q := sa.Query.Forward(ctx, x)
	if sa.NormQ != nil {
		q = sa.NormQ.Forward(ctx, q, opts.Eps)
	}
	q = q.Reshape(ctx, seq, opts.NumHeads, headDim).RoPE(ctx, cos, sin).Permute(ctx, 1, 0, 2)

	k := sa.Key.Forward(ctx, x)
	if sa.NormK != nil {
		k = sa.NormK.Forward(ctx, k, opts.Eps)
	}
	k = k.Reshape(ctx, seq, opts.NumHeads, headDim).RoPE(ctx, cos, sin).Permute(ctx, 1, 0, 2)

	v := sa.Value.Forward(ctx, x).Reshape(ctx, seq, opts.NumHeads, headDim).Permute(ctx, 1, 0, 2)

	kernel := opts.Kernel
	if opts.WindowSize != [2]int{-1, -1} {
		kernel = nn.KernelWindowed
	}

	attn := nn.Attention(ctx, q, k, v, nn.AttentionOptions{
		Kernel: kernel,
		KeyLen: validLen,
		Window: opts.WindowSize,
	})

	attn = attn.Permute(ctx, 1, 0, 2).Reshape(ctx, seq, opts.Dim)
	return sa.Output.Forward(ctx, attn)
}

func (sa *SelfAttention) tensors() []*ml.Tensor {
	out := []*ml.Tensor{
		&sa.Query.Weight, &sa.Query.Bias,
		&sa.Key.Weight, &sa.Key.Bias,
		&sa.Value.Weight, &sa.Value.Bias,
		&sa.Output.Weight, &sa.Output.Bias,
	}
	if sa.NormQ != nil {
		out = append(out, &sa.NormQ.Weight)
	}
	if sa.NormK != nil {
		out = append(out, &sa.NormK.Weight)
	}
	return out
}

// CrossAttention attends from video tokens to the text context. In
// image-to-video mode the KeyImage/ValueImage branch attends to the leading
// CLIP tokens separately and the two results are summed.
type CrossAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
	NormQ  *nn.RMSNorm
	NormK  *nn.RMSNorm

	KeyImage   *nn.Linear
	ValueImage *nn.Linear
	NormKImage *nn.RMSNorm
}

func (ca *CrossAttention) Forward(ctx ml.Context, x, context ml.Tensor, opts *Options) ml.Tensor {
	seq := x.Dim(0)
	headDim := opts.Dim / opts.NumHeads

	var imageContext ml.Tensor
	if ca.KeyImage != nil {
		imageContext = context.Narrow(ctx, 0, 0, clipTokens)
		context = context.Narrow(ctx, 0, clipTokens, context.Dim(0)-clipTokens)
	}

	q := ca.Query.Forward(ctx, x)
	if ca.NormQ != nil {
		q = ca.NormQ.Forward(ctx, q, opts.Eps)
	}
	q = q.Reshape(ctx, seq, opts.NumHeads, headDim).Permute(ctx, 1, 0, 2)

	k := ca.Key.Forward(ctx, context)
	if ca.NormK != nil {
		k = ca.NormK.Forward(ctx, k, opts.Eps)
	}
	k = k.Reshape(ctx, context.Dim(0), opts.NumHeads, headDim).Permute(ctx, 1, 0, 2)

	v := ca.Value.Forward(ctx, context).Reshape(ctx, context.Dim(0), opts.NumHeads, headDim).Permute(ctx, 1, 0, 2)

	attn := nn.Attention(ctx, q, k, v, nn.AttentionOptions{Kernel: opts.Kernel})

	if imageContext != nil {
		ki := ca.KeyImage.Forward(ctx, imageContext)
		if ca.NormKImage != nil {
			ki = ca.NormKImage.Forward(ctx, ki, opts.Eps)
		}
		ki = ki.Reshape(ctx, clipTokens, opts.NumHeads, headDim).Permute(ctx, 1, 0, 2)
		vi := ca.ValueImage.Forward(ctx, imageContext).Reshape(ctx, clipTokens, opts.NumHeads, headDim).Permute(ctx, 1, 0, 2)

		attn = attn.Add(ctx, nn.Attention(ctx, q, ki, vi, nn.AttentionOptions{Kernel: opts.Kernel}))
	}

	attn = attn.Permute(ctx, 1, 0, 2).Reshape(ctx, seq, opts.Dim)
	return ca.Output.Forward(ctx, attn)
}

func (ca *CrossAttention) tensors() []*ml.Tensor {
	out := []*ml.Tensor{
		&ca.Query.Weight, &ca.Query.Bias,
		&ca.Key.Weight, &ca.Key.Bias,
		&ca.Value.Weight, &ca.Value.Bias,
		&ca.Output.Weight, &ca.Output.Bias,
	}
	if ca.NormQ != nil {
		out = append(out, &ca.NormQ.Weight)
	}
	if ca.NormK != nil {
		out = append(out, &ca.NormK.Weight)
	}
	if ca.KeyImage != nil {
		out = append(out, &ca.KeyImage.Weight, &ca.KeyImage.Bias, &ca.ValueImage.Weight, &ca.ValueImage.Bias)
		if ca.NormKImage != nil {
			out = append(out, &ca.NormKImage.Weight)
		}
	}
	return out
}

// FFN is a two-layer feed-forward network with a tanh-approximated GELU.
type FFN struct {
	Up   *nn.Linear
	Down *nn.Linear
}

func (f *FFN) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	return f.Down.Forward(ctx, f.Up.Forward(ctx, x).GELU(ctx))
}

// AttentionBlock is one transformer layer: modulated self-attention, cross
// attention to the text context, and a modulated feed-forward network.
type AttentionBlock struct {
	Norm1          *nn.LayerNorm
	SelfAttention  *SelfAttention
	Norm3          *nn.LayerNorm // nil unless cross-attention normalization is enabled
	CrossAttention *CrossAttention
	Norm2          *nn.LayerNorm
	FFN            *FFN

	// Modulation holds the block's learned shift/scale/gate table,
	// shape [6, dim], combined with the per-step time projection.
	Modulation ml.Tensor
}

// Forward runs the block. x is [seq, dim], modulation is the expanded time
// projection [6, dim], context is the embedded text [textLen, dim].
func (b *AttentionBlock) Forward(ctx ml.Context, x, modulation ml.Tensor, validLen int, cos, sin, context ml.Tensor, opts *Options) ml.Tensor {
	e := b.Modulation.Add(ctx, modulation).Chunk(ctx, 0, 6)

	y := b.Norm1.Forward(ctx, x, opts.Eps).Mul(ctx, e[1].AddScalar(ctx, 1)).Add(ctx, e[0])
	y = b.SelfAttention.Forward(ctx, y, validLen, cos, sin, opts)
	x = x.Add(ctx, y.Mul(ctx, e[2]))

	normed := x
	if b.Norm3 != nil {
		normed = b.Norm3.Forward(ctx, x, opts.Eps)
	}
	x = x.Add(ctx, b.CrossAttention.Forward(ctx, normed, context, opts))

	y = b.Norm2.Forward(ctx, x, opts.Eps).Mul(ctx, e[4].AddScalar(ctx, 1)).Add(ctx, e[3])
	y = b.FFN.Forward(ctx, y)
	return x.Add(ctx, y.Mul(ctx, e[5]))
}

func (b *AttentionBlock) tensors() []*ml.Tensor {
	out := []*ml.Tensor{&b.Modulation, &b.Norm2.Weight, &b.Norm2.Bias, &b.Norm1.Weight, &b.Norm1.Bias}
	if b.Norm3 != nil {
		out = append(out, &b.Norm3.Weight, &b.Norm3.Bias)
	}
	out = append(out, b.SelfAttention.tensors()...)
	out = append(out, b.CrossAttention.tensors()...)
	out = append(out, &b.FFN.Up.Weight, &b.FFN.Up.Bias, &b.FFN.Down.Weight, &b.FFN.Down.Bias)
	return out
}

func (b *AttentionBlock) move(ctx ml.Context, device ml.Device) {
	relocate(ctx, device, b.tensors()...)
}

func (b *AttentionBlock) bytes() int64 {
	var total int64
	for _, t := range b.tensors() {
		if *t == nil {
			continue
		}
		n := 1
		for _, d := range (*t).Shape() {
			n *= d
		}
		total += (*t).DType().Bytes(n)
	}
	return total
}

// Head projects the final hidden states back to patch pixels under a
// two-way modulation of the raw time embedding.
type Head struct {
	Norm   *nn.LayerNorm
	Output *nn.Linear

	// Modulation is the head's learned shift/scale table, shape [2, dim].
	Modulation ml.Tensor
}

func (h *Head) Forward(ctx ml.Context, x, e ml.Tensor, opts *Options) ml.Tensor {
	m := h.Modulation.Add(ctx, e).Chunk(ctx, 0, 2)
	x = h.Norm.Forward(ctx, x, opts.Eps).Mul(ctx, m[1].AddScalar(ctx, 1)).Add(ctx, m[0])
	return h.Output.Forward(ctx, x)
}

func (h *Head) tensors() []*ml.Tensor {
	return []*ml.Tensor{&h.Modulation, &h.Norm.Weight, &h.Norm.Bias, &h.Output.Weight, &h.Output.Bias}
}

// MLPProj embeds CLIP image features into the transformer width for
// image-to-video conditioning.
type MLPProj struct {
	NormIn  *nn.LayerNorm
	FC1     *nn.Linear
	FC2     *nn.Linear
	NormOut *nn.LayerNorm
}

func (p *MLPProj) Forward(ctx ml.Context, imageEmbeds ml.Tensor, opts *Options) ml.Tensor {
	x := p.NormIn.Forward(ctx, imageEmbeds, opts.Eps)
	x = p.FC1.Forward(ctx, x).GELU(ctx)
	x = p.FC2.Forward(ctx, x)
	return p.NormOut.Forward(ctx, x, opts.Eps)
}

func (p *MLPProj) tensors() []*ml.Tensor {
	return []*ml.Tensor{
		&p.NormIn.Weight, &p.NormIn.Bias,
		&p.FC1.Weight, &p.FC1.Bias,
		&p.FC2.Weight, &p.FC2.Bias,
		&p.NormOut.Weight, &p.NormOut.Bias,
	}
}

func relocate(ctx ml.Context, device ml.Device, tensors ...*ml.Tensor) {
	for _, t := range tensors {
		if *t != nil {
			*t = (*t).To(ctx, device)
		}
	}
}
