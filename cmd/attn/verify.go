package main

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"nano-attn-go/purego/tensor"
)

type check struct {
	name string
	diff float64
	tol  float64
}

func (c check) ok() bool {
	return c.diff <= c.tol
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check cached attention against full recomputation",
		Args:  cobra.NoArgs,
		RunE:  verifyHandler,
	}
	cmd.Flags().Int("embed", 8, "Embedding size")
	cmd.Flags().Int("heads", 2, "Number of heads")
	cmd.Flags().Int("length", 4, "Sequence length")
	cmd.Flags().Int("batch", 2, "Batch size")
	cmd.Flags().String("dtype", "F32", "Compute dtype (F32, F16, BF16)")
	return cmd
}

func verifyHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	embed, _ := flags.GetInt("embed")
	heads, _ := flags.GetInt("heads")
	length, _ := flags.GetInt("length")
	batch, _ := flags.GetInt("batch")
	dtypeName, _ := flags.GetString("dtype")
	seed, _ := flags.GetUint64("seed")

	dtype, err := tensor.ParseDType(dtypeName)
	if err != nil {
		return err
	}
	tol := 1e-5
	if dtype != tensor.F32 {
		tol = 1e-2
	}

	checks, err := runChecks(embed, heads, length, batch, dtype, seed, tol)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"CHECK", "MAX ABS DIFF", "TOLERANCE", "RESULT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	failed := 0
	for _, c := range checks {
		result := "ok"
		if !c.ok() {
			result = "FAIL"
			failed++
		}
		table.Append([]string{c.name, fmt.Sprintf("%.3g", c.diff), fmt.Sprintf("%.0e", c.tol), result})
	}
	table.Render()

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

func runChecks(embed, heads, length, batch int, dtype tensor.DType, seed uint64, tol float64) ([]check, error) {
	rng := rand.New(rand.NewSource(seed))
	random := func(shape ...int) *tensor.Tensor {
		t := tensor.NewTensor(shape...)
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64())
		}
		return t
	}

	selfCfg, err := tensor.NewAttentionConfig(embed, heads, tensor.WithComputeDType(dtype))
	if err != nil {
		return nil, err
	}
	crossCfg, err := tensor.NewAttentionConfig(embed, heads, tensor.WithKind(tensor.CrossAttention), tensor.WithComputeDType(dtype))
	if err != nil {
		return nil, err
	}
	self := tensor.NewAttention(selfCfg, tensor.NewRandomInit(seed, 0.3))
	cross := tensor.NewAttention(crossCfg, tensor.NewRandomInit(seed+1, 0.3))

	var checks []check

	// incremental self-attention against one causal pass
	x := random(length, batch, embed)
	full, err := self.Compute(x, nil, nil, tensor.ComputeOptions{AttnBias: tensor.CausalMask(length, length), NeedWeights: true})
	if err != nil {
		return nil, err
	}
	cache := &tensor.SiteCache{}
	worst := 0.0
	for pos := 0; pos < length; pos++ {
		out, err := self.Compute(x.Slice(pos, pos+1), nil, nil, tensor.ComputeOptions{Cache: cache})
		if err != nil {
			return nil, err
		}
		worst = max(worst, tensor.MaxAbsDiff(full.Context.Slice(pos, pos+1), out.Context))
	}
	checks = append(checks, check{"incremental self-attention", worst, tol})

	// attention rows are distributions
	rowErr := 0.0
	w := full.Weights
	src := w.Shape[3]
	for r := 0; r < w.Size()/src; r++ {
		var sum float64
		for _, p := range w.Data[r*src : (r+1)*src] {
			sum += float64(p)
		}
		rowErr = max(rowErr, math.Abs(sum-1))
	}
	checks = append(checks, check{"row sums", rowErr, 1e-5})

	// static encoder keys/values
	enc := random(length+1, batch, embed)
	q := random(1, batch, embed)
	direct, err := cross.Compute(q, enc, enc, tensor.ComputeOptions{})
	if err != nil {
		return nil, err
	}
	static := &tensor.SiteCache{}
	if _, err := cross.Compute(random(1, batch, embed), enc, enc, tensor.ComputeOptions{Cache: static, StaticKV: true}); err != nil {
		return nil, err
	}
	reused, err := cross.Compute(q, nil, nil, tensor.ComputeOptions{Cache: static, StaticKV: true})
	if err != nil {
		return nil, err
	}
	checks = append(checks, check{"static key/value reuse", tensor.MaxAbsDiff(direct.Context, reused.Context), tol})

	// whole encoder-decoder with and without cache
	modelDiff, err := checkModel(rng, dtype, seed)
	if err != nil {
		return nil, err
	}
	checks = append(checks, check{"decoder step vs full", modelDiff, tol * 10})

	// divisibility is rejected
	divisible := 0.0
	if _, err := tensor.NewAttentionConfig(10, 3); !errors.Is(err, tensor.ErrShape) {
		divisible = math.Inf(1)
	}
	checks = append(checks, check{"embed 10 / heads 3 rejected", divisible, 0})

	return checks, nil
}

func checkModel(rng *rand.Rand, dtype tensor.DType, seed uint64) (float64, error) {
	cfg := tensor.DefaultSeq2SeqConfig()
	cfg.ComputeDType = dtype
	model, err := tensor.NewSeq2SeqModel(cfg, tensor.NewRandomInit(seed, 0.1))
	if err != nil {
		return 0, err
	}

	source := make([]int, 7)
	target := make([]int, 6)
	for i := range source {
		source[i] = 4 + rng.Intn(cfg.VocabSize-4)
	}
	target[0] = cfg.BOSTokenID
	for i := 1; i < len(target); i++ {
		target[i] = 4 + rng.Intn(cfg.VocabSize-4)
	}

	enc, err := model.Encode([][]int{source})
	if err != nil {
		return 0, err
	}
	full, err := model.DecodeFull(enc, [][]int{target})
	if err != nil {
		return 0, err
	}

	cache := model.NewDecoderCache()
	worst := 0.0
	for pos, tok := range target {
		logits, err := model.DecodeStep(enc, []int{tok}, pos, cache)
		if err != nil {
			return 0, err
		}
		want := full.Slice(pos, pos+1).Reshape(1, cfg.VocabSize)
		worst = max(worst, tensor.MaxAbsDiff(want, logits))
	}
	return worst, nil
}
