package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nano-attn-go/nanovllm"
	"nano-attn-go/purego/tensor"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate PROMPT [PROMPT...]",
		Short: "Generate continuations with the encoder-decoder model",
		Args:  cobra.MinimumNArgs(1),
		RunE:  generateHandler,
	}

	cmd.Flags().StringP("model", "m", "", "safetensors weights (random weights if empty)")
	cmd.Flags().Int("max-tokens", 32, "Maximum tokens to generate per prompt")
	cmd.Flags().Float64("temperature", 0, "Sampling temperature, 0 for greedy")
	cmd.Flags().Int("top-k", 0, "Top-k sampling, 0 disables")
	cmd.Flags().Float64("top-p", 1.0, "Nucleus sampling threshold")
	cmd.Flags().Int("concurrency", 0, "Sequences decoded in parallel (default: number of CPUs)")
	cmd.Flags().Int("max-num-seqs", 64, "Maximum running sequences")
	cmd.Flags().Bool("progress", false, "Show a progress bar")

	return cmd
}

func generateHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	modelPath, _ := flags.GetString("model")
	maxTokens, _ := flags.GetInt("max-tokens")
	temperature, _ := flags.GetFloat64("temperature")
	topK, _ := flags.GetInt("top-k")
	topP, _ := flags.GetFloat64("top-p")
	concurrency, _ := flags.GetInt("concurrency")
	maxNumSeqs, _ := flags.GetInt("max-num-seqs")
	progress, _ := flags.GetBool("progress")
	seed, _ := cmd.Flags().GetUint64("seed")

	opts := []nanovllm.ConfigOption{
		nanovllm.WithSeed(seed),
		nanovllm.WithMaxNumSeqs(maxNumSeqs),
		nanovllm.WithMaxModelLen(maxTokens + 1),
	}
	if concurrency > 0 {
		opts = append(opts, nanovllm.WithConcurrency(concurrency))
	}

	var config *nanovllm.Config
	if err := catch(func() { config = nanovllm.NewConfig(modelPath, opts...) }); err != nil {
		return err
	}

	llm, err := nanovllm.NewLLM(config)
	if err != nil {
		return err
	}
	defer llm.Close()

	var sp *nanovllm.SamplingParams
	if err := catch(func() {
		sp = nanovllm.NewSamplingParams(
			nanovllm.WithTemperature(temperature),
			nanovllm.WithTopK(topK),
			nanovllm.WithTopP(topP),
			nanovllm.WithMaxTokens(maxTokens),
			nanovllm.WithSamplingSeed(seed),
		)
	}); err != nil {
		return err
	}

	start := time.Now()
	outputs, err := llm.GenerateSimple(cmd.Context(), args, sp, progress)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := 0
	for i, out := range outputs {
		fmt.Printf("Prompt %d: %q\n", i+1, args[i])
		fmt.Printf("Output:   %q (%d tokens)\n\n", out.Text, len(out.TokenIDs))
		total += len(out.TokenIDs)
	}
	fmt.Printf("%d tokens in %s (%.1f tok/s)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	return nil
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init FILE",
		Short: "Write a randomly initialised model to a safetensors file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetUint64("seed")
			dtypeName, _ := cmd.Flags().GetString("dtype")
			std, _ := cmd.Flags().GetFloat64("std")

			dtype, err := tensor.ParseDType(dtypeName)
			if err != nil {
				return err
			}

			model, err := tensor.NewSeq2SeqModel(tensor.DefaultSeq2SeqConfig(), tensor.NewRandomInit(seed, std))
			if err != nil {
				return err
			}
			if err := tensor.SaveSafetensors(args[0], model, dtype); err != nil {
				return err
			}
			fmt.Printf("wrote %d tensors to %s as %s\n", len(model.Parameters()), args[0], dtype)
			return nil
		},
	}

	cmd.Flags().String("dtype", "F32", "Storage dtype (F32, F16, BF16)")
	cmd.Flags().Float64("std", 0.02, "Standard deviation of the random weights")
	return cmd
}

// catch turns the panics of the option constructors into errors
func catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}
