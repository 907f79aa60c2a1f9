package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"nano-attn-go/purego/tensor"
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Compare cached and uncached greedy decoding",
		Args:  cobra.NoArgs,
		RunE:  benchHandler,
	}
	cmd.Flags().StringP("model", "m", "", "safetensors weights (random weights if empty)")
	cmd.Flags().Int("source-len", 32, "Source length")
	cmd.Flags().IntSlice("steps", []int{8, 32, 64}, "Decoder lengths to time")
	return cmd
}

func benchHandler(cmd *cobra.Command, args []string) error {
	modelPath, _ := cmd.Flags().GetString("model")
	sourceLen, _ := cmd.Flags().GetInt("source-len")
	steps, _ := cmd.Flags().GetIntSlice("steps")
	seed, _ := cmd.Flags().GetUint64("seed")

	model, err := loadModel(modelPath, seed)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(seed))
	source := make([]int, sourceLen)
	for i := range source {
		source[i] = 4 + rng.Intn(model.Config.VocabSize-4)
	}
	enc, err := model.Encode([][]int{source})
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(steps)*2, progressbar.OptionSetDescription("Benchmarking"), progressbar.OptionSetWidth(40))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"STEPS", "UNCACHED", "CACHED", "SPEEDUP"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)

	for _, n := range steps {
		if n+1 > model.Config.MaxPositions {
			return fmt.Errorf("%d steps exceed the model's %d positions", n, model.Config.MaxPositions)
		}

		start := time.Now()
		tokens := []int{model.Config.BOSTokenID}
		for i := 0; i < n; i++ {
			logits, err := model.DecodeFull(enc, [][]int{tokens})
			if err != nil {
				return err
			}
			tokens = append(tokens, tensor.Greedy(tensor.LastLogits(logits, 0)))
		}
		uncached := time.Since(start)
		bar.Add(1)

		start = time.Now()
		cache := model.NewDecoderCache()
		next := model.Config.BOSTokenID
		for i := 0; i < n; i++ {
			logits, err := model.DecodeStep(enc, []int{next}, i, cache)
			if err != nil {
				return err
			}
			next = tensor.Greedy(logits.Data)
		}
		cached := time.Since(start)
		bar.Add(1)

		table.Append([]string{
			fmt.Sprint(n),
			uncached.Round(time.Microsecond).String(),
			cached.Round(time.Microsecond).String(),
			fmt.Sprintf("%.1fx", uncached.Seconds()/cached.Seconds()),
		})
	}
	bar.Finish()
	fmt.Println()

	table.Render()
	return nil
}
