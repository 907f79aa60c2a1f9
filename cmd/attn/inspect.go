package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"nano-attn-go/nanovllm"
	"nano-attn-go/purego/tensor"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect SOURCE TARGET",
		Short: "Print head-averaged encoder-decoder attention for a source/target pair",
		Args:  cobra.ExactArgs(2),
		RunE:  inspectHandler,
	}
	cmd.Flags().StringP("model", "m", "", "safetensors weights (random weights if empty)")
	cmd.Flags().Int("layer", -1, "Decoder layer to show, negative counts from the end")
	return cmd
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	modelPath, _ := cmd.Flags().GetString("model")
	layer, _ := cmd.Flags().GetInt("layer")
	seed, _ := cmd.Flags().GetUint64("seed")

	model, err := loadModel(modelPath, seed)
	if err != nil {
		return err
	}

	tok := nanovllm.NewByteTokenizer()
	source, err := tok.Encode(args[0])
	if err != nil {
		return err
	}
	target, err := tok.Encode(args[1])
	if err != nil {
		return err
	}
	target = append([]int{model.Config.BOSTokenID}, target...)

	enc, err := model.Encode([][]int{source})
	if err != nil {
		return err
	}
	res, err := model.Decode(enc, [][]int{target}, 0, nil, true)
	if err != nil {
		return err
	}

	if layer < 0 {
		layer += len(res.CrossWeights)
	}
	if layer < 0 || layer >= len(res.CrossWeights) {
		return fmt.Errorf("layer out of range: model has %d decoder layers", len(res.CrossWeights))
	}
	avg := tensor.AverageHeads(res.CrossWeights[layer])

	header := []string{""}
	for _, b := range []byte(args[0]) {
		header = append(header, strconv.QuoteRune(rune(b)))
	}

	labels := append([]string{"<s>"}, splitBytes(args[1])...)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	for i := range target {
		row := []string{labels[i]}
		for j := range source {
			row = append(row, fmt.Sprintf("%.2f", avg.At(0, i, j)))
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func splitBytes(s string) []string {
	out := make([]string, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = strconv.QuoteRune(rune(s[i]))
	}
	return out
}

func loadModel(path string, seed uint64) (*tensor.Seq2SeqModel, error) {
	if path != "" {
		return tensor.LoadSafetensors(path, nil)
	}
	return tensor.NewSeq2SeqModel(tensor.DefaultSeq2SeqConfig(), tensor.NewRandomInit(seed, 0.1))
}
