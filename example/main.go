package main

import (
	"context"
	"fmt"
	"log"

	"nano-attn-go/nanovllm"
)

func main() {
	// No model path: the engine builds a seeded random encoder-decoder,
	// so the outputs are deterministic but meaningless
	config := nanovllm.NewConfig(
		"",
		nanovllm.WithMaxNumSeqs(8),
		nanovllm.WithMaxModelLen(64),
		nanovllm.WithSeed(42),
	)

	llm, err := nanovllm.NewLLM(config)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer llm.Close()

	samplingParams := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0.6),
		nanovllm.WithMaxTokens(32),
		nanovllm.WithSamplingSeed(7),
	)

	prompts := []string{
		"Hello, attention!",
		"keys and values",
		"Hello, attention!",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	outputs, err := llm.GenerateSimple(context.Background(), prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %q\n", output.Text)
		fmt.Printf("Tokens: %d\n", len(output.TokenIDs))
	}
}
