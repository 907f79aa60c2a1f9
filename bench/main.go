package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/rand"

	"nano-attn-go/nanovllm"
)

func main() {
	numRequests := flag.Int("requests", 64, "number of requests")
	minInputLen := flag.Int("min-input", 8, "minimum source length")
	maxInputLen := flag.Int("max-input", 128, "maximum source length")
	minOutputLen := flag.Int("min-output", 8, "minimum completion length")
	maxOutputLen := flag.Int("max-output", 96, "maximum completion length")
	cacheTokens := flag.Int("cache-tokens", 4096, "decoder cache budget in positions")
	seed := flag.Uint64("seed", 0, "random seed")
	flag.Parse()

	fmt.Println("nano-attn Engine Benchmark")
	fmt.Println("==========================")
	fmt.Println()

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Number of requests: %d\n", *numRequests)
	fmt.Printf("  Input length: %d-%d tokens\n", *minInputLen, *maxInputLen)
	fmt.Printf("  Output length: %d-%d tokens\n", *minOutputLen, *maxOutputLen)
	fmt.Printf("  Cache budget: %d positions\n", *cacheTokens)
	fmt.Println()

	config := nanovllm.NewConfig(
		"",
		nanovllm.WithMaxNumSeqs(32),
		nanovllm.WithMaxModelLen(*maxOutputLen+1),
		nanovllm.WithMaxCacheTokens(*cacheTokens),
		nanovllm.WithSeed(*seed),
	)

	llm, err := nanovllm.NewLLM(config)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer llm.Close()

	rng := rand.New(rand.NewSource(*seed))
	prompts := make([]any, *numRequests)
	samplingParams := make([]*nanovllm.SamplingParams, *numRequests)

	for i := 0; i < *numRequests; i++ {
		inputLen := *minInputLen + rng.Intn(*maxInputLen-*minInputLen+1)
		outputLen := *minOutputLen + rng.Intn(*maxOutputLen-*minOutputLen+1)

		// random byte tokens, never a special id
		tokens := make([]int, inputLen)
		for j := range tokens {
			tokens[j] = nanovllm.UnkTokenID + 1 + rng.Intn(256)
		}
		prompts[i] = tokens

		samplingParams[i] = nanovllm.NewSamplingParams(
			nanovllm.WithTemperature(0.6),
			nanovllm.WithMaxTokens(outputLen),
			nanovllm.WithIgnoreEOS(true),
			nanovllm.WithSamplingSeed(uint64(i)),
		)
	}

	fmt.Println("Starting benchmark...")
	fmt.Println()

	startTime := time.Now()
	outputs, err := llm.Generate(context.Background(), prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	elapsed := time.Since(startTime).Seconds()

	totalOutputTokens := 0
	for _, output := range outputs {
		totalOutputTokens += len(output.TokenIDs)
	}

	fmt.Println()
	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Total requests: %d\n", *numRequests)
	fmt.Printf("Total output tokens: %d\n", totalOutputTokens)
	fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
	fmt.Printf("Throughput: %.2f tokens/sec\n", float64(totalOutputTokens)/elapsed)
	fmt.Printf("Average latency: %.2f ms/request\n", elapsed*1000/float64(*numRequests))
}
