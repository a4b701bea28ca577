// Package unifiedllm provides a provider-agnostic model client for the agent
// loop.
//
// # Architecture
//
//   - ProviderAdapter and the shared message types
//   - Backoff and error classification helpers
//   - Client with provider routing and middleware
//
// # Adapters
//
// GeminiAdapter calls the Gemini API through google.golang.org/genai and is
// the default. GollmAdapter serves OpenAI and Anthropic through
// github.com/teilomillet/gollm. ReplayAdapter answers from canned responses
// on disk and RecordMiddleware produces them:
//
//	gemini, _ := unifiedllm.NewGeminiAdapter(ctx, os.Getenv("GEMINI_API_KEY"), "")
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("gemini", gemini),
//	    unifiedllm.WithMiddleware(unifiedllm.RecordMiddleware("tests/integration/data/canned_llm")),
//	)
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Model:    unifiedllm.DefaultModel,
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// # Failures
//
// Adapters translate native failures into the SDKError / ProviderError
// hierarchy. Backoff.Decide turns any of them into a Decision for the caller.
package unifiedllm
