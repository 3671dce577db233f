// Package llm provides language-model completion clients and the escalation
// ladder used by every model-backed decision.
//
// Clients: an OpenAI-compatible chat completions client (with server-sent
// event streaming) and an AWS Bedrock client for Anthropic models. Both are
// wrapped by Guarded, which adds a circuit breaker and a per-call timeout.
//
// Model output is untrusted text. Callers parse it themselves inside Run,
// which walks a Ladder of (model, temperature) rungs until the parser
// accepts an answer:
//
//	decision, err := llm.Run(ctx, client, ladder, llm.Request{Prompt: p, JSON: true},
//	    func(text string) (*Decision, error) { return parse(text) }, logger)
//	if errors.Is(err, llm.ErrNoDecision) {
//	    // fall through to the next tier
//	}
package llm
