package ai

import "context"

// Client is the enrichment capability: a prompt in, model text out.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
