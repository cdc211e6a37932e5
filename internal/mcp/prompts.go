package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-reply — recall relevant memories before answering as a persona.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-reply",
			mcplib.WithPromptDescription("Recall a persona's relevant memories before answering as them"),
			mcplib.WithArgument("persona_id",
				mcplib.ArgumentDescription("The persona about to reply"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("topic",
				mcplib.ArgumentDescription("What the conversation is about"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeReplyPrompt,
	)

	// agent-setup — system prompt snippet explaining the recall/remember loop.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Kioku persona memory workflow (recall-before/remember-after)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeReplyPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	personaID := request.Params.Arguments["persona_id"]
	topic := request.Params.Arguments["topic"]
	if personaID == "" || topic == "" {
		return nil, fmt.Errorf("persona_id and topic arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Recall %s's memories about %s", personaID, topic),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before replying as %s, ground the reply in what they remember:

1. CALL kioku_recall with persona_id="%s" and a query describing "%s".

2. CALL kioku_recall_shared with the same query to pick up what other
   personas have shared with %s.

3. REPLY in character, weaving in recalled memories naturally. Do not
   mention memories the recall did not return; this persona does not
   know them.

4. AFTER the exchange, CALL kioku_remember with anything new worth
   keeping. Use visibility="shared" and related_personas when another
   persona was involved.`, personaID, personaID, topic, personaID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Kioku persona memory workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Kioku, a long-term memory runtime for conversational
personas. Each persona owns a private memory collection; memories carry an
importance score, decay over time, and are pruned when a collection grows
too large. Recalling a memory marks it accessed, which protects it.

## The Pattern: Recall Before, Remember After

### Before replying as a persona:
Call kioku_recall with the persona and a query describing the topic.
Also call kioku_recall_shared to pick up memories other personas shared.
A persona only knows what recall returns; never invent memories.

### After the exchange:
Call kioku_remember for anything worth keeping. The runtime scores
importance automatically; only override it for genuinely pivotal events.

## Visibility

- private: only the owning persona can recall it (default)
- shared: also personas listed in related_personas
- public: every persona

Never work around visibility by copying one persona's private memory
into another persona's collection.

## Available Tools

- kioku_recall: semantic recall from one persona's memories (use FIRST)
- kioku_recall_shared: recall across personas under visibility rules
- kioku_remember: store a memory (use AFTER the exchange)
- kioku_personas: list the cast with availability and social energy
- kioku_memory_stats: collection summary for one persona`,
				},
			},
		},
	}, nil
}
