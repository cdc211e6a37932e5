package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/rpc"
	"github.com/ashita-ai/kioku/internal/service/conversation"
	"github.com/ashita-ai/kioku/internal/service/llm"
	"github.com/ashita-ai/kioku/internal/service/memory"
)

// Per-turn costs against the persona's social budget. Idle regeneration in
// the registry works against these.
const (
	recallLimit       = 5
	energyCostPerTurn = 2.0
	timeCostPerTurn   = 30 * time.Second
	fatigueTurnGap    = 4 // one fatigue point per this many turns
)

// turn is a prepared chat exchange: persona resolved, conversation context
// attached, relevant memories recalled.
type turn struct {
	persona  model.Persona
	convCtx  *model.ConversationContext
	recalled []model.ScoredMemory
	message  string
}

// prepareTurn resolves the persona, applies per-request context overrides,
// and recalls memories for the prompt. Recall bumps access counts as a side
// effect, which is exactly what "remembering" should do.
func (s *session) prepareTurn(ctx context.Context, params model.ChatParams) (turn, error) {
	if strings.TrimSpace(params.Message) == "" {
		return turn{}, invalidParams("message is required")
	}
	if params.Priority != "" && !model.Priority(params.Priority).Valid() {
		return turn{}, invalidParams("unknown priority %q", params.Priority)
	}

	p, err := s.resolvePersona(params.PersonaID)
	if err != nil {
		return turn{}, err
	}

	convCtx := s.conversationContext(p.ID)
	if params.TokenBudget > 0 {
		convCtx.TokenBudget = params.TokenBudget
	}
	if params.Priority != "" {
		convCtx.Priority = model.Priority(params.Priority)
	}

	recalled, err := s.srv.deps.Memory.Search(ctx, p.ID, params.Message, recallLimit, 0)
	if err != nil {
		return turn{}, err
	}

	return turn{persona: p, convCtx: convCtx, recalled: recalled, message: params.Message}, nil
}

// promptFor assembles the LLM request: persona system prompt, recalled
// memories as context, then the user turn.
func (s *session) promptFor(t turn) llm.Request {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s.", t.persona.Name)
	if t.persona.Description != "" {
		sys.WriteString(" " + t.persona.Description)
	}
	if len(t.recalled) > 0 {
		sys.WriteString("\n\nThings you remember that may be relevant:")
		for _, m := range t.recalled {
			sys.WriteString("\n- " + m.Memory.Content)
		}
	}
	sys.WriteString("\n\nStay in character and answer briefly.")

	return llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: sys.String()},
			{Role: "user", Content: t.message},
		},
		MaxTokens: t.convCtx.TokenBudget,
	}
}

// finishTurn scores the exchange, charges the persona's social budget, and
// persists the exchange as a conversation memory. Returns the continue score
// and whether the conversation terminated.
func (s *session) finishTurn(ctx context.Context, t turn, reply string) (float64, bool) {
	deps := s.srv.deps
	reg := deps.Registry

	var rel *model.Relationship
	if r, ok := reg.Relationship("user", t.persona.ID); ok {
		rel = &r
	}

	res := deps.Conversation.Score(conversation.Input{
		Listener:     &t.persona,
		State:        reg.State(t.persona.ID),
		Context:      t.convCtx,
		Relationship: rel,
		Turn:         t.message,
	})
	t.convCtx.RecordScore(res.Score)
	terminated := !res.Continue

	reg.UpdateState(t.persona.ID, func(st *model.InteractionState) {
		st.SocialEnergy -= energyCostPerTurn
		st.AvailableTime -= timeCostPerTurn
		if st.AvailableTime < 0 {
			st.AvailableTime = 0
		}
		if t.convCtx.TurnCount%fatigueTurnGap == 0 {
			st.Fatigue++
		}
		if terminated {
			satisfying := conversation.Satisfying(t.convCtx.ScoreHistory)
			st.CooldownUntil = time.Now().Add(conversation.Cooldown(deps.BaseCooldown, satisfying))
		}
	})
	if terminated {
		s.clearContext(t.persona.ID)
	}

	// The exchange becomes a memory. Failure to persist is not a chat
	// failure; the reply already exists.
	content := fmt.Sprintf("User: %s\n%s: %s", t.message, t.persona.Name, reply)
	if _, err := deps.Memory.Store(ctx, memory.StoreRequest{
		PersonaID: t.persona.ID,
		Content:   content,
		Kind:      memory.DefaultKind,
		Context:   t.convCtx,
	}); err != nil {
		s.logger.Warn("failed to store chat exchange", "persona_id", t.persona.ID, "error", err)
	}

	return res.Score, terminated
}

func (s *session) handleChat(ctx context.Context, req rpc.Request) (any, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	var params model.ChatParams
	if err := rpc.DecodeParams(req, &params); err != nil {
		return nil, err
	}

	t, err := s.prepareTurn(ctx, params)
	if err != nil {
		return nil, err
	}

	reply, err := s.srv.deps.LLM.Complete(ctx, s.promptFor(t))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	score, terminated := s.finishTurn(ctx, t, reply)
	return model.ChatResult{
		PersonaID:     t.persona.ID,
		Response:      reply,
		ContinueScore: score,
		Terminated:    terminated,
	}, nil
}

// handleChatStream is the streaming variant: correlated notifications share
// the request id and the complete event carries the assembled reply.
func (s *session) handleChatStream(ctx context.Context, req rpc.Request) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	var params model.ChatParams
	if rpcErr := rpc.DecodeParams(req, &params); rpcErr != nil {
		s.send(errorResponse(req.ID, rpcErr))
		return
	}

	t, err := s.prepareTurn(ctx, params)
	if err != nil {
		s.send(errorResponse(req.ID, err))
		return
	}

	s.send(rpc.NewStreamEvent(req.ID, rpc.StreamEvent{
		EventType: rpc.EventStreamStart,
		PersonaID: t.persona.ID,
	}))

	chunks := 0
	reply, err := s.srv.deps.LLM.Stream(ctx, s.promptFor(t), func(chunk string) error {
		chunks++
		if !s.send(rpc.NewStreamEvent(req.ID, rpc.StreamEvent{
			EventType:   rpc.EventStreamChunk,
			Chunk:       chunk,
			ChunkNumber: chunks,
		})) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		eventType := rpc.EventStreamError
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			eventType = rpc.EventStreamCancelled
		}
		s.send(rpc.NewStreamEvent(req.ID, rpc.StreamEvent{
			EventType: eventType,
			PersonaID: t.persona.ID,
			Message:   err.Error(),
		}))
		return
	}

	score, _ := s.finishTurn(ctx, t, reply)
	s.send(rpc.NewStreamEvent(req.ID, rpc.StreamEvent{
		EventType:     rpc.EventStreamComplete,
		PersonaID:     t.persona.ID,
		FullResponse:  reply,
		ChunkCount:    chunks,
		ContinueScore: &score,
	}))
}
