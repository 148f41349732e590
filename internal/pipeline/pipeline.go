// Package pipeline turns one inbound user message into one persisted
// assistant reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/memory"
	"github.com/chirino/chat-service/internal/model"
	registrygenerate "github.com/chirino/chat-service/internal/registry/generate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Options tunes a Pipeline.
type Options struct {
	SystemPrompt string
	// RecencyWindow is the number of newest chat messages sent to generation.
	RecencyWindow int
	MemoryTopK    int
	// MemoryScope is config.MemoryScopeChat or config.MemoryScopeUser.
	MemoryScope string

	StoreTimeout      time.Duration
	GenerationTimeout time.Duration
	// PipelineTimeout bounds a turn from the moment it reaches the front of
	// its chat's queue. Time spent queued is bounded by QueueTimeout.
	PipelineTimeout time.Duration
	QueueTimeout    time.Duration

	// AssistantWriteAttempts bounds how often the reply write is tried.
	AssistantWriteAttempts int
	// RetryBackoff is the delay before the second write attempt; it doubles
	// on every further attempt.
	RetryBackoff time.Duration
}

// OptionsFromConfig reads pipeline options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SystemPrompt:           cfg.SystemPrompt,
		RecencyWindow:          cfg.RecencyWindow,
		MemoryTopK:             cfg.MemoryTopK,
		MemoryScope:            cfg.MemoryScope,
		StoreTimeout:           cfg.StoreTimeout,
		GenerationTimeout:      cfg.GenerationTimeout,
		PipelineTimeout:        cfg.PipelineTimeout,
		QueueTimeout:           cfg.QueueTimeout,
		AssistantWriteAttempts: cfg.AssistantWriteAttempts,
		RetryBackoff:           100 * time.Millisecond,
	}
}

// Pipeline is safe for concurrent use. Turns for the same chat run one at a
// time in the order they were enqueued.
type Pipeline struct {
	store     registrystore.ChatStore
	memory    *memory.Index
	generator registrygenerate.Generator
	opts      Options
	locks     *chatLocks
}

// New creates a Pipeline. A nil memory index behaves as a disabled one.
func New(store registrystore.ChatStore, mem *memory.Index, generator registrygenerate.Generator, opts Options) *Pipeline {
	if mem == nil {
		mem = memory.Disabled()
	}
	if opts.RecencyWindow < 1 {
		opts.RecencyWindow = 1
	}
	if opts.AssistantWriteAttempts < 1 {
		opts.AssistantWriteAttempts = 1
	}
	return &Pipeline{
		store:     store,
		memory:    mem,
		generator: generator,
		opts:      opts,
		locks:     newChatLocks(),
	}
}

// Turn is a reserved slot in a chat's queue. Run must be called exactly once.
type Turn struct {
	p      *Pipeline
	userID string
	chatID uuid.UUID
	text   string
	ticket *ticket
}

// Enqueue reserves the next slot for chatID without blocking, so callers can
// fix the processing order before handing the turn to another goroutine.
func (p *Pipeline) Enqueue(userID string, chatID uuid.UUID, text string) *Turn {
	return &Turn{
		p:      p,
		userID: userID,
		chatID: chatID,
		text:   text,
		ticket: p.locks.enqueue(chatID),
	}
}

// Handle processes one user message and returns the persisted reply.
func (p *Pipeline) Handle(ctx context.Context, userID string, chatID uuid.UUID, text string) (string, error) {
	return p.Enqueue(userID, chatID, text).Run(ctx)
}

// Run waits for the turn's slot and processes it.
func (t *Turn) Run(ctx context.Context) (reply string, err error) {
	p := t.p
	defer t.ticket.leave()

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = Reason(err)
		}
		if security.PipelineDuration != nil {
			security.PipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
		switch {
		case err == nil:
		case clientError(err):
			log.Debug("Turn rejected", "chatId", t.chatID, "userId", t.userID, "reason", outcome)
		default:
			log.Error("Turn failed", "chatId", t.chatID, "userId", t.userID, "reason", outcome, "err", err)
		}
	}()

	if strings.TrimSpace(t.text) == "" {
		return "", &registrystore.ValidationError{Field: "content", Message: "message must not be empty"}
	}

	if err := t.waitTurn(ctx); err != nil {
		return "", err
	}

	if p.opts.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PipelineTimeout)
		defer cancel()
	}

	if err := p.checkOwnership(ctx, t.userID, t.chatID); err != nil {
		return "", err
	}

	inbound, err := p.appendMessage(ctx, t.userID, t.chatID, uuid.New(), model.RoleUser, t.text)
	if err != nil {
		return "", storageError("persist user message", err)
	}

	recalled := p.remember(ctx, inbound)

	req, err := p.assemble(ctx, inbound, recalled)
	if err != nil {
		return "", err
	}

	reply, err = p.generate(ctx, req)
	if err != nil {
		return "", err
	}

	if err := p.persistReply(ctx, t.userID, t.chatID, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// waitTurn blocks until every earlier turn of the chat has finished.
func (t *Turn) waitTurn(ctx context.Context) error {
	waitCtx := ctx
	if t.p.opts.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.p.opts.QueueTimeout)
		defer cancel()
	}
	err := t.ticket.wait(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &QueueTimeoutError{Waited: t.p.opts.QueueTimeout, Err: err}
	default:
		return fmt.Errorf("wait for chat: %w", err)
	}
}

func (p *Pipeline) checkOwnership(ctx context.Context, userID string, chatID uuid.UUID) error {
	callCtx, cancel := p.storeContext(ctx)
	defer cancel()
	if _, err := p.store.GetChat(callCtx, userID, chatID); err != nil {
		return storageError("check chat", err)
	}
	return nil
}

func (p *Pipeline) appendMessage(ctx context.Context, userID string, chatID, id uuid.UUID, role model.Role, content string) (*model.Message, error) {
	callCtx, cancel := p.storeContext(ctx)
	defer cancel()
	return p.store.AppendMessageWithID(callCtx, userID, chatID, id, role, content)
}

// remember indexes the inbound message and recalls related messages. It
// never fails; an unavailable memory index yields no recalled messages.
func (p *Pipeline) remember(ctx context.Context, inbound *model.Message) []model.Message {
	vec, ok := p.memory.Embed(ctx, inbound.Content)
	if !ok {
		return nil
	}

	if p.memory.Upsert(ctx, memory.Record{
		MessageID: inbound.ID,
		ChatID:    inbound.ChatID,
		UserID:    inbound.UserID,
		Role:      inbound.Role,
		Embedding: vec,
	}) {
		callCtx, cancel := p.storeContext(ctx)
		if err := p.store.SetIndexedAt(callCtx, []uuid.UUID{inbound.ID}); err != nil {
			log.Warn("Failed to mark message indexed", "messageId", inbound.ID, "err", err)
		}
		cancel()
	}

	filter := memory.Filter{UserID: inbound.UserID}
	if p.opts.MemoryScope != config.MemoryScopeUser {
		filter.ChatID = &inbound.ChatID
	}
	// One extra hit covers the inbound message matching itself.
	matches := p.memory.Query(ctx, vec, p.opts.MemoryTopK+1, filter)
	if len(matches) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(matches))
	for _, m := range matches {
		if m.MessageID != inbound.ID {
			ids = append(ids, m.MessageID)
		}
	}
	if len(ids) > p.opts.MemoryTopK {
		ids = ids[:p.opts.MemoryTopK]
	}
	if len(ids) == 0 {
		return nil
	}

	callCtx, cancel := p.storeContext(ctx)
	defer cancel()
	recalled, err := p.store.GetMessagesByID(callCtx, inbound.UserID, ids)
	if err != nil {
		log.Warn("Failed to resolve recalled messages", "chatId", inbound.ChatID, "err", err)
		return nil
	}
	return recalled
}

// assemble builds the generation request: the recency window, oldest first
// and ending with the inbound message, then recalled messages outside it.
func (p *Pipeline) assemble(ctx context.Context, inbound *model.Message, recalled []model.Message) (registrygenerate.Request, error) {
	callCtx, cancel := p.storeContext(ctx)
	defer cancel()
	recent, err := p.store.RecentMessages(callCtx, inbound.UserID, inbound.ChatID, p.opts.RecencyWindow)
	if err != nil {
		return registrygenerate.Request{}, storageError("load history", err)
	}

	inWindow := make(map[uuid.UUID]bool, len(recent)+1)
	req := registrygenerate.Request{System: p.opts.SystemPrompt}
	for _, m := range recent {
		inWindow[m.ID] = true
		req.History = append(req.History, registrygenerate.Turn{Role: m.Role, Content: m.Content})
	}
	if !inWindow[inbound.ID] {
		if len(req.History) >= p.opts.RecencyWindow {
			req.History = req.History[1:]
		}
		inWindow[inbound.ID] = true
		req.History = append(req.History, registrygenerate.Turn{Role: inbound.Role, Content: inbound.Content})
	}

	for _, m := range recalled {
		if inWindow[m.ID] {
			continue
		}
		inWindow[m.ID] = true
		req.Memory = append(req.Memory, registrygenerate.Turn{Role: m.Role, Content: m.Content})
	}
	return req, nil
}

func (p *Pipeline) generate(ctx context.Context, req registrygenerate.Request) (string, error) {
	genCtx := ctx
	cancel := context.CancelFunc(func() {})
	// ownDeadline is false when the turn's deadline comes first, in which case
	// running out of time is not the generator's fault.
	ownDeadline := false
	if p.opts.GenerationTimeout > 0 {
		deadline := time.Now().Add(p.opts.GenerationTimeout)
		turnDeadline, bounded := ctx.Deadline()
		ownDeadline = !bounded || deadline.Before(turnDeadline)
		genCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	start := time.Now()
	reply, err := p.generator.Generate(genCtx, req)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}

	outcome := "ok"
	var genErr *GenerationError
	if err != nil {
		genErr = &GenerationError{Timeout: ownDeadline && isTimeout(genCtx, err), Err: err}
		outcome = "failed"
		if genErr.Timeout {
			outcome = "timeout"
		}
	}
	if security.GenerationLatency != nil {
		security.GenerationLatency.WithLabelValues(p.generator.Name(), outcome).Observe(time.Since(start).Seconds())
	}
	if genErr != nil {
		return "", genErr
	}
	return reply, nil
}

// persistReply writes the assistant message, retrying with exponential
// backoff. Every attempt writes the same message ID, so an attempt that
// committed but timed out on the way back is not written twice. Ownership
// failures are final.
func (p *Pipeline) persistReply(ctx context.Context, userID string, chatID uuid.UUID, reply string) error {
	id := uuid.New()
	backoff := p.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= p.opts.AssistantWriteAttempts; attempt++ {
		_, err := p.appendMessage(ctx, userID, chatID, id, model.RoleAssistant, reply)
		if err == nil {
			return nil
		}
		if clientError(err) {
			return err
		}
		lastErr = err
		if attempt == p.opts.AssistantWriteAttempts {
			break
		}
		log.Warn("Retrying assistant message write", "chatId", chatID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return &StorageError{Op: "persist reply", Err: errors.Join(lastErr, ctx.Err())}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &StorageError{Op: "persist reply", Err: lastErr}
}

func (p *Pipeline) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.StoreTimeout)
}
