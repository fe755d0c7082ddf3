package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"kbassist-backend/history"
	"kbassist-backend/models"
	"kbassist-backend/retrieval"
)

// FallbackMode selects what happens when no retrieved chunk is relevant
type FallbackMode string

const (
	// FallbackDecline answers with a fixed message without calling the model
	FallbackDecline FallbackMode = "decline"
	// FallbackGeneral asks the model without any knowledge base context
	FallbackGeneral FallbackMode = "general"
)

// ParseFallbackMode validates a fallback mode name
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch FallbackMode(strings.ToLower(strings.TrimSpace(s))) {
	case FallbackDecline, "":
		return FallbackDecline, nil
	case FallbackGeneral:
		return FallbackGeneral, nil
	default:
		return "", errors.New("fallback mode must be decline or general")
	}
}

// FailureKind classifies why an answer could not be produced
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureIndexUnavailable
	FailureEmbedding
	FailureRetrieval
	FailureGeneration
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureIndexUnavailable:
		return "index_unavailable"
	case FailureEmbedding:
		return "embedding"
	case FailureRetrieval:
		return "retrieval"
	case FailureGeneration:
		return "generation"
	default:
		return "unknown"
	}
}

// User-facing replies for the non-answer paths
const (
	MissingIndexMessage     = "Error: The knowledge base is missing. Please contact support."
	GenericFailureMessage   = "An error occurred while processing your request."
	InsufficientContextText = "I couldn't find relevant information in the knowledge base to answer your question."
)

// DefaultInstructions is the instruction policy placed ahead of the context
const DefaultInstructions = "You are a specialized assistant that helps developers create and troubleshoot Terraform configuration files.\n\n" +
	"Instructions:\n" +
	"- Use **only** the following provided context to answer the user's question.\n" +
	"- If the answer is not contained within the context, politely inform the user that you cannot assist.\n" +
	"- Provide clear and concise explanations in markdown format.\n" +
	"- Use bullet points for lists and triple backticks for code blocks with 'hcl' as the language.\n" +
	"- Reference the sources in your response when applicable.\n"

// generalInstructions is used when answering without knowledge base context
const generalInstructions = "You are a specialized assistant that helps developers create and troubleshoot Terraform configuration files.\n" +
	"No knowledge base context matched this question; answer from general knowledge and say so."

// QueryResult is the outcome of answering one query. Failures are reported
// through Failure with a user-facing Response; they are never returned as
// errors.
type QueryResult struct {
	Response string
	Sources  []string
	Failure  FailureKind
}

// OK reports whether the result is a genuine answer
func (r QueryResult) OK() bool {
	return r.Failure == FailureNone
}

// QueryService answers user questions from the knowledge base
type QueryService struct {
	index        VectorIndex
	chat         ChatModel
	logger       *slog.Logger
	counter      history.Counter
	threshold    float64
	topK         int
	budget       history.Budget
	chatOptions  ChatOptions
	instructions string
	fallback     FallbackMode
	protectFirst bool
}

// QueryServiceOption is a functional option for QueryService
type QueryServiceOption func(*QueryService)

// QueryWithVectorIndex sets the vector index
func QueryWithVectorIndex(index VectorIndex) QueryServiceOption {
	return func(s *QueryService) {
		s.index = index
	}
}

// QueryWithChatModel sets the chat model
func QueryWithChatModel(chat ChatModel) QueryServiceOption {
	return func(s *QueryService) {
		s.chat = chat
	}
}

// QueryWithLogger sets the logger
func QueryWithLogger(logger *slog.Logger) QueryServiceOption {
	return func(s *QueryService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// QueryWithCounter sets the budget unit counter
func QueryWithCounter(counter history.Counter) QueryServiceOption {
	return func(s *QueryService) {
		if counter != nil {
			s.counter = counter
		}
	}
}

// QueryWithThreshold sets the minimum relevance score
func QueryWithThreshold(threshold float64) QueryServiceOption {
	return func(s *QueryService) {
		s.threshold = threshold
	}
}

// QueryWithTopK sets how many candidates are requested from the index
func QueryWithTopK(k int) QueryServiceOption {
	return func(s *QueryService) {
		if k > 0 {
			s.topK = k
		}
	}
}

// QueryWithBudget sets the prompt budget
func QueryWithBudget(budget history.Budget) QueryServiceOption {
	return func(s *QueryService) {
		s.budget = budget
	}
}

// QueryWithChatOptions sets the completion settings
func QueryWithChatOptions(opts ChatOptions) QueryServiceOption {
	return func(s *QueryService) {
		s.chatOptions = opts
	}
}

// QueryWithInstructions replaces the instruction policy
func QueryWithInstructions(instructions string) QueryServiceOption {
	return func(s *QueryService) {
		s.instructions = instructions
	}
}

// QueryWithFallbackMode sets the insufficient-context behaviour
func QueryWithFallbackMode(mode FallbackMode) QueryServiceOption {
	return func(s *QueryService) {
		s.fallback = mode
	}
}

// QueryWithProtectedSystemTurn keeps the system turn during truncation
func QueryWithProtectedSystemTurn(protect bool) QueryServiceOption {
	return func(s *QueryService) {
		s.protectFirst = protect
	}
}

// NewQueryService creates a new query service
func NewQueryService(opts ...QueryServiceOption) *QueryService {
	s := &QueryService{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		counter:      history.EstimateCounter{},
		threshold:    retrieval.DefaultThreshold,
		topK:         retrieval.DefaultTopK,
		budget:       history.DefaultBudget(),
		chatOptions:  DefaultChatOptions(),
		instructions: DefaultInstructions,
		fallback:     FallbackDecline,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Answer runs retrieval, context assembly, truncation and completion for a
// query. prior holds earlier user and assistant turns, oldest first.
func (s *QueryService) Answer(ctx context.Context, query string, prior []models.Turn) QueryResult {
	if s.index == nil || s.chat == nil {
		s.logger.Error("query service is not wired", "index", s.index != nil, "chat", s.chat != nil)
		return s.failure(FailureUnknown)
	}

	results, err := s.index.Query(ctx, query, s.topK)
	if err != nil {
		return s.fail(err, "similarity search failed")
	}
	s.logger.Info("retrieved candidates", "count", len(results))

	assembly := retrieval.Assemble(results, s.threshold)
	s.logger.Info("context assembled", "kept", assembly.Kept, "sources", len(assembly.Sources))

	var system string
	if assembly.Empty() {
		switch s.fallback {
		case FallbackGeneral:
			s.logger.Warn("no relevant results, using general knowledge")
			system = generalInstructions
		default:
			s.logger.Warn("no relevant results, declining to answer")
			return QueryResult{Response: InsufficientContextText, Sources: []string{}}
		}
	} else {
		system = s.instructions + assembly.Context + "\n\n"
	}

	turns := s.buildTurns(system, query, prior)
	kept := s.truncate(turns)
	if history.SystemEvicted(turns, kept) {
		s.logger.Warn("history truncation evicted the context turn", "turns", len(turns), "kept", len(kept))
	}

	reply, err := s.chat.Complete(ctx, kept, s.chatOptions)
	if err != nil {
		return s.fail(err, "chat completion failed")
	}

	return QueryResult{
		Response: withSources(strings.TrimSpace(reply), assembly.Sources),
		Sources:  assembly.Sources,
	}
}

// buildTurns orders the system turn, usable prior turns and the new query
func (s *QueryService) buildTurns(system, query string, prior []models.Turn) []models.Turn {
	turns := make([]models.Turn, 0, len(prior)+2)
	turns = append(turns, models.SystemTurn(system))
	for _, t := range prior {
		switch t.Role {
		case models.RoleUser, models.RoleAssistant:
			turns = append(turns, t)
		case models.RoleSystem:
			// stored history never carries its own system turn
		}
	}
	return append(turns, models.UserTurn(query))
}

func (s *QueryService) truncate(turns []models.Turn) []models.Turn {
	if s.protectFirst {
		return history.TruncateProtected(turns, s.budget.MaxUnits, s.budget.ReservedUnits, s.counter)
	}
	return history.Truncate(turns, s.budget.MaxUnits, s.budget.ReservedUnits, s.counter)
}

// fail logs a collaborator error and converts it into a user-facing result
func (s *QueryService) fail(err error, msg string) QueryResult {
	kind := classify(err)
	s.logger.Error(msg, "error", err, "failure", kind.String())
	return s.failure(kind)
}

func (s *QueryService) failure(kind FailureKind) QueryResult {
	if kind == FailureIndexUnavailable {
		return QueryResult{Response: MissingIndexMessage, Sources: []string{}, Failure: kind}
	}
	return QueryResult{Response: GenericFailureMessage, Sources: []string{}, Failure: kind}
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, models.ErrIndexUnavailable):
		return FailureIndexUnavailable
	case errors.Is(err, models.ErrEmbedding):
		return FailureEmbedding
	case errors.Is(err, models.ErrRetrieval):
		return FailureRetrieval
	case errors.Is(err, models.ErrGeneration):
		return FailureGeneration
	default:
		return FailureUnknown
	}
}

// withSources appends a source list unless the reply already cites sources
func withSources(reply string, sources []string) string {
	if len(sources) == 0 || strings.Contains(reply, "Sources:") {
		return reply
	}
	var b strings.Builder
	b.WriteString(reply)
	b.WriteString("\n\nSources:")
	for _, src := range sources {
		b.WriteString("\n- ")
		b.WriteString(src)
	}
	return b.String()
}
