package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fixwise/fixwise/internal/conversation"
	"github.com/fixwise/fixwise/internal/intent"
	"github.com/fixwise/fixwise/internal/retrieval"
)

// Canned replies for turns that never reach the model.
const (
	replyGreeting = "Hi! Describe the equipment problem you're seeing and I'll help you troubleshoot it."
	replyClarify  = "I don't have enough to go on yet. Can you tell me which piece of equipment this is and what it's doing (or failing to do)?"
	replyEscalate = "This looks like it needs hands-on expertise, so I won't guess. Please loop in a qualified technician; I can help you describe the symptoms for them."
	replyCannot   = "I can't answer that reliably right now. Please try again in a moment, or rephrase with more detail about the equipment and the symptom."
	replyStatus   = "Run `fixwise status` for the ingestion and retrieval health report."
)

// classifier is the slice of intent.Classifier the orchestrator needs.
type classifier interface {
	Classify(ctx context.Context, text string) intent.Classification
}

// searcher is the slice of retrieval.Engine the orchestrator needs.
type searcher interface {
	Search(ctx context.Context, query, category string) (*retrieval.Result, error)
}

// flowStore is the slice of conversation.Store the orchestrator needs.
type flowStore interface {
	Get(ctx context.Context, userID, flowType string) (*conversation.State, error)
	StartFlow(ctx context.Context, userID, flowType string) (*conversation.State, string, error)
	Advance(ctx context.Context, userID, flowType, input string, expectedVersion int32) (*conversation.State, string, error)
}

// Reply is the orchestrator's answer to one turn.
type Reply struct {
	// ConversationID identifies the turn's conversation. Callers pass
	// it back on the next turn to keep one conversation's turns
	// correlated in logs and traces.
	ConversationID string
	Text           string
	// Decision is set for retrieval-backed turns, nil for flow and
	// canned turns.
	Decision *Decision
	Intent   intent.Classification
	// Flow is set when the turn advanced or started a flow.
	Flow *conversation.State
}

// Orchestrator handles user turns end to end.
type Orchestrator struct {
	classifier classifier
	engine     searcher
	flows      flowStore
	responder  Responder
	// collaborators answer collaborative turns; all of them are
	// consulted and their answers merged.
	collaborators []Responder
	thresholds    Thresholds
	logger        *slog.Logger
}

// New creates an Orchestrator.
func New(cls classifier, engine searcher, flows flowStore, responder Responder, th Thresholds, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case cls == nil, engine == nil, flows == nil, responder == nil:
		return nil, errors.New("orchestrator requires classifier, engine, flow store and responder")
	}
	if th.DirectAnswer <= 0 {
		th.DirectAnswer = 0.8
	}
	if th.Clarify <= 0 {
		th.Clarify = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		classifier: cls,
		engine:     engine,
		flows:      flows,
		responder:  responder,
		thresholds: th,
		logger:     logger,
	}, nil
}

// RegisterResponder adds a responder to the collaborative set consulted
// on route D turns. Not safe to call concurrently with HandleTurn.
func (o *Orchestrator) RegisterResponder(r Responder) {
	if r != nil {
		o.collaborators = append(o.collaborators, r)
	}
}

// HandleTurn processes one user message. It never returns an error for
// content the user could have typed: bad input degrades to a clarifying
// or safe reply. Errors mean the turn could not be handled at all.
//
// An empty conversationID starts a new conversation; the assigned id
// comes back on the Reply so the caller can thread it through
// subsequent turns.
func (o *Orchestrator) HandleTurn(ctx context.Context, conversationID, userID, text string) (*Reply, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	reply, err := o.handleTurn(ctx, conversationID, userID, text)
	if err != nil {
		return nil, err
	}
	reply.ConversationID = conversationID
	return reply, nil
}

func (o *Orchestrator) handleTurn(ctx context.Context, conversationID, userID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Reply{Text: replyClarify, Decision: &Decision{Route: RouteClarify,
			Trace: []string{"empty input"}}}, nil
	}

	// An in-flight flow claims the turn before intent classification:
	// "ACME" mid-intake is an answer, not a query.
	if reply, handled, err := o.continueFlow(ctx, userID, text); err != nil {
		return nil, err
	} else if handled {
		return reply, nil
	}

	cls := o.classifier.Classify(ctx, text)
	logger := o.logger.With("conversation", conversationID, "user", userID, "intent", cls.Intent)

	switch cls.Intent {
	case intent.IntentGreeting:
		return &Reply{Text: replyGreeting, Intent: cls}, nil
	case intent.IntentStatus:
		return &Reply{Text: replyStatus, Intent: cls}, nil
	case intent.IntentEquipmentIntake:
		return o.startFlow(ctx, userID, conversation.FlowEquipmentIntake, cls)
	case intent.IntentIssueReport:
		return o.startFlow(ctx, userID, conversation.FlowIssueReport, cls)
	}

	// Troubleshooting and unknown intents both go through retrieval;
	// the route decision, not the intent, decides how much we commit.
	res, err := o.engine.Search(ctx, text, cls.Category)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}
	decision := decide(o.thresholds, res)
	logger.Info("turn routed",
		"route", decision.Route, "coverage", decision.Coverage,
		"confidence", decision.Confidence, "degraded", res.Degraded)

	reply := &Reply{Decision: &decision, Intent: cls}
	switch decision.Route {
	case RouteDirect, RouteCaveated:
		answer, err := o.responder.Compose(ctx, decision.Route, text, res.Hits)
		if err != nil {
			// Retrieval and composition both out means no safe path to
			// an answer; say so instead of improvising.
			logger.Warn("answer composition failed", "error", err)
			decision.trace("composition failed, returning safe reply")
			reply.Text = replyCannot
			return reply, nil
		}
		reply.Text = answer
	case RouteCollaborative:
		reply.Text = o.collaborate(ctx, logger, &decision, text, res.Hits)
	default:
		reply.Text = replyClarify
	}
	return reply, nil
}

// collaborate fans the turn out to every registered responder and
// merges their answers. With no responders registered, or none
// answering, the canned escalation text stands in.
func (o *Orchestrator) collaborate(ctx context.Context, logger *slog.Logger, d *Decision, query string, hits []retrieval.Hit) string {
	if len(o.collaborators) == 0 {
		d.trace("no collaborative responders registered, escalating")
		return replyEscalate
	}

	answers := make([]string, len(o.collaborators))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range o.collaborators {
		g.Go(func() error {
			answer, err := r.Compose(gctx, RouteCollaborative, query, hits)
			if err != nil {
				logger.Warn("collaborative responder failed", "responder", i, "error", err)
				return nil
			}
			answers[i] = strings.TrimSpace(answer)
			return nil
		})
	}
	_ = g.Wait()

	merged := answers[:0]
	for _, a := range answers {
		if a != "" {
			merged = append(merged, a)
		}
	}
	if len(merged) == 0 {
		d.trace("every collaborative responder failed, escalating")
		return replyEscalate
	}
	d.trace("merged %d collaborative answers", len(merged))
	return mergeAnswers(merged)
}

// mergeAnswers joins the collaborative answers, labeling each so its
// inline citations stay scoped to the answer that made them.
func mergeAnswers(answers []string) string {
	if len(answers) == 1 {
		return answers[0]
	}
	var b strings.Builder
	for i, a := range answers {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Perspective %d: %s", i+1, a)
	}
	return b.String()
}

// continueFlow advances the user's active flow, if any. Version
// conflicts are not surfaced as errors: the loser of a concurrent
// advance gets the winner's next prompt.
func (o *Orchestrator) continueFlow(ctx context.Context, userID, text string) (*Reply, bool, error) {
	for _, flowType := range []string{conversation.FlowEquipmentIntake, conversation.FlowIssueReport} {
		st, err := o.flows.Get(ctx, userID, flowType)
		if errors.Is(err, conversation.ErrNoActiveFlow) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("checking active flow: %w", err)
		}
		if st.Completed {
			continue
		}

		st, prompt, err := o.flows.Advance(ctx, userID, flowType, text, st.Version)
		switch {
		case errors.Is(err, conversation.ErrVersionConflict):
			return &Reply{Text: prompt, Flow: st}, true, nil
		case errors.Is(err, conversation.ErrInvalidInput):
			return &Reply{Text: fmt.Sprintf("That doesn't look right (%v). %s", err, prompt), Flow: st}, true, nil
		case err != nil:
			return nil, false, fmt.Errorf("advancing flow: %w", err)
		}

		if st.Completed {
			return &Reply{Text: "Got it, that's everything I need. " + replyGreeting, Flow: st}, true, nil
		}
		return &Reply{Text: prompt, Flow: st}, true, nil
	}
	return nil, false, nil
}

func (o *Orchestrator) startFlow(ctx context.Context, userID, flowType string, cls intent.Classification) (*Reply, error) {
	st, prompt, err := o.flows.StartFlow(ctx, userID, flowType)
	if err != nil {
		return nil, fmt.Errorf("starting %s flow: %w", flowType, err)
	}
	return &Reply{Text: prompt, Intent: cls, Flow: st}, nil
}
