package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inboxpilot/triage-api/internal/mail"
	"github.com/inboxpilot/triage-api/internal/models"
)

// Node names double as checkpoint pointers; renaming one invalidates
// suspended checkpoints.
const (
	NodeDetectPriority = "detect_priority"
	NodeClassify       = "classify"
	NodeExtractContext = "extract_context"
	NodeGenerateDraft  = "generate_draft"
	NodeAwaitApproval  = "awaiting_approval"
	NodeDone           = "done"
)

const (
	scratchNeedsReply    = "needs_reply"
	scratchThreadContext = "thread_context"
)

// NodeResult is what one node execution wants persisted: the item field
// changes, scratch entries to merge, and the next checkpoint pointer.
type NodeResult struct {
	Delta   models.ItemDelta
	Scratch models.Scratch
	Next    string
}

// NodeDeps carries the injected collaborators nodes may call. Nodes
// receive everything explicitly; there is no shared engine state.
type NodeDeps struct {
	Mail              ThreadReader
	Generator         Generator
	GeneratorDeadline time.Duration
	Logger            *zap.Logger
}

// NodeFunc is a pure function of the item and its scratch state.
type NodeFunc func(ctx context.Context, deps NodeDeps, item *models.ProcessingItem, scratch models.Scratch) (NodeResult, error)

func nodeFunc(name string) (NodeFunc, bool) {
	switch name {
	case NodeDetectPriority:
		return detectPriority, true
	case NodeClassify:
		return classify, true
	case NodeExtractContext:
		return extractContext, true
	case NodeGenerateDraft:
		return generateDraft, true
	}
	return nil, false
}

var urgentKeywords = []string{"urgent", "asap", "immediately", "deadline", "overdue", "final notice", "action required"}

// detectPriority scores the item from envelope heuristics. The score is
// advisory; it never gates later nodes.
func detectPriority(_ context.Context, _ NodeDeps, item *models.ProcessingItem, _ models.Scratch) (NodeResult, error) {
	score := 20
	haystack := strings.ToLower(item.Subject + " " + item.Snippet)
	for _, kw := range urgentKeywords {
		if strings.Contains(haystack, kw) {
			score += 25
		}
	}
	if strings.HasPrefix(strings.ToLower(item.Subject), "re:") {
		score += 10
	}
	if score > 100 {
		score = 100
	}

	status := models.StatusPriorityDetected
	return NodeResult{
		Delta: models.ItemDelta{Status: &status, PriorityScore: &score},
		Next:  NodeClassify,
	}, nil
}

type categoryRule struct {
	category string
	reason   string
	needs    bool
	keywords []string
}

var categoryRules = []categoryRule{
	{"billing", "payment or invoice language in subject/body", true, []string{"invoice", "payment", "receipt", "billing", "refund"}},
	{"scheduling", "meeting or calendar language", true, []string{"meeting", "schedule", "calendar", "reschedule", "appointment", "call"}},
	{"support", "problem or help-request language", true, []string{"issue", "error", "broken", "help", "support", "not working"}},
	{"newsletter", "bulk or unsubscribe markers", false, []string{"unsubscribe", "newsletter", "digest", "weekly update"}},
}

// classify buckets the item with keyword rules and records whether a
// reply draft is warranted.
func classify(_ context.Context, _ NodeDeps, item *models.ProcessingItem, _ models.Scratch) (NodeResult, error) {
	haystack := strings.ToLower(item.Subject + " " + item.Snippet + " " + item.Sender)

	category := "other"
	reason := "no category rule matched"
	needsReply := true
	if strings.Contains(item.Sender, "no-reply") || strings.Contains(item.Sender, "noreply") {
		needsReply = false
		reason = "sender is a no-reply address"
	}
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				category = rule.category
				reason = rule.reason
				if !rule.needs {
					needsReply = false
				}
				break
			}
		}
		if category != "other" {
			break
		}
	}

	status := models.StatusClassified
	return NodeResult{
		Delta: models.ItemDelta{
			Status:               &status,
			Category:             &category,
			ClassificationReason: &reason,
		},
		Scratch: models.Scratch{scratchNeedsReply: needsReply},
		Next:    NodeExtractContext,
	}, nil
}

// extractContext pulls the conversation thread from the mail provider
// and stashes the flattened plain-text history in scratch for the
// generator. Items that need no reply skip straight to suspension.
func extractContext(ctx context.Context, deps NodeDeps, item *models.ProcessingItem, scratch models.Scratch) (NodeResult, error) {
	status := models.StatusContextExtracted
	next := NodeGenerateDraft
	if !needsReply(scratch) {
		next = NodeAwaitApproval
	}

	if item.ThreadID == "" || deps.Mail == nil {
		return NodeResult{
			Delta:   models.ItemDelta{Status: &status},
			Scratch: models.Scratch{scratchThreadContext: item.Snippet},
			Next:    next,
		}, nil
	}

	thread, err := deps.Mail.GetThread(ctx, item.OwnerID, item.ThreadID)
	if err != nil {
		return NodeResult{}, fmt.Errorf("fetch thread %s: %w", item.ThreadID, err)
	}

	var parts []string
	for i := range thread.Messages {
		if body := mail.ExtractBody(&thread.Messages[i]); body != "" {
			parts = append(parts, fmt.Sprintf("From %s:\n%s", thread.Messages[i].From, body))
		}
	}
	threadContext := strings.Join(parts, "\n---\n")
	if threadContext == "" {
		threadContext = item.Snippet
	}

	return NodeResult{
		Delta:   models.ItemDelta{Status: &status},
		Scratch: models.Scratch{scratchThreadContext: threadContext},
		Next:    next,
	}, nil
}

// generateDraft asks the generator for a reply within the configured
// deadline. A timeout is a transient node failure, not a permanent one.
func generateDraft(ctx context.Context, deps NodeDeps, item *models.ProcessingItem, scratch models.Scratch) (NodeResult, error) {
	if deps.Generator == nil {
		return NodeResult{}, fmt.Errorf("draft generator not configured")
	}

	if deps.GeneratorDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.GeneratorDeadline)
		defer cancel()
	}

	draft, err := deps.Generator.Generate(ctx, GenerateRequest{
		Subject: item.Subject,
		Sender:  item.Sender,
		Context: threadContext(scratch),
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("generate draft for %s: %w", item.ID, err)
	}

	status := models.StatusDraftGenerated
	return NodeResult{
		Delta: models.ItemDelta{
			Status:        &status,
			DraftText:     &draft.Text,
			DraftLanguage: &draft.Language,
			DraftTone:     &draft.Tone,
		},
		Next: NodeAwaitApproval,
	}, nil
}

func needsReply(scratch models.Scratch) bool {
	if scratch == nil {
		return true
	}
	if v, ok := scratch[scratchNeedsReply].(bool); ok {
		return v
	}
	return true
}

func threadContext(scratch models.Scratch) string {
	if scratch == nil {
		return ""
	}
	if v, ok := scratch[scratchThreadContext].(string); ok {
		return v
	}
	return ""
}
