// Package routing decides which model tier serves a request.
//
// Three strategies exist: a pure rule engine, an LLM classifier, and
// the hybrid composition of the two (rules first, LLM for the
// ambiguous remainder). The decision records which strategy fired.
package routing

import (
	"context"
	"strings"

	"github.com/tiergate/tiergate/config"
)

// Strategy labels how a routing decision was reached. Hybrid is a
// compositional mode, never a recorded outcome, so it has no label.
type Strategy string

const (
	StrategyRule Strategy = "rule"
	StrategyLlm  Strategy = "llm"
)

// Importance is the caller-declared request importance.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// ParseImportance converts a string, defaulting empty to normal.
func ParseImportance(s string) (Importance, bool) {
	switch Importance(strings.ToLower(s)) {
	case "":
		return ImportanceNormal, true
	case ImportanceLow:
		return ImportanceLow, true
	case ImportanceNormal:
		return ImportanceNormal, true
	case ImportanceHigh:
		return ImportanceHigh, true
	default:
		return "", false
	}
}

// TaskType classifies the kind of work a request asks for.
type TaskType string

const (
	TaskCasualChat      TaskType = "casual_chat"
	TaskCode            TaskType = "code"
	TaskCreativeWriting TaskType = "creative_writing"
	TaskDeepAnalysis    TaskType = "deep_analysis"
	TaskDocumentSummary TaskType = "document_summary"
	TaskQuestionAnswer  TaskType = "question_answer"
)

// ParseTaskType converts a string, defaulting empty to question_answer.
func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(strings.ToLower(s)) {
	case "":
		return TaskQuestionAnswer, true
	case TaskCasualChat, TaskCode, TaskCreativeWriting, TaskDeepAnalysis, TaskDocumentSummary, TaskQuestionAnswer:
		return TaskType(strings.ToLower(s)), true
	default:
		return "", false
	}
}

// Metadata is the routing input derived once at the HTTP boundary.
type Metadata struct {
	TokenEstimate int
	Importance    Importance
	TaskType      TaskType
}

// EstimateTokens approximates the token count of a message as
// code points / 4.
func EstimateTokens(message string) int {
	return len([]rune(message)) / 4
}

// InferTaskType guesses a task type from message content. Used by the
// OpenAI-compatible surface, which has no task_type field.
func InferTaskType(message string) TaskType {
	m := strings.ToLower(message)

	switch {
	case containsAny(m, "code", "function", "implement", "```", "programming", "debug"):
		return TaskCode
	case containsAny(m, "analyze", "analysis", "compare", "evaluate"):
		return TaskDeepAnalysis
	case containsAny(m, "write a story", "creative", "poem", "fiction"):
		return TaskCreativeWriting
	case containsAny(m, "summarize", "summary", "tldr"):
		return TaskDocumentSummary
	case containsAny(m, "hello", "hi ", "hey ") || strings.HasPrefix(m, "how are"):
		return TaskCasualChat
	default:
		return TaskQuestionAnswer
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Decision is the outcome of routing: the target tier, the strategy
// that produced it, and any non-fatal warnings gathered on the way.
type Decision struct {
	Target   config.Tier
	Strategy Strategy
	Warnings []string
}

// Router is the strategy-selected routing entry point used by handlers.
type Router interface {
	Route(ctx context.Context, message string, meta Metadata) (Decision, error)
}
