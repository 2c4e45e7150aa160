// Package chat assembles prompts for the histology assistant and relays
// them to an LLM backend.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"histoxai/internal/llm"
	"histoxai/pkg/types"
)

// ErrUnavailable is returned when no LLM backend is configured.
var ErrUnavailable = errors.New("chat: assistant not configured")

const introRequest = "Please introduce yourself and explain how you can help."

// SystemPrompt is the base instruction for the assistant.
const SystemPrompt = `You are a helpful AI assistant integrated into a colorectal cancer histology classification system.
You can answer general questions and provide medical information about colorectal cancer, histology, and related topics.

When provided with classification context, you can:
- Explain what the predicted tissue type means
- Discuss the confidence level and what it indicates
- Provide information about the tissue classes (TUMOR, STROMA, COMPLEX, LYMPHO, DEBRIS, MUCOSA, ADIPOSE, EMPTY)
- Answer questions about the classification results

Always be accurate, helpful, and professional. If you're unsure about medical information, recommend consulting with a healthcare professional.`

// Service answers chat requests.
type Service struct {
	llm llm.Adapter
	log zerolog.Logger
}

// NewService returns a Service; a nil adapter makes every Reply fail with
// ErrUnavailable.
func NewService(a llm.Adapter, log zerolog.Logger) *Service {
	return &Service{llm: a, log: log.With().Str("component", "chat").Logger()}
}

// Available reports whether a backend is configured.
func (s *Service) Available() bool { return s.llm != nil }

// Reply sends history, framed by the system prompt and optional prediction
// context, and returns the assistant's trimmed answer.
func (s *Service) Reply(ctx context.Context, history []types.ChatMessage, pred *types.PredictionResult) (string, error) {
	if s.llm == nil {
		return "", ErrUnavailable
	}
	msgs := BuildMessages(history, pred)
	out, err := s.llm.Complete(ctx, msgs)
	if err != nil {
		s.log.Error().Err(err).Int("turns", len(history)).Msg("chat completion failed")
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("chat: empty reply")
	}
	s.log.Debug().Int("turns", len(history)).Bool("context", pred != nil).Msg("chat reply")
	return out, nil
}

// BuildMessages maps a conversation onto completion messages. Roles other
// than assistant are sent as user turns. An empty history asks the
// assistant to introduce itself.
func BuildMessages(history []types.ChatMessage, pred *types.PredictionResult) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: Prompt(pred)}}
	if len(history) == 0 {
		return append(msgs, llm.Message{Role: llm.RoleUser, Content: introRequest})
	}
	for _, m := range history {
		role := llm.RoleUser
		if strings.EqualFold(m.Role, llm.RoleAssistant) {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}

// Prompt returns the system prompt, extended with the classification
// context when pred is set.
func Prompt(pred *types.PredictionResult) string {
	if pred == nil {
		return SystemPrompt
	}
	return SystemPrompt + "\n\nCurrent Classification Context:\n" + FormatContext(pred)
}

// FormatContext renders a prediction for the assistant: label, confidence,
// probabilities sorted descending and each model's top class.
func FormatContext(pred *types.PredictionResult) string {
	if pred == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current Classification: %s\n", pred.PredictedClass)
	fmt.Fprintf(&b, "Confidence: %s\n", percent(pred.Confidence))
	b.WriteString("\nClass Probabilities:")
	for _, kv := range sortedDesc(pred.ClassProbabilities) {
		fmt.Fprintf(&b, "\n  - %s: %s", kv.label, percent(kv.p))
	}
	if len(pred.PerModelScores) > 0 {
		b.WriteString("\n\nPer-Model Scores:")
		for _, s := range pred.PerModelScores {
			top := sortedDesc(s.Probabilities)
			if len(top) == 0 {
				continue
			}
			fmt.Fprintf(&b, "\n  - %s: %s (%s)", s.ModelName, top[0].label, percent(top[0].p))
		}
	}
	return b.String()
}

type labeled struct {
	label string
	p     float64
}

// sortedDesc orders by probability, ties by label.
func sortedDesc(m map[string]float64) []labeled {
	out := make([]labeled, 0, len(m))
	for k, v := range m {
		out = append(out, labeled{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].p != out[j].p {
			return out[i].p > out[j].p
		}
		return out[i].label < out[j].label
	})
	return out
}

func percent(p float64) string { return fmt.Sprintf("%.2f%%", p*100) }
