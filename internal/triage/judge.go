package triage

import (
	"context"
	"fmt"
)

// Judge is the AI collaborator asked whether an item is under the radar.
type Judge interface {
	DetectUnderRadar(ctx context.Context, content string) (Judgment, error)
}

// JudgeFunc adapts a plain function to Judge.
type JudgeFunc func(ctx context.Context, content string) (Judgment, error)

// DetectUnderRadar implements Judge.
func (f JudgeFunc) DetectUnderRadar(ctx context.Context, content string) (Judgment, error) {
	return f(ctx, content)
}

// Judgment is the AI's verdict on one item. Severity is on the 0-10 scale.
type Judgment struct {
	IsUnderRadar bool    `json:"isUnderRadar"`
	Reason       string  `json:"reason"`
	Severity     float64 `json:"severity"`
}

// DefaultJudgment stands in when the Judge fails or times out.
var DefaultJudgment = Judgment{IsUnderRadar: false, Reason: "Error analyzing", Severity: 3}

// flagReason renders the persisted reason for a flag.
func flagReason(heuristic, ai string) string {
	return fmt.Sprintf("Scoring: %s. AI: %s", heuristic, ai)
}
