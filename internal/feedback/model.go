package feedback

import (
	"encoding/json"
	"time"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseOpen   CaseStatus = "open"
	CaseClosed CaseStatus = "closed"
)

// Sentiment labels produced by the sentiment-analysis step.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Feedback is a single raw input item. Only the sentiment fields change
// after insert, and only once.
type Feedback struct {
	ID             int64           `json:"id"`
	Source         string          `json:"source"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	UserID         string          `json:"userId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	SentimentLabel string          `json:"sentimentLabel,omitempty"`
	SentimentScore *float64        `json:"sentimentScore,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// HasSentiment reports whether the pipeline has already recorded a sentiment.
func (f *Feedback) HasSentiment() bool {
	return f.SentimentLabel != ""
}

// Sentiment is the outcome of a sentiment analysis call.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// NeutralSentiment is substituted when the sentiment collaborator fails.
var NeutralSentiment = Sentiment{Label: SentimentNeutral, Score: 0.5}

// Case is a cluster of related feedback items.
type Case struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Status    CaseStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Flag marks a feedback item as high-severity-but-low-volume. At most one
// flag exists per feedback id; the classifier checks before inserting.
type Flag struct {
	ID         int64     `json:"id"`
	FeedbackID int64     `json:"feedbackId"`
	Severity   float64   `json:"severity"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Edition is one date-keyed daily summary. Content is the serialized
// edition artifact.
type Edition struct {
	ID        int64     `json:"id"`
	Date      string    `json:"date"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// EditionDateLayout is the calendar-day format used for edition keys.
const EditionDateLayout = "2006-01-02"

// ListOptions bounds a feedback list read. Results are ordered by
// timestamp, newest first.
type ListOptions struct {
	Limit  int
	Offset int
	Source string
}
