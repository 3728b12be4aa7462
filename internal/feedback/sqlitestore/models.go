package sqlitestore

import (
	"time"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/workflow"
)

type feedbackRow struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Source         string    `gorm:"column:source;not null;index"`
	Content        string    `gorm:"column:content;not null"`
	Timestamp      time.Time `gorm:"column:timestamp;not null;index"`
	UserID         *string   `gorm:"column:user_id"`
	Metadata       []byte    `gorm:"column:metadata"`
	SentimentLabel *string   `gorm:"column:sentiment_label"`
	SentimentScore *float64  `gorm:"column:sentiment_score"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (feedbackRow) TableName() string { return "feedback" }

func (r *feedbackRow) toFeedback() feedback.Feedback {
	f := feedback.Feedback{
		ID:             r.ID,
		Source:         r.Source,
		Content:        r.Content,
		Timestamp:      r.Timestamp,
		SentimentScore: r.SentimentScore,
		CreatedAt:      r.CreatedAt,
	}
	if r.UserID != nil {
		f.UserID = *r.UserID
	}
	if len(r.Metadata) > 0 {
		f.Metadata = r.Metadata
	}
	if r.SentimentLabel != nil {
		f.SentimentLabel = *r.SentimentLabel
	}
	return f
}

type caseRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Title     string    `gorm:"column:title;not null"`
	Status    string    `gorm:"column:status;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (caseRow) TableName() string { return "cases" }

func (r *caseRow) toCase() feedback.Case {
	return feedback.Case{
		ID:        r.ID,
		Title:     r.Title,
		Status:    feedback.CaseStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type caseFeedbackRow struct {
	CaseID     int64 `gorm:"column:case_id;primaryKey;autoIncrement:false"`
	FeedbackID int64 `gorm:"column:feedback_id;primaryKey;autoIncrement:false;index"`
}

func (caseFeedbackRow) TableName() string { return "case_feedback" }

type flagRow struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	FeedbackID int64     `gorm:"column:feedback_id;not null;index"`
	Severity   float64   `gorm:"column:severity_score;not null"`
	Reason     string    `gorm:"column:reason;not null"`
	DetectedAt time.Time `gorm:"column:detected_at;not null"`
}

func (flagRow) TableName() string { return "under_radar_flags" }

func (r *flagRow) toFlag() feedback.Flag {
	return feedback.Flag{
		ID:         r.ID,
		FeedbackID: r.FeedbackID,
		Severity:   r.Severity,
		Reason:     r.Reason,
		DetectedAt: r.DetectedAt,
	}
}

type editionRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Date      string    `gorm:"column:edition_date;not null;uniqueIndex"`
	Content   string    `gorm:"column:content;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (editionRow) TableName() string { return "daily_editions" }

func (r *editionRow) toEdition() feedback.Edition {
	return feedback.Edition{ID: r.ID, Date: r.Date, Content: r.Content, CreatedAt: r.CreatedAt}
}

type instanceRow struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Type        string    `gorm:"column:type;not null"`
	Params      []byte    `gorm:"column:params"`
	Status      string    `gorm:"column:status;not null;index:idx_instances_status"`
	CurrentStep string    `gorm:"column:current_step;not null;default:''"`
	Output      []byte    `gorm:"column:output"`
	Error       string    `gorm:"column:error;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_instances_status;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (instanceRow) TableName() string { return "workflow_instances" }

func newInstanceRow(inst *workflow.Instance) instanceRow {
	return instanceRow{
		ID:          inst.ID,
		Type:        inst.Type,
		Params:      inst.Params,
		Status:      string(inst.Status),
		CurrentStep: inst.CurrentStep,
		Output:      inst.Output,
		Error:       inst.Error,
		CreatedAt:   inst.CreatedAt.UTC(),
		UpdatedAt:   inst.UpdatedAt.UTC(),
	}
}

func (r *instanceRow) toInstance() workflow.Instance {
	inst := workflow.Instance{
		ID:          r.ID,
		Type:        r.Type,
		Status:      workflow.Status(r.Status),
		CurrentStep: r.CurrentStep,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Params) > 0 {
		inst.Params = r.Params
	}
	if len(r.Output) > 0 {
		inst.Output = r.Output
	}
	return inst
}

type stepRow struct {
	InstanceID string    `gorm:"column:instance_id;primaryKey"`
	Name       string    `gorm:"column:name;primaryKey"`
	Status     string    `gorm:"column:status;not null"`
	Attempts   int       `gorm:"column:attempts;not null"`
	Output     []byte    `gorm:"column:output"`
	Error      string    `gorm:"column:error;not null;default:''"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (stepRow) TableName() string { return "workflow_steps" }

func (r *stepRow) toStep() workflow.StepRecord {
	rec := workflow.StepRecord{
		InstanceID: r.InstanceID,
		Name:       r.Name,
		Status:     workflow.StepStatus(r.Status),
		Attempts:   r.Attempts,
		Error:      r.Error,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Output) > 0 {
		rec.Output = r.Output
	}
	return rec
}
