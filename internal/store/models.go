package store

import "time"

// Sentiment is the classifier verdict denormalized from feature.sentiment.
type Sentiment int

const (
	SentimentNeutral  Sentiment = 0
	SentimentPositive Sentiment = 1
	SentimentNegative Sentiment = 2
)

func (s Sentiment) String() string {
	switch s {
	case SentimentNeutral:
		return "neutral"
	case SentimentPositive:
		return "positive"
	case SentimentNegative:
		return "negative"
	default:
		return "unknown"
	}
}

// ProcessState is a workflow marker reserved for downstream consumers.
type ProcessState int

const (
	ProcessPending   ProcessState = 0
	ProcessProcessed ProcessState = 1
	ProcessUnknown   ProcessState = 2
)

type TaskStatus int

const (
	TaskEnabled  TaskStatus = 1
	TaskDisabled TaskStatus = 2
)

func (s TaskStatus) String() string {
	if s == TaskDisabled {
		return "DISABLED"
	}
	return "ENABLED"
}

// Post is one classified post keyed by the upstream origin id.
type Post struct {
	OriginID       string
	PostID         string
	PublishTime    *time.Time
	ReadyTime      *time.Time
	MainDomain     string
	Domain         string
	URL            string
	Title          *string
	Feature        map[string]any
	Sentiment      Sentiment
	POI            map[string]any
	Status         int
	PostType       int
	VideoInfo      map[string]any
	BasedLocation  map[string]any
	MatchedTaskIDs []string
	ProcessState   ProcessState
	UpdatedAt      time.Time
}

// TitleOrEmpty returns the title or "" when the upstream sent none.
func (p Post) TitleOrEmpty() string {
	if p.Title == nil {
		return ""
	}
	return *p.Title
}

// TimeOfDay is a wall-clock time without a date, stored as seconds since midnight.
type TimeOfDay struct {
	Seconds int
}

func (t TimeOfDay) String() string {
	return formatTimeOfDay(t.Seconds)
}

// On returns the instant of t on the calendar day of ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, t.Seconds/3600, t.Seconds%3600/60, t.Seconds%60, 0, ref.Location())
}

// MonitoringTask is the alerting configuration owned by the CRUD layer.
type MonitoringTask struct {
	TaskID          int64
	ExternalTaskID  string
	TaskName        string
	WarnName        string
	EmailEnabled    bool
	EmailRecipients []string
	WindowStart     *TimeOfDay
	WindowEnd       *TimeOfDay
	Status          TaskStatus
}

// PostFilter narrows ListPostsByTask.
type PostFilter struct {
	ExternalTaskID   string
	Sentiment        *Sentiment
	PublishTimeStart *time.Time
	PublishTimeEnd   *time.Time
	Title            string
	MainDomain       string
	Order            string
	Page             int
	PageSize         int
}

type PostPage struct {
	Posts    []Post
	Total    int
	Page     int
	PageSize int
}
