package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies one variant of the closed Event set.
type Kind string

const (
	KindJobCompleted            Kind = "job.completed"
	KindJobFailed               Kind = "job.failed"
	KindJobSkipped              Kind = "job.skipped"
	KindRecommendationGenerated Kind = "recommendation.generated"
	KindModelDeployed           Kind = "model.deployed"
	KindRiskLevelChanged        Kind = "risk_level.changed"
	KindConfigChanged           Kind = "config.changed"
	KindStatisticsRefreshed     Kind = "statistics.refreshed"
	KindExportGenerated         Kind = "export.generated"
)

var allKinds = []Kind{
	KindJobCompleted,
	KindJobFailed,
	KindJobSkipped,
	KindRecommendationGenerated,
	KindModelDeployed,
	KindRiskLevelChanged,
	KindConfigChanged,
	KindStatisticsRefreshed,
	KindExportGenerated,
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind { return append([]Kind(nil), allKinds...) }

func (k Kind) Valid() bool {
	for _, v := range allKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Topic groups used for broadcast-style events.
const (
	TopicJobs    = "jobs"
	TopicModels  = "models"
	TopicOps     = "ops"
	TopicStats   = "stats"
	TopicExports = "exports"
)

// Target is the logical recipient of an event for real-time fan-out.
// Exactly one of UserID/Topic is normally set; both empty means "not pushed".
type Target struct {
	UserID string
	Topic  string
}

// Event is a domain event. The set of implementations is closed: only the
// structs in this package satisfy it.
type Event interface {
	ID() string
	Kind() Kind
	OccurredAt() time.Time
	Target() Target
	sealed()
}

// Meta carries the identity shared by every event. Embed it by value.
type Meta struct {
	EventID string    `json:"id"`
	At      time.Time `json:"at"`
}

// NewMeta stamps a fresh event id and the current time.
func NewMeta() Meta {
	return Meta{EventID: uuid.NewString(), At: time.Now()}
}

func (m Meta) ID() string            { return m.EventID }
func (m Meta) OccurredAt() time.Time { return m.At }
func (Meta) sealed()                 {}

// JobCompleted is raised for every job run reaching a terminal status.
type JobCompleted struct {
	Meta
	Job         string        `json:"job"`
	RunID       string        `json:"run_id"`
	Status      string        `json:"status"`
	Attempt     int           `json:"attempt"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration"`
	Class       string        `json:"class,omitempty"`
	ErrorDetail string        `json:"error,omitempty"`
	Abandoned   bool          `json:"abandoned,omitempty"`
}

func (JobCompleted) Kind() Kind     { return KindJobCompleted }
func (JobCompleted) Target() Target { return Target{Topic: TopicJobs} }

// JobFailed is raised once a run settles at Failed after exhausting its attempts
// (or failing permanently).
type JobFailed struct {
	Meta
	Job         string `json:"job"`
	RunID       string `json:"run_id"`
	Attempts    int    `json:"attempts"`
	Class       string `json:"class"`
	ErrorDetail string `json:"error,omitempty"`
}

func (JobFailed) Kind() Kind     { return KindJobFailed }
func (JobFailed) Target() Target { return Target{Topic: TopicJobs} }

// JobSkipped is raised when a due notice is rejected before a run is created
// (overlap policy, open circuit, paused scheduler, stopping executor).
type JobSkipped struct {
	Meta
	Job         string    `json:"job"`
	Reason      string    `json:"reason"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (JobSkipped) Kind() Kind     { return KindJobSkipped }
func (JobSkipped) Target() Target { return Target{Topic: TopicJobs} }

type RecommendationGenerated struct {
	Meta
	UserID  string   `json:"user_id"`
	Model   string   `json:"model"`
	GameIDs []string `json:"game_ids"`
}

func (RecommendationGenerated) Kind() Kind       { return KindRecommendationGenerated }
func (e RecommendationGenerated) Target() Target { return Target{UserID: e.UserID} }

type ModelDeployed struct {
	Meta
	Model      string `json:"model"`
	Version    string `json:"version"`
	DeployedBy string `json:"deployed_by,omitempty"`
}

func (ModelDeployed) Kind() Kind     { return KindModelDeployed }
func (ModelDeployed) Target() Target { return Target{Topic: TopicModels} }

type RiskLevelChanged struct {
	Meta
	UserID string `json:"user_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func (RiskLevelChanged) Kind() Kind       { return KindRiskLevelChanged }
func (e RiskLevelChanged) Target() Target { return Target{UserID: e.UserID} }

type ConfigChanged struct {
	Meta
	Sections []string `json:"sections"`
	// RestartRequired lists sections whose changes are not applied until restart.
	RestartRequired []string `json:"restart_required,omitempty"`
}

func (ConfigChanged) Kind() Kind     { return KindConfigChanged }
func (ConfigChanged) Target() Target { return Target{Topic: TopicOps} }

type StatisticsRefreshed struct {
	Meta
	Window    time.Duration `json:"window"`
	Runs      int           `json:"runs"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	TimedOut  int           `json:"timed_out"`
}

func (StatisticsRefreshed) Kind() Kind     { return KindStatisticsRefreshed }
func (StatisticsRefreshed) Target() Target { return Target{Topic: TopicStats} }

type ExportGenerated struct {
	Meta
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name"`
	Path   string `json:"-"`
	Rows   int    `json:"rows"`
}

func (ExportGenerated) Kind() Kind { return KindExportGenerated }
func (e ExportGenerated) Target() Target {
	if e.UserID != "" {
		return Target{UserID: e.UserID}
	}
	return Target{Topic: TopicExports}
}
