// Package deployment holds the Deployment entity: one user-submitted
// change request tracked through the coding -> imagegen pipeline.
package deployment

// Deployment is the durable record of one pipeline run against a project.
type Deployment struct {
	ID           int
	Project      string
	Instructions string

	SubmittedAt int64

	CodingStartedAt    *int64
	CodingFinishedAt   *int64
	ImagegenStartedAt  *int64
	ImagegenFinishedAt *int64

	CodingGitHash   *string
	ImagegenGitHash *string

	DeploymentRequest *int64

	Deleted bool
}

// Stage reports which pipeline stage a deployment is currently in.
type Stage int

const (
	StageQueued Stage = iota
	StageCoding
	StageImagegen
	StageDone
)

// CurrentStage derives the deployment's stage from its timestamp columns,
// since no in-memory state machine object is ever constructed — every
// transition is a column write, and the row itself is the state.
func (d Deployment) CurrentStage() Stage {
	switch {
	case d.ImagegenFinishedAt != nil:
		return StageDone
	case d.CodingFinishedAt != nil:
		return StageImagegen
	case d.CodingStartedAt != nil:
		return StageCoding
	default:
		return StageQueued
	}
}

// CoderAssignment is the JSON document written to a worker's coder scope.
type CoderAssignment struct {
	Project      string  `json:"project"`
	Instructions string  `json:"instructions"`
	Version      *string `json:"version"`
}

// CoderOutput is the JSON document read back from a finished coder run.
type CoderOutput struct {
	GitHash string `json:"git_hash"`
}

// ImagegenAssignment is the JSON document written to a worker's imagegen
// scope.
type ImagegenAssignment struct {
	Project string `json:"project"`
}

// ImagegenOutput is the JSON document read back from a finished imagegen
// run.
type ImagegenOutput struct {
	GitHash string `json:"git_hash"`
}
