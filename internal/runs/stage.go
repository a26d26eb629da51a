package runs

import (
	"fmt"
	"time"
)

// Stage is one ordered phase of the pipeline.
type Stage string

const (
	StageScript    Stage = "script"
	StageScenes    Stage = "scenes"
	StageImages    Stage = "images"
	StageVideo     Stage = "video"
	StageVoiceover Stage = "voiceover"
	StageMusic     Stage = "music"
	StageCaptions  Stage = "captions"
	StageCompile   Stage = "compile"
	StageMetadata  Stage = "metadata"
	StageComplete  Stage = "complete"
)

var stageOrder = []Stage{
	StageScript,
	StageScenes,
	StageImages,
	StageVideo,
	StageVoiceover,
	StageMusic,
	StageCaptions,
	StageCompile,
	StageMetadata,
	StageComplete,
}

// Stages returns every stage in execution order, ending with StageComplete.
func Stages() []Stage {
	return append([]Stage(nil), stageOrder...)
}

// Index returns the position of the stage in the fixed order, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Before reports whether s comes strictly before o.
func (s Stage) Before(o Stage) bool { return s.Index() < o.Index() }

// ParseStage validates a stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// StageProgress is the structured progress record of one stage.
type StageProgress struct {
	Message        string     `json:"message"`
	TotalUnits     int        `json:"totalUnits"`
	CompletedUnits int        `json:"completedUnits"`
	FailedUnits    int        `json:"failedUnits"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Equal compares two progress records, including timestamps.
func (p StageProgress) Equal(o StageProgress) bool {
	return p.Message == o.Message &&
		p.TotalUnits == o.TotalUnits &&
		p.CompletedUnits == o.CompletedUnits &&
		p.FailedUnits == o.FailedUnits &&
		timePtrEqual(p.StartedAt, o.StartedAt) &&
		timePtrEqual(p.CompletedAt, o.CompletedAt)
}

// ProgressDelta is a change merged into the stored progress of a stage.
//
// Reset starts a new attempt of the stage: TotalUnits becomes Total and
// CompletedUnits becomes Completed (units already satisfied by earlier attempts).
// Otherwise Completed and Failed are increments.
type ProgressDelta struct {
	Reset     bool
	Total     int
	Completed int
	Failed    int
	Message   string
	Finish    bool
	Satisfied bool
}

// Apply merges a delta into the current record. Counters are clamped so that
// CompletedUnits+FailedUnits never exceeds TotalUnits.
func (p StageProgress) Apply(d ProgressDelta, now time.Time) StageProgress {
	out := p
	if d.Reset {
		started := now
		out = StageProgress{
			TotalUnits:     max(d.Total, 0),
			CompletedUnits: max(d.Completed, 0),
			StartedAt:      &started,
		}
	} else {
		out.CompletedUnits += max(d.Completed, 0)
		out.FailedUnits += max(d.Failed, 0)
	}
	if d.Satisfied {
		if out.TotalUnits == 0 {
			out.TotalUnits = 1
		}
		out.CompletedUnits = out.TotalUnits
		out.FailedUnits = 0
		if out.StartedAt == nil {
			started := now
			out.StartedAt = &started
		}
		d.Finish = true
	}
	if out.CompletedUnits > out.TotalUnits {
		out.CompletedUnits = out.TotalUnits
	}
	if out.CompletedUnits+out.FailedUnits > out.TotalUnits {
		out.FailedUnits = out.TotalUnits - out.CompletedUnits
	}
	if d.Message != "" {
		out.Message = d.Message
	}
	if d.Finish {
		done := now
		out.CompletedAt = &done
	}
	return out
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
