package aggregate

import (
	"strings"

	"github.com/AngelCh415/crmsync/internal/models"
)

type Outcome int

const (
	Open Outcome = iota
	Won
	Lost
)

func (o Outcome) String() string {
	switch o {
	case Won:
		return "won"
	case Lost:
		return "lost"
	}
	return "open"
}

var (
	lostMarkers = []string{"lost", "perdid"}
	wonMarkers  = []string{"won", "ganad", "matricul", "enrolled", "inscrit"}
)

// ClassifyStage decides a stage's outcome. Checks run in order and the
// first match wins:
//  1. a lost marker in the name is always Lost;
//  2. with a definition, closed stages are Won when probability > 0 and
//     Lost otherwise, open stages are Open;
//  3. without a definition, a won marker in the name is Won.
func ClassifyStage(name string, def *models.StageDefinition) Outcome {
	n := strings.ToLower(name)
	if containsAny(n, lostMarkers) {
		return Lost
	}
	if def != nil {
		if !def.IsClosed {
			return Open
		}
		if def.Probability > 0 {
			return Won
		}
		return Lost
	}
	if containsAny(n, wonMarkers) {
		return Won
	}
	return Open
}

// Classifier resolves (pipeline, stage) pairs against pipeline definitions.
type Classifier struct {
	byPipeline map[string]map[string]models.StageDefinition
	byStage    map[string]models.StageDefinition
}

func NewClassifier(pipelines []models.PipelineDefinition) *Classifier {
	c := &Classifier{
		byPipeline: make(map[string]map[string]models.StageDefinition, len(pipelines)),
		byStage:    make(map[string]models.StageDefinition),
	}
	for _, p := range pipelines {
		stages := make(map[string]models.StageDefinition, len(p.Stages))
		for _, s := range p.Stages {
			stages[s.ID] = s
			if _, ok := c.byStage[s.ID]; !ok {
				c.byStage[s.ID] = s
			}
		}
		c.byPipeline[p.ID] = stages
	}
	return c
}

// Stage finds a stage definition, preferring the given pipeline.
func (c *Classifier) Stage(pipelineID, stageID string) (models.StageDefinition, bool) {
	if stages, ok := c.byPipeline[pipelineID]; ok {
		if s, ok := stages[stageID]; ok {
			return s, true
		}
	}
	s, ok := c.byStage[stageID]
	return s, ok
}

// PipelineOf returns the first pipeline defining stageID.
func (c *Classifier) PipelineOf(stageID string, pipelines []models.PipelineDefinition) (string, bool) {
	for _, p := range pipelines {
		if _, ok := c.byPipeline[p.ID][stageID]; ok {
			return p.ID, true
		}
	}
	return "", false
}

func (c *Classifier) Classify(pipelineID, stageID string) Outcome {
	if s, ok := c.Stage(pipelineID, stageID); ok {
		return ClassifyStage(s.Name, &s)
	}
	return ClassifyStage(stageID, nil)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
