package crm

import (
	"context"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/AngelCh415/crmsync/internal/models"
)

type pipelineWire struct {
	ID     string      `json:"id"`
	Label  string      `json:"label"`
	Name   string      `json:"name"`
	Stages []stageWire `json:"stages"`
}

// stageWire accepts probability/isClosed either as typed top-level fields
// or as strings under metadata.
type stageWire struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Name        string            `json:"name"`
	Probability *float64          `json:"probability"`
	IsClosed    *bool             `json:"isClosed"`
	Metadata    map[string]string `json:"metadata"`
}

func (s stageWire) definition() models.StageDefinition {
	def := models.StageDefinition{ID: s.ID, Name: firstNonEmpty(s.Label, s.Name, s.ID)}
	switch {
	case s.Probability != nil:
		def.Probability = *s.Probability
	case s.Metadata["probability"] != "":
		def.Probability, _ = strconv.ParseFloat(s.Metadata["probability"], 64)
	}
	switch {
	case s.IsClosed != nil:
		def.IsClosed = *s.IsClosed
	case s.Metadata["isClosed"] != "":
		def.IsClosed, _ = strconv.ParseBool(s.Metadata["isClosed"])
	}
	return def
}

// FetchPipelines reads every pipeline definition for objectType. Stage order
// is preserved as returned.
func (c *Client) FetchPipelines(ctx context.Context, objectType string) ([]models.PipelineDefinition, error) {
	items, err := c.FetchAllPages(ctx, "/pipelines/"+objectType, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s pipelines", objectType)
	}
	out := make([]models.PipelineDefinition, 0, len(items))
	for _, it := range items {
		var p pipelineWire
		if err := json.Unmarshal(it, &p); err != nil {
			return nil, errors.Wrap(err, "decode pipeline")
		}
		def := models.PipelineDefinition{
			ID:     p.ID,
			Name:   firstNonEmpty(p.Label, p.Name, p.ID),
			Stages: make([]models.StageDefinition, 0, len(p.Stages)),
		}
		for _, s := range p.Stages {
			def.Stages = append(def.Stages, s.definition())
		}
		out = append(out, def)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
