package crm

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/AngelCh415/crmsync/internal/observability"
)

// Relation names an association from one entity type to another.
type Relation struct {
	From string
	To   string
}

func (r Relation) String() string { return r.From + "->" + r.To }

type association struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type associationResponse struct {
	Results []association `json:"results"`
}

type batchReadResponse struct {
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
	} `json:"results"`
}

type idsRequest struct {
	IDs        []string `json:"ids"`
	Properties []string `json:"properties,omitempty"`
}

type Resolver struct {
	c         *Client
	clock     quartz.Clock
	batchSize int
	delay     time.Duration
	log       *slog.Logger
	obs       *observability.Metrics
}

func NewResolver(c *Client, clock quartz.Clock, batchSize int, delay time.Duration, log *slog.Logger, obs *observability.Metrics) *Resolver {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{c: c, clock: clock, batchSize: batchSize, delay: delay, log: log, obs: obs}
}

// Resolution is the outcome of ResolveAttribute.
type Resolution struct {
	Values        map[string]string
	FailedBatches int
}

// ResolveAttribute maps each parent id to the attribute of its first
// associated rel.To record. Ids whose batch failed, or that have no
// association or no value, are absent; callers apply their own default.
func (r *Resolver) ResolveAttribute(ctx context.Context, parentIDs []string, rel Relation, attribute string) (Resolution, error) {
	out := make(map[string]string, len(parentIDs))
	batches := lo.Chunk(lo.Uniq(parentIDs), r.batchSize)
	failed := 0
	for i, batch := range batches {
		if i > 0 && r.delay > 0 {
			if err := r.wait(ctx); err != nil {
				return Resolution{}, err
			}
		}
		got, err := r.resolveBatch(ctx, batch, rel, attribute)
		if err != nil {
			if isFatal(ctx, err) {
				return Resolution{}, errors.Wrapf(err, "resolve %s", rel)
			}
			failed++
			r.obs.BatchFailure(rel.String())
			r.log.Warn("association batch failed, skipping",
				slog.String("relation", rel.String()),
				slog.Int("batch", i+1),
				slog.Int("ids", len(batch)),
				slog.String("err", err.Error()))
			continue
		}
		for k, v := range got {
			out[k] = v
		}
	}
	r.log.Info("associations resolved",
		slog.String("relation", rel.String()),
		slog.Int("parents", len(parentIDs)),
		slog.Int("resolved", len(out)),
		slog.Int("failed_batches", failed))
	return Resolution{Values: out, FailedBatches: failed}, nil
}

func (r *Resolver) wait(ctx context.Context) error {
	t := r.clock.NewTimer(r.delay, "Resolver", "batchDelay")
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) resolveBatch(ctx context.Context, ids []string, rel Relation, attribute string) (map[string]string, error) {
	var assoc associationResponse
	if err := r.c.PostJSON(ctx, "/associations/"+rel.From+"/"+rel.To+"/batch", idsRequest{IDs: ids}, &assoc); err != nil {
		return nil, err
	}
	parentOf := make(map[string]string, len(assoc.Results))
	for _, a := range assoc.Results {
		if a.From == "" || a.To == "" {
			continue
		}
		if _, ok := parentOf[a.From]; !ok {
			parentOf[a.From] = a.To
		}
	}
	if len(parentOf) == 0 {
		return nil, nil
	}

	related := lo.Uniq(lo.Values(parentOf))
	slices.Sort(related)
	var read batchReadResponse
	if err := r.c.PostJSON(ctx, "/objects/"+rel.To+"/batch/read", idsRequest{IDs: related, Properties: []string{attribute}}, &read); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(read.Results))
	for _, rec := range read.Results {
		if v := rec.Properties[attribute]; v != "" {
			values[rec.ID] = v
		}
	}

	out := make(map[string]string, len(parentOf))
	for parent, child := range parentOf {
		if v, ok := values[child]; ok {
			out[parent] = v
		}
	}
	return out, nil
}
