package generation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/bramble/pkg/branch"
	"github.com/go-go-golems/bramble/pkg/inference"
)

// Generate runs one full generation round on a node: it aggregates the
// node's context, starts one streaming message per model, fans the models
// out concurrently and pumps fragments through the controller until each
// stream completes, errors, or the node is aborted.
func (c *Controller) Generate(ctx context.Context, engine inference.Engine, nodeID branch.NodeID, models []string) error {
	if len(models) == 0 {
		return errors.New("no models selected")
	}

	contextMessages, err := c.registry.GatherContext(nodeID)
	if err != nil {
		return err
	}

	placeholders, runCtx, err := c.Start(ctx, nodeID, models)
	if err != nil {
		return err
	}

	eg := errgroup.Group{}
	for i, model := range models {
		msg := placeholders[i]
		model := model

		eg.Go(func() error {
			stream, err := engine.Generate(runCtx, contextMessages, model)
			if err != nil {
				return c.Fail(nodeID, msg.ID, err)
			}

			for result := range stream {
				fragment, err := result.Value()
				if err != nil {
					// inference error: recovered by substituting a visible
					// error message, never fatal to the run
					if failErr := c.Fail(nodeID, msg.ID, err); failErr != nil {
						log.Warn().Err(failErr).Str("node_id", nodeID.String()).Msg("failed to record generation error")
					}
					return nil
				}
				c.ApplyChunk(nodeID, msg.ID, fragment)
			}

			if runCtx.Err() != nil {
				// aborted: Abort already finalized the partials
				return nil
			}

			err = c.Finalize(nodeID, msg.ID, msg.StreamingText)
			if err != nil && !errors.Is(err, ErrNotGenerating) {
				return err
			}
			return nil
		})
	}

	return eg.Wait()
}
