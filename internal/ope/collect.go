package ope

import (
	"context"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Collect appends numEpisodes episodes of p acting on environment to the dataset.
//
// Early terminations of the environment close the episode, with the punishment added to the primary cost.
func Collect(ctx context.Context, environment env.Environment, p policy.Policy, dataset *replay.Dataset, numEpisodes int) error {
	for episode := range numEpisodes {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "collection interrupted at episode %d", episode)
		}
		if err := dataset.StartNewEpisode(environment.Reset()); err != nil {
			return errors.WithMessagef(err, "starting episode %d", episode)
		}
		for done := false; !done; {
			state, err := dataset.CurrentState()
			if err != nil {
				return err
			}
			action := p.Act(state)
			frame, costs, stepDone, err := environment.Step(action)
			if err != nil {
				return errors.WithMessagef(err, "episode %d", episode)
			}
			done = stepDone
			if !done && len(costs) > 0 {
				var punishment float32
				if done, punishment = environment.IsEarlyEpisodeTermination(costs[0]); done {
					costs[0] += punishment
				}
			}
			if err = dataset.Append(action, frame, costs, done); err != nil {
				return errors.WithMessagef(err, "episode %d", episode)
			}
		}
	}
	klog.V(1).Infof("Collected %d episodes of %s, dataset has %d transitions", numEpisodes, p, dataset.NumTransitions())
	return nil
}
