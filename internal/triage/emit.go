package triage

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Emission helpers. Each durable record is written in a "db-<id>" step, so
// replays publish the live updates again but never duplicate the log.

// emit appends d and then publishes it.
func emit(run *engine.Run, stepID string, d api.Details) error {
	if err := engine.StepVoid(run, "db-"+stepID, func(ctx context.Context) error {
		return run.Append(d)
	}); err != nil {
		return err
	}
	run.Publish(d)
	return nil
}

// emitTool publishes started, waits out the tool's duration, records
// completed and publishes it. also runs inside the recording step before
// the append, so it must be safe to repeat.
func emitTool(run *engine.Run, stepID string, started, completed api.Details, d time.Duration, also func(ctx context.Context) error) error {
	run.Publish(started)
	if err := run.Sleep("tool-"+stepID, d); err != nil {
		return err
	}
	if err := engine.StepVoid(run, "db-"+stepID, func(ctx context.Context) error {
		if also != nil {
			if err := also(ctx); err != nil {
				return err
			}
		}
		return run.Append(completed)
	}); err != nil {
		return err
	}
	run.Publish(completed)
	return nil
}

// streamReasoning streams r word by word under streamID after a thinking
// pause of think.
func streamReasoning(run *engine.Run, streamID string, r Reasoning, think time.Duration) error {
	run.Publish(api.ReasoningDetails{StreamID: streamID, Status: api.ActivityStreaming})
	if err := run.Sleep("think-"+streamID, think); err != nil {
		return err
	}
	for _, partial := range chunks(run.Instance().ID+streamID, strings.Split(r.Text, " "), " ", 0.7) {
		run.Publish(api.ReasoningDetails{Content: partial, StreamID: streamID, Status: api.ActivityStreaming})
	}

	done := api.ReasoningDetails{
		Content:         r.Text,
		StreamID:        streamID,
		Status:          api.ActivityCompleted,
		DurationSeconds: r.DurationSeconds(),
	}
	return emit(run, streamID, done)
}

// streamFileChange streams a diff one or two lines at a time.
func streamFileChange(run *engine.Run, streamID string, change FileChange) error {
	run.Publish(api.FileChangeDetails{FilePath: change.Path, StreamID: streamID, Status: api.ActivityStreaming})
	for _, partial := range chunks(run.Instance().ID+streamID, strings.Split(change.Diff, "\n"), "\n", 0.7) {
		run.Publish(api.FileChangeDetails{FilePath: change.Path, Diff: partial, StreamID: streamID, Status: api.ActivityStreaming})
	}

	done := api.FileChangeDetails{
		FilePath: change.Path,
		Diff:     change.Diff,
		StreamID: streamID,
		Status:   api.ActivityCompleted,
	}
	return emit(run, streamID, done)
}

// chunks returns the growing prefixes of parts joined by sep, taking one
// part with probability single and two otherwise. The split is seeded so a
// replay streams the same prefixes.
func chunks(seed string, parts []string, sep string, single float64) []string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	rng := rand.New(rand.NewPCG(h.Sum64(), 0))

	var (
		out []string
		acc strings.Builder
	)
	for i := 0; i < len(parts); {
		n := 1
		if rng.Float64() >= single {
			n = 2
		}
		end := min(i+n, len(parts))
		if i > 0 {
			acc.WriteString(sep)
		}
		acc.WriteString(strings.Join(parts[i:end], sep))
		out = append(out, acc.String())
		i = end
	}
	return out
}
