package orchestrator

import (
	"context"

	"github.com/letrecovery/recoverykit/pkg/progress"
)

type stage struct {
	name   string
	weight float64
	run    func(ctx context.Context, report progress.Reporter) error
}

// plan runs stages in order and maps each stage's own 0-100 onto its share
// of the overall bar.
type plan struct {
	send   *progress.Sender
	stages []stage
}

func (p *plan) add(name string, weight float64, run func(ctx context.Context, report progress.Reporter) error) {
	p.stages = append(p.stages, stage{name: name, weight: weight, run: run})
}

func (p *plan) names() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.name
	}
	return out
}

// run stops at the first failing stage and returns its error unchanged.
func (p *plan) run(ctx context.Context) error {
	var total float64
	for _, s := range p.stages {
		total += s.weight
	}
	if total <= 0 {
		total = 1
	}

	done := 0.0
	for _, s := range p.stages {
		base := done / total * 100
		span := s.weight / total * 100
		p.send.Step(s.name, 0)
		p.send.Send(progress.Overall(base))

		report := func(pct float64) {
			if pct < 0 {
				pct = 0
			} else if pct > 100 {
				pct = 100
			}
			p.send.Step(s.name, pct)
			p.send.Send(progress.Overall(base + pct*span/100))
		}
		if err := s.run(ctx, report); err != nil {
			log.Error("stage_failed", "stage", s.name, "error", err)
			return err
		}
		report(100)
		done += s.weight
	}
	p.send.Send(progress.Overall(100))
	return nil
}
