package core

import (
	"errors"
	"fmt"
)

// Pipeline is a directed sequence of stages. Stages run in order; the agents
// inside a stage run in parallel and must all finish before the next stage
// starts. A stage failure aborts the remaining stages.
type Pipeline struct {
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

// Stage names one or more agents that run concurrently.
type Stage struct {
	Name   string   `json:"name,omitempty"`
	Agents []string `json:"agents"`
}

// Sequential builds a pipeline of single-agent stages in the given order.
func Sequential(name string, agents ...string) Pipeline {
	p := Pipeline{Name: name, Stages: make([]Stage, 0, len(agents))}
	for _, a := range agents {
		p.Stages = append(p.Stages, Stage{Agents: []string{a}})
	}
	return p
}

// Validate checks structural soundness: at least one stage, no empty stage,
// no blank agent names.
func (p Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	for i, stage := range p.Stages {
		if len(stage.Agents) == 0 {
			return fmt.Errorf("stage %d has no agents", i)
		}
		for _, a := range stage.Agents {
			if a == "" {
				return fmt.Errorf("stage %d names a blank agent", i)
			}
		}
	}
	return nil
}

// AgentNames returns every agent the pipeline references, in stage order.
func (p Pipeline) AgentNames() []string {
	var names []string
	for _, stage := range p.Stages {
		names = append(names, stage.Agents...)
	}
	return names
}
