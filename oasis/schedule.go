package oasis

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType identifies a schedule step.
type StepType string

const (
	// StepExpert has a single named expert speak.
	StepExpert StepType = "expert"
	// StepParallel has several named experts speak concurrently.
	StepParallel StepType = "parallel"
	// StepAll has every selected expert speak concurrently.
	StepAll StepType = "all_experts"
	// StepManual injects a post without an LLM call.
	StepManual StepType = "manual"
)

// Step is a single entry in a discussion schedule.
type Step struct {
	Type        StepType
	ExpertNames []string // for StepExpert / StepParallel
	Author      string   // for StepManual
	Content     string   // for StepManual
	ReplyTo     *int     // for StepManual
}

// Schedule is a declarative plan of who speaks when.
//
// Repeat=true runs the whole plan each round, bounded by max_rounds.
// Repeat=false runs each step as its own round, exactly once.
type Schedule struct {
	Steps  []Step
	Repeat bool
}

// scheduleDoc is the YAML shape:
//
//	version: 1
//	repeat: true
//	plan:
//	  - expert: "批判专家"
//	  - parallel: ["创意专家", "数据分析师"]
//	  - manual: {author: "主持人", content: "...", reply_to: 2}
//	  - all_experts: true
type scheduleDoc struct {
	Version int         `yaml:"version"`
	Repeat  bool        `yaml:"repeat"`
	Plan    []yaml.Node `yaml:"plan"`
}

type manualDoc struct {
	Author  string `yaml:"author"`
	Content string `yaml:"content"`
	ReplyTo *int   `yaml:"reply_to"`
}

// ParseSchedule parses a YAML schedule document.
func ParseSchedule(data []byte) (*Schedule, error) {
	var doc scheduleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schedule yaml: %w", err)
	}
	if len(doc.Plan) == 0 {
		return nil, fmt.Errorf("schedule must contain a non-empty 'plan' list")
	}

	steps := make([]Step, 0, len(doc.Plan))
	for i, node := range doc.Plan {
		step, err := parseStep(&node)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return &Schedule{Steps: steps, Repeat: doc.Repeat}, nil
}

func parseStep(node *yaml.Node) (Step, error) {
	var item map[string]yaml.Node
	if err := node.Decode(&item); err != nil {
		return Step{}, fmt.Errorf("step must be a mapping: %w", err)
	}

	if n, ok := item["expert"]; ok {
		var name string
		if err := n.Decode(&name); err != nil || name == "" {
			return Step{}, fmt.Errorf("'expert' must be a non-empty string")
		}
		return Step{Type: StepExpert, ExpertNames: []string{name}}, nil
	}

	if n, ok := item["parallel"]; ok {
		names, err := parseParallel(&n)
		if err != nil {
			return Step{}, err
		}
		return Step{Type: StepParallel, ExpertNames: names}, nil
	}

	if _, ok := item["all_experts"]; ok {
		return Step{Type: StepAll}, nil
	}

	if n, ok := item["manual"]; ok {
		var m manualDoc
		if err := n.Decode(&m); err != nil {
			return Step{}, fmt.Errorf("'manual' must be a mapping: %w", err)
		}
		if m.Content == "" {
			return Step{}, fmt.Errorf("manual step must have 'content'")
		}
		if m.Author == "" {
			m.Author = "主持人"
		}
		return Step{Type: StepManual, Author: m.Author, Content: m.Content, ReplyTo: m.ReplyTo}, nil
	}

	return Step{}, fmt.Errorf("unknown step type")
}

// parseParallel accepts either plain names or {expert: name} entries.
func parseParallel(node *yaml.Node) ([]string, error) {
	var rawItems []yaml.Node
	if err := node.Decode(&rawItems); err != nil {
		return nil, fmt.Errorf("'parallel' must be a list")
	}
	var names []string
	for _, item := range rawItems {
		var name string
		if err := item.Decode(&name); err == nil && name != "" {
			names = append(names, name)
			continue
		}
		var sub struct {
			Expert string `yaml:"expert"`
		}
		if err := item.Decode(&sub); err != nil || sub.Expert == "" {
			return nil, fmt.Errorf("parallel entries must be names or have an 'expert' key")
		}
		names = append(names, sub.Expert)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("parallel list is empty")
	}
	return names, nil
}
