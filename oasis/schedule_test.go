package oasis

import "testing"

func TestParseScheduleForms(t *testing.T) {
	doc := `
version: 1
repeat: true
plan:
  - expert: "批判专家"
  - parallel: ["创意专家", "数据分析师"]
  - parallel:
      - expert: "综合顾问"
  - all_experts: true
  - manual:
      author: "主持人"
      content: "请大家聚焦成本问题"
      reply_to: 2
`
	s, err := ParseSchedule([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if !s.Repeat {
		t.Error("repeat flag lost")
	}
	if len(s.Steps) != 5 {
		t.Fatalf("got %d steps", len(s.Steps))
	}

	if s.Steps[0].Type != StepExpert || s.Steps[0].ExpertNames[0] != "批判专家" {
		t.Errorf("step 0 = %+v", s.Steps[0])
	}
	if s.Steps[1].Type != StepParallel || len(s.Steps[1].ExpertNames) != 2 {
		t.Errorf("step 1 = %+v", s.Steps[1])
	}
	if s.Steps[2].Type != StepParallel || s.Steps[2].ExpertNames[0] != "综合顾问" {
		t.Errorf("step 2 = %+v", s.Steps[2])
	}
	if s.Steps[3].Type != StepAll {
		t.Errorf("step 3 = %+v", s.Steps[3])
	}
	m := s.Steps[4]
	if m.Type != StepManual || m.Author != "主持人" || m.ReplyTo == nil || *m.ReplyTo != 2 {
		t.Errorf("step 4 = %+v", m)
	}
}

func TestParseScheduleManualDefaults(t *testing.T) {
	doc := `
plan:
  - manual:
      content: "开场"
`
	s, err := ParseSchedule([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if s.Steps[0].Author != "主持人" {
		t.Errorf("author = %q, want the default moderator", s.Steps[0].Author)
	}
	if s.Repeat {
		t.Error("repeat should default to false")
	}
}

func TestParseScheduleErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"empty plan", "version: 1\nplan: []\n"},
		{"no plan", "version: 1\n"},
		{"unknown step", "plan:\n  - interpretive_dance: true\n"},
		{"empty expert", "plan:\n  - expert: \"\"\n"},
		{"empty parallel", "plan:\n  - parallel: []\n"},
		{"manual without content", "plan:\n  - manual: {author: x}\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSchedule([]byte(tt.doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
