package workflow

import (
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// Builtin template names.
const (
	TemplateResearch     = "research"
	TemplateDevelopment  = "development"
	TemplateArchitecture = "architecture"
	TemplateReview       = "review"
	TemplateFull         = "full"
)

// Aliases maps alternate names onto catalogue entries.
var Aliases = map[string]string{
	"implement": TemplateDevelopment,
}

// BuiltinTemplates returns the closed workflow catalogue. Callers get fresh
// copies; templates are never mutated at runtime.
func BuiltinTemplates() map[string]*Template {
	return map[string]*Template{
		TemplateResearch:     researchTemplate(),
		TemplateDevelopment:  developmentTemplate(),
		TemplateArchitecture: architectureTemplate(),
		TemplateReview:       reviewTemplate(),
		TemplateFull:         fullTemplate(),
	}
}

// researchTemplate: initial_research → verification → {deep_dive →
// re_verification}* → synthesis, capped at two revision rounds.
func researchTemplate() *Template {
	return &Template{
		Name:        TemplateResearch,
		Version:     "1.0.0",
		Roles:       []models.Role{models.RoleResearcher, models.RoleReviewer},
		Description: "Investigate a topic, verify findings, synthesise a report",
		Stages: []Stage{
			{
				ID:            "initial_research",
				Role:          models.RoleResearcher,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeTask},
				ProducesType:  models.MessageTypeFinding,
				MaxIterations: 1,
				Timeout:       10 * time.Minute,
				Description:   "Initial investigation of the goal",
			},
			{
				ID:            "verification",
				Role:          models.RoleReviewer,
				Category:      StageReview,
				AcceptsTypes:  []models.MessageType{models.MessageTypeFinding},
				ProducesType:  models.MessageTypeReview,
				MaxIterations: 3,
				Timeout:       5 * time.Minute,
				Description:   "Verify the findings and issue a verdict",
			},
			{
				ID:            "deep_dive",
				Role:          models.RoleResearcher,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview},
				ProducesType:  models.MessageTypeFinding,
				MaxIterations: 2,
				Timeout:       10 * time.Minute,
				Description:   "Targeted follow-up research addressing review feedback",
			},
			{
				ID:            "re_verification",
				Role:          models.RoleReviewer,
				Category:      StageReview,
				AcceptsTypes:  []models.MessageType{models.MessageTypeFinding},
				ProducesType:  models.MessageTypeReview,
				MaxIterations: 2,
				Timeout:       5 * time.Minute,
				Description:   "Re-verify the revised findings",
			},
			{
				ID:            "synthesis",
				Role:          models.RoleResearcher,
				Category:      StageSynthesis,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview},
				ProducesType:  models.MessageTypeResult,
				MaxIterations: 1,
				Timeout:       5 * time.Minute,
				Description:   "Assemble the final research report",
			},
		},
		Transitions: []Transition{
			{From: "initial_research", To: "verification", Guard: Guard{Kind: GuardOnComplete}},
			{From: "verification", To: "synthesis", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictApproved}},
			{From: "verification", To: "deep_dive", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictNeedsRevision}},
			{From: "verification", To: "deep_dive", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictRejected}},
			{From: "deep_dive", To: "re_verification", Guard: Guard{Kind: GuardOnComplete}},
			{From: "re_verification", To: "synthesis", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictApproved}},
			{From: "re_verification", To: "deep_dive", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictNeedsRevision}},
			{From: "re_verification", To: "synthesis", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictRejected}},
		},
		EntryStage:      "initial_research",
		CompletionStage: "synthesis",
		MaxDuration:     30 * time.Minute,
		MaxRevisions:    2,
	}
}

// developmentTemplate: design → design_review → {design_revision →
// design_review}* → implementation → code_review → {code_revision →
// code_review}* → documentation.
func developmentTemplate() *Template {
	return &Template{
		Name:        TemplateDevelopment,
		Version:     "1.0.0",
		Roles:       []models.Role{models.RoleArchitect, models.RoleDeveloper, models.RoleReviewer},
		Description: "Design, implement and review a change",
		Stages: []Stage{
			{
				ID:            "design",
				Role:          models.RoleArchitect,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeTask},
				ProducesType:  models.MessageTypeDesign,
				MaxIterations: 1,
				Timeout:       10 * time.Minute,
				Description:   "Produce the technical design",
			},
			{
				ID:            "design_review",
				Role:          models.RoleReviewer,
				Category:      StageReview,
				AcceptsTypes:  []models.MessageType{models.MessageTypeDesign},
				ProducesType:  models.MessageTypeReview,
				MaxIterations: 3,
				Timeout:       5 * time.Minute,
				Description:   "Review the design and issue a verdict",
			},
			{
				ID:            "design_revision",
				Role:          models.RoleArchitect,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview},
				ProducesType:  models.MessageTypeDesign,
				MaxIterations: 2,
				Timeout:       10 * time.Minute,
				Description:   "Revise the design per review feedback",
			},
			{
				ID:            "implementation",
				Role:          models.RoleDeveloper,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeDesign, models.MessageTypeReview},
				ProducesType:  models.MessageTypeArtifact,
				MaxIterations: 1,
				Timeout:       20 * time.Minute,
				Description:   "Implement the approved design",
			},
			{
				ID:            "code_review",
				Role:          models.RoleReviewer,
				Category:      StageReview,
				AcceptsTypes:  []models.MessageType{models.MessageTypeArtifact},
				ProducesType:  models.MessageTypeReview,
				MaxIterations: 3,
				Timeout:       10 * time.Minute,
				Description:   "Review the implementation",
			},
			{
				ID:            "code_revision",
				Role:          models.RoleDeveloper,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview},
				ProducesType:  models.MessageTypeArtifact,
				MaxIterations: 2,
				Timeout:       15 * time.Minute,
				Description:   "Address code review feedback",
			},
			{
				ID:            "documentation",
				Role:          models.RoleDeveloper,
				Category:      StageSynthesis,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview},
				ProducesType:  models.MessageTypeResult,
				MaxIterations: 1,
				Timeout:       10 * time.Minute,
				Description:   "Document the delivered change",
			},
		},
		Transitions: []Transition{
			{From: "design", To: "design_review", Guard: Guard{Kind: GuardOnComplete}},
			{From: "design_review", To: "implementation", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictApproved}},
			{From: "design_review", To: "design_revision", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictNeedsRevision}},
			{From: "design_review", To: "design_revision", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictRejected}},
			{From: "design_revision", To: "design_review", Guard: Guard{Kind: GuardOnComplete}},
			{From: "implementation", To: "code_review", Guard: Guard{Kind: GuardOnComplete}},
			{From: "code_review", To: "documentation", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictApproved}},
			{From: "code_review", To: "code_revision", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictNeedsRevision}},
			{From: "code_review", To: "code_revision", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictRejected}},
			{From: "code_revision", To: "code_review", Guard: Guard{Kind: GuardOnComplete}},
		},
		EntryStage:      "design",
		CompletionStage: "documentation",
		MaxDuration:     60 * time.Minute,
		MaxRevisions:    2,
	}
}

// architectureTemplate: a linear decision pipeline.
func architectureTemplate() *Template {
	linear := func(stages ...string) []Transition {
		out := make([]Transition, 0, len(stages)-1)
		for i := 0; i < len(stages)-1; i++ {
			out = append(out, Transition{From: stages[i], To: stages[i+1], Guard: Guard{Kind: GuardOnComplete}})
		}
		return out
	}
	return &Template{
		Name:        TemplateArchitecture,
		Version:     "1.0.0",
		Roles:       []models.Role{models.RoleArchitect, models.RoleResearcher, models.RoleReviewer},
		Description: "Evaluate options and produce an architecture decision",
		Stages: []Stage{
			{ID: "requirements", Role: models.RoleArchitect, Category: StageWork,
				AcceptsTypes: []models.MessageType{models.MessageTypeTask},
				ProducesType: models.MessageTypeDesign, MaxIterations: 1,
				Timeout: 10 * time.Minute, Description: "Capture requirements and constraints"},
			{ID: "prior_art", Role: models.RoleResearcher, Category: StageWork,
				AcceptsTypes: []models.MessageType{models.MessageTypeDesign},
				ProducesType: models.MessageTypeFinding, MaxIterations: 1,
				Timeout: 15 * time.Minute, Description: "Survey prior art and existing approaches"},
			{ID: "design_options", Role: models.RoleArchitect, Category: StageWork,
				AcceptsTypes: []models.MessageType{models.MessageTypeFinding},
				ProducesType: models.MessageTypeDesign, MaxIterations: 1,
				Timeout: 15 * time.Minute, Description: "Draft candidate designs"},
			{ID: "evaluation", Role: models.RoleReviewer, Category: StageReview,
				AcceptsTypes: []models.MessageType{models.MessageTypeDesign},
				ProducesType: models.MessageTypeReview, MaxIterations: 1,
				Timeout: 10 * time.Minute, Description: "Evaluate candidates against requirements"},
			{ID: "decision", Role: models.RoleArchitect, Category: StageDecision,
				AcceptsTypes: []models.MessageType{models.MessageTypeReview},
				ProducesType: models.MessageTypeDesign, MaxIterations: 1,
				Timeout: 5 * time.Minute, Description: "Record the decision"},
			{ID: "implementation_plan", Role: models.RoleArchitect, Category: StageSynthesis,
				AcceptsTypes: []models.MessageType{models.MessageTypeDesign},
				ProducesType: models.MessageTypeResult, MaxIterations: 1,
				Timeout: 10 * time.Minute, Description: "Write the implementation plan"},
		},
		Transitions: linear("requirements", "prior_art", "design_options",
			"evaluation", "decision", "implementation_plan"),
		EntryStage:      "requirements",
		CompletionStage: "implementation_plan",
		MaxDuration:     60 * time.Minute,
		MaxRevisions:    1,
	}
}

// reviewTemplate: review existing work with a bounded rework loop.
func reviewTemplate() *Template {
	return &Template{
		Name:        TemplateReview,
		Version:     "1.0.0",
		Roles:       []models.Role{models.RoleReviewer, models.RoleDeveloper},
		Description: "Review existing work and drive rework to approval",
		Stages: []Stage{
			{
				ID:            "review",
				Role:          models.RoleReviewer,
				Category:      StageReview,
				AcceptsTypes:  []models.MessageType{models.MessageTypeTask, models.MessageTypeArtifact},
				ProducesType:  models.MessageTypeReview,
				MaxIterations: 3,
				Timeout:       10 * time.Minute,
				Description:   "Review the submitted work",
			},
			{
				ID:            "rework",
				Role:          models.RoleDeveloper,
				Category:      StageWork,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview},
				ProducesType:  models.MessageTypeArtifact,
				Optional:      true,
				MaxIterations: 2,
				Timeout:       15 * time.Minute,
				Description:   "Address review findings",
			},
			{
				ID:            "summary",
				Role:          models.RoleReviewer,
				Category:      StageSynthesis,
				AcceptsTypes:  []models.MessageType{models.MessageTypeReview, models.MessageTypeArtifact},
				ProducesType:  models.MessageTypeResult,
				MaxIterations: 1,
				Timeout:       5 * time.Minute,
				Description:   "Summarise the review outcome",
			},
		},
		Transitions: []Transition{
			{From: "review", To: "summary", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictApproved}},
			{From: "review", To: "rework", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictNeedsRevision}},
			{From: "review", To: "summary", Guard: Guard{Kind: GuardOnVerdict, Verdict: VerdictRejected}},
			{From: "rework", To: "review", Guard: Guard{Kind: GuardOnComplete}},
		},
		EntryStage:      "review",
		CompletionStage: "summary",
		MaxDuration:     45 * time.Minute,
		MaxRevisions:    2,
	}
}

// fullTemplate is the four-role development variant: a research stage feeds
// the design pipeline.
func fullTemplate() *Template {
	t := developmentTemplate()
	t.Name = TemplateFull
	t.Description = "Research-informed development with all four roles"
	t.Roles = []models.Role{models.RoleResearcher, models.RoleArchitect, models.RoleDeveloper, models.RoleReviewer}
	research := Stage{
		ID:            "research",
		Role:          models.RoleResearcher,
		Category:      StageWork,
		AcceptsTypes:  []models.MessageType{models.MessageTypeTask},
		ProducesType:  models.MessageTypeFinding,
		MaxIterations: 1,
		Timeout:       15 * time.Minute,
		Description:   "Research the problem space before design",
	}
	t.Stages = append([]Stage{research}, t.Stages...)
	t.Transitions = append([]Transition{
		{From: "research", To: "design", Guard: Guard{Kind: GuardOnComplete}},
	}, t.Transitions...)
	design, _ := t.StageByID("design")
	design.AcceptsTypes = []models.MessageType{models.MessageTypeTask, models.MessageTypeFinding}
	t.EntryStage = "research"
	t.MaxDuration = 90 * time.Minute
	return t
}
