package agent

import (
	"fmt"

	"github.com/nidhogg/standards-retrieval/internal/task"
)

// Persona is the system prompt an agent presents to its backend.
type Persona struct {
	Stage        task.Stage `json:"stage"`
	Role         string     `json:"role"`
	SystemPrompt string     `json:"system_prompt"`
}

const responseContract = `Reply with a JSON object: {"content": string, "items": [string], "scores": {dimension: number 0..1}}. ` +
	`Omit "scores" unless asked to rate.`

// DefaultPersonas returns one persona per stage.
func DefaultPersonas() map[task.Stage]Persona {
	return map[task.Stage]Persona{
		task.StageDiscovery: {
			Stage: task.StageDiscovery,
			Role:  "discovery",
			SystemPrompt: "You locate authoritative sources of international standards for an academic discipline. " +
				"List one source per item: standards bodies, professional associations, accreditation frameworks. " + responseContract,
		},
		task.StageRetrieval: {
			Stage: task.StageRetrieval,
			Role:  "retrieval",
			SystemPrompt: "You retrieve the published standards text available from a source and summarise what was found, " +
				"keeping identifiers, issuing organization and publication year. " + responseContract,
		},
		task.StageProcessing: {
			Stage: task.StageProcessing,
			Role:  "processing",
			SystemPrompt: "You extract individual standards from retrieved documents. Emit one standard per item " +
				"with its identifier, title and requirement statement. " + responseContract,
		},
		task.StageValidation: {
			Stage: task.StageValidation,
			Role:  "validation",
			SystemPrompt: "You validate an extracted standard against its source and rate it on content_accuracy, completeness, " +
				"clarity, evidence_basis, implementation_feasibility, relevance, authority, consistency, specificity and measurability. " +
				responseContract,
		},
	}
}

func userPrompt(req Request) string {
	input := "(none: start from the discipline)"
	if req.Input != nil {
		input = req.Input.Content
		for _, it := range req.Input.Items {
			input += "\n- " + it
		}
	}
	return fmt.Sprintf("Discipline: %s (%s)\nStage: %s\nInput:\n%s",
		req.DisciplineName, req.DisciplineID, req.Stage, input)
}
