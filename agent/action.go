// Package agent runs the notebook-editing loop.
//
// Each assistant turn is a structured agent_response object carrying at most
// one action. ParseAction is total over that wire format: any reply either
// maps to exactly one Action variant or produces an error the loop feeds
// back to the model.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbcopilot/nbcopilot/internal/jsonx"
	"github.com/nbcopilot/nbcopilot/llm"
)

// CellUpdateKind says whether an update creates a cell or modifies one.
type CellUpdateKind string

const (
	CellNew    CellUpdateKind = "new"
	CellModify CellUpdateKind = "modify"
)

// CellUpdate is the create-or-modify cell action.
type CellUpdate struct {
	Kind   CellUpdateKind
	ID     string // required for modify, empty for new
	Source string
}

// ActionKind discriminates the Action variants. The set is closed.
type ActionKind int

const (
	ActionFinished ActionKind = iota
	ActionCellUpdate
	ActionGetCellOutput
	ActionWebSearch
	ActionQuestion
)

func (k ActionKind) String() string {
	switch k {
	case ActionFinished:
		return "finished"
	case ActionCellUpdate:
		return "cell-update"
	case ActionGetCellOutput:
		return "get-cell-output"
	case ActionWebSearch:
		return "web-search"
	case ActionQuestion:
		return "question"
	default:
		return "unknown"
	}
}

// Action is one parsed assistant turn. Exactly one variant is populated,
// selected by Kind; Message accompanies every variant.
type Action struct {
	Kind    ActionKind
	Message string

	CellUpdate   *CellUpdate // ActionCellUpdate
	OutputCellID string      // ActionGetCellOutput
	SearchQuery  string      // ActionWebSearch
	Question     string      // ActionQuestion
}

// agentSchemaRaw is the JSON Schema the dispatcher sends for agent turns.
// It mirrors the response shape stated in the agent system prompt.
const agentSchemaRaw = `{
  "type": "object",
  "properties": {
    "type": {"type": "string", "enum": ["agent_response"]},
    "is_finished": {"type": "boolean"},
    "message": {"type": "string"},
    "cell_update": {
      "type": ["object", "null"],
      "properties": {
        "kind": {"type": "string", "enum": ["new", "modify"]},
        "id": {"type": ["string", "null"]},
        "source": {"type": "string"}
      }
    },
    "get_cell_output": {
      "type": ["object", "null"],
      "properties": {"id": {"type": "string"}}
    },
    "web_search_query": {"type": ["string", "null"]},
    "question": {"type": ["string", "null"]}
  }
}`

// ResponseSchema returns the structured-output schema for agent dispatches.
func ResponseSchema() *llm.Schema {
	return &llm.Schema{Name: "agent_response", Raw: json.RawMessage(agentSchemaRaw)}
}

type wireCellUpdate struct {
	Kind   string  `json:"kind"`
	ID     *string `json:"id"`
	Source string  `json:"source"`
}

type wireResponse struct {
	Type           string          `json:"type"`
	IsFinished     bool            `json:"is_finished"`
	Message        string          `json:"message"`
	CellUpdate     *wireCellUpdate `json:"cell_update"`
	GetCellOutput  *struct {
		ID string `json:"id"`
	} `json:"get_cell_output"`
	WebSearchQuery *string `json:"web_search_query"`
	Question       *string `json:"question"`
}

// ParseAction parses a raw assistant reply into an Action. It rejects
// replies carrying zero or multiple actions, so the loop never has to guess
// what the model meant.
func ParseAction(raw string) (Action, error) {
	var w wireResponse
	if err := jsonx.Unmarshal(raw, &w); err != nil {
		return Action{}, err
	}
	if w.Type != "" && w.Type != "agent_response" {
		return Action{}, fmt.Errorf("unexpected response type %q", w.Type)
	}

	var actions []Action
	if w.CellUpdate != nil {
		cu, err := parseCellUpdate(w.CellUpdate)
		if err != nil {
			return Action{}, err
		}
		actions = append(actions, Action{Kind: ActionCellUpdate, CellUpdate: cu})
	}
	if w.GetCellOutput != nil {
		if w.GetCellOutput.ID == "" {
			return Action{}, errors.New("get_cell_output requires a cell id")
		}
		actions = append(actions, Action{Kind: ActionGetCellOutput, OutputCellID: w.GetCellOutput.ID})
	}
	if w.WebSearchQuery != nil && *w.WebSearchQuery != "" {
		actions = append(actions, Action{Kind: ActionWebSearch, SearchQuery: *w.WebSearchQuery})
	}
	if w.Question != nil && *w.Question != "" {
		actions = append(actions, Action{Kind: ActionQuestion, Question: *w.Question})
	}

	if w.IsFinished {
		if len(actions) != 0 {
			return Action{}, fmt.Errorf("finished response must carry no action, got %s", actions[0].Kind)
		}
		return Action{Kind: ActionFinished, Message: w.Message}, nil
	}

	switch len(actions) {
	case 0:
		return Action{}, errors.New("response carries no action and is not finished")
	case 1:
		a := actions[0]
		a.Message = w.Message
		return a, nil
	default:
		return Action{}, fmt.Errorf("response carries %d actions, want exactly one", len(actions))
	}
}

func parseCellUpdate(w *wireCellUpdate) (*CellUpdate, error) {
	id := ""
	if w.ID != nil {
		id = *w.ID
	}
	switch CellUpdateKind(w.Kind) {
	case CellNew:
		return &CellUpdate{Kind: CellNew, Source: w.Source}, nil
	case CellModify:
		if id == "" {
			return nil, errors.New("cell_update of kind modify requires an id")
		}
		return &CellUpdate{Kind: CellModify, ID: id, Source: w.Source}, nil
	default:
		return nil, fmt.Errorf("unknown cell_update kind %q", w.Kind)
	}
}
