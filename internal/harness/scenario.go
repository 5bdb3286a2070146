package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/txlife/internal/event"
	"github.com/roach88/txlife/internal/lifecycle"
	"github.com/roach88/txlife/internal/projector"
)

// Scenario defines a sequence of deliveries and what the projector must
// make of them.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Transaction is the default transaction id for steps that do not
	// name one.
	Transaction string `yaml:"transaction"`

	// Setup events are applied before the main events and must all be
	// applied.
	Setup []EventStep `yaml:"setup,omitempty"`

	// Events are the deliveries under test.
	Events []EventStep `yaml:"events"`

	// Assertions validate the trace and final views.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// EventStep is one delivery.
type EventStep struct {
	// Transaction overrides Scenario.Transaction.
	Transaction string `yaml:"transaction,omitempty"`

	// Code is the upstream event code name, e.g.
	// TRANSACTION_ACTIVATED_EVENT.
	Code string `yaml:"code"`

	// Seq is the upstream sequence number.
	Seq int64 `yaml:"seq"`

	// Payload is encoded as the event's JSON data.
	Payload map[string]interface{} `yaml:"payload,omitempty"`

	// Expect is checked against the projector result, if present.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected projector result.
type ExpectClause struct {
	// Outcome is APPLIED, SKIPPED, REJECTED or CONFLICT.
	Outcome string `yaml:"outcome"`

	// Reason is checked when set, and must be empty in the result otherwise.
	Reason string `yaml:"reason,omitempty"`

	// Status is the view status after the step, checked when set.
	Status string `yaml:"status,omitempty"`
}

// Assertion validates the trace or a final view.
type Assertion struct {
	// Type is one of final_state, outcome_count, status_path.
	Type string `yaml:"type"`

	// Transaction selects the view (final_state, status_path); defaults to
	// Scenario.Transaction.
	Transaction string `yaml:"transaction,omitempty"`

	// Expect is the expected view (final_state).
	Expect *ViewExpectation `yaml:"expect,omitempty"`

	// Outcome and Count are used by outcome_count.
	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	// Statuses is the expected status path (status_path).
	Statuses []string `yaml:"statuses,omitempty"`
}

// ViewExpectation is a subset match on a final view. Unset fields are
// not checked.
type ViewExpectation struct {
	Absent      bool   `yaml:"absent,omitempty"`
	Status      string `yaml:"status,omitempty"`
	Version     *int64 `yaml:"version,omitempty"`
	LastApplied *int64 `yaml:"last_applied,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState   = "final_state"
	AssertOutcomeCount = "outcome_count"
	AssertStatusPath   = "status_path"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "expects:" vs "expect:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), s.Transaction, step); err != nil {
			return err
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}

	for i, step := range s.Events {
		if err := validateStep(fmt.Sprintf("events[%d]", i), s.Transaction, step); err != nil {
			return err
		}
		if step.Expect != nil {
			if err := validateExpect(fmt.Sprintf("events[%d].expect", i), step.Expect); err != nil {
				return err
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, s.Transaction, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(where, defaultTx string, step EventStep) error {
	if step.Transaction == "" && defaultTx == "" {
		return fmt.Errorf("%s: transaction is required (no scenario default)", where)
	}
	if step.Code == "" {
		return fmt.Errorf("%s: code is required", where)
	}
	if _, err := event.ParseCode(step.Code); err != nil {
		return fmt.Errorf("%s: %w", where, err)
	}
	if step.Seq < 1 {
		return fmt.Errorf("%s: seq must be >= 1, got %d", where, step.Seq)
	}
	return nil
}

func validateExpect(where string, e *ExpectClause) error {
	switch projector.Outcome(e.Outcome) {
	case projector.OutcomeApplied, projector.OutcomeSkipped, projector.OutcomeRejected, projector.OutcomeConflict:
	case "":
		return fmt.Errorf("%s: outcome is required", where)
	default:
		return fmt.Errorf("%s: unknown outcome %q", where, e.Outcome)
	}
	if e.Status != "" {
		if _, err := lifecycle.ParseStatus(e.Status); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, defaultTx string, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if a.Transaction == "" && defaultTx == "" {
			return fmt.Errorf("assertions[%d]: transaction is required for final_state", index)
		}
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
		if a.Expect.Status != "" {
			if _, err := lifecycle.ParseStatus(a.Expect.Status); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertOutcomeCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for outcome_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outcome_count", index)
		}
	case AssertStatusPath:
		if a.Transaction == "" && defaultTx == "" {
			return fmt.Errorf("assertions[%d]: transaction is required for status_path", index)
		}
		if len(a.Statuses) == 0 {
			return fmt.Errorf("assertions[%d]: statuses list is required for status_path", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
