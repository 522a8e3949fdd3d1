package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/logging"
)

// Scenario is one registered logic check. Run returns nil when the scenario
// holds and an error describing the conflict otherwise.
type Scenario struct {
	ID          string
	Description string
	Run         func(ctx context.Context) error
}

// ScenarioOutcome is one scenario's result inside a simulation run.
type ScenarioOutcome struct {
	ID       string        `json:"id"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// SimulationReport is the data carried by a RunAll result.
type SimulationReport struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   []string          `json:"failed,omitempty"`
	Outcomes []ScenarioOutcome `json:"outcomes"`
}

// Simulation is the logic-simulation adapter: a scenario registry with
// run-one and run-all execution. A run-all with at least one failure
// publishes a single aggregate rule_conflict event naming every failed
// scenario, not one event per failure.
type Simulation struct {
	mu        sync.Mutex
	scenarios []Scenario

	bus *bus.Bus
	log zerolog.Logger
}

// NewSimulation creates the adapter with an empty registry.
func NewSimulation(b *bus.Bus) *Simulation {
	return &Simulation{
		bus: b,
		log: logging.WithComponent("simulation"),
	}
}

// ModuleName implements registry.Module.
func (s *Simulation) ModuleName() string { return "logic simulation" }

// AddScenario registers a scenario. Re-adding an existing ID replaces it.
func (s *Simulation) AddScenario(sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.scenarios {
		if existing.ID == sc.ID {
			s.scenarios[i] = sc
			return
		}
	}
	s.scenarios = append(s.scenarios, sc)
}

// RemoveScenario drops a scenario by ID and reports whether it existed.
func (s *Simulation) RemoveScenario(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sc := range s.scenarios {
		if sc.ID == id {
			s.scenarios = append(s.scenarios[:i], s.scenarios[i+1:]...)
			return true
		}
	}
	return false
}

// Scenarios lists the registered scenario IDs in registration order.
func (s *Simulation) Scenarios() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.scenarios))
	for i, sc := range s.scenarios {
		ids[i] = sc.ID
	}
	return ids
}

// RunScenario executes one scenario by ID.
func (s *Simulation) RunScenario(ctx context.Context, id string) connector.Result {
	start := time.Now()

	s.mu.Lock()
	var found *Scenario
	for i := range s.scenarios {
		if s.scenarios[i].ID == id {
			found = &s.scenarios[i]
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return connector.Fail(fmt.Errorf("scenario %q not registered", id), start)
	}

	outcome := s.execute(ctx, *found)
	if !outcome.Passed {
		return connector.Fail(fmt.Errorf("scenario %s: %s", id, outcome.Error), start)
	}
	return connector.Succeed(outcome, start)
}

// RunAll executes every registered scenario in order. The call succeeds even
// when scenarios fail; failures are summarized in the report and announced as
// one aggregate rule_conflict event.
func (s *Simulation) RunAll(ctx context.Context) connector.Result {
	start := time.Now()

	s.mu.Lock()
	batch := make([]Scenario, len(s.scenarios))
	copy(batch, s.scenarios)
	s.mu.Unlock()

	report := SimulationReport{Total: len(batch)}
	for _, sc := range batch {
		outcome := s.execute(ctx, sc)
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Passed {
			report.Passed++
		} else {
			report.Failed = append(report.Failed, sc.ID)
		}
	}

	if len(report.Failed) > 0 && s.bus != nil {
		_ = s.bus.Publish(ctx, bus.EventRuleConflict, map[string]any{
			"failed_scenarios": report.Failed,
			"total":            report.Total,
		}, bus.PublishOptions{})
	}

	return connector.Succeed(report, start)
}

func (s *Simulation) execute(ctx context.Context, sc Scenario) ScenarioOutcome {
	start := time.Now()
	outcome := ScenarioOutcome{ID: sc.ID, Passed: true}

	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome.Passed = false
				outcome.Error = fmt.Sprintf("panic: %v", r)
			}
		}()
		if err := sc.Run(ctx); err != nil {
			outcome.Passed = false
			outcome.Error = err.Error()
		}
	}()

	outcome.Duration = time.Since(start)
	if !outcome.Passed {
		s.log.Debug().Str("scenario", sc.ID).Str("error", outcome.Error).Msg("scenario failed")
	}
	return outcome
}
