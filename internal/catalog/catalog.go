// Package catalog holds the payable agents a gateway sells, loaded from YAML.
package catalog

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/siddimore/aether-x402/pkg/x402"
)

// ExecutePath is the task execution route every agent is sold on.
const ExecutePath = "/api/agent/execute"

// Agent is one payable agent.
type Agent struct {
	ID          string
	Description string
	Price       x402.Amount
	Recipient   string
	TaskTypes   []string
}

// Accepts reports whether the agent runs taskType. An agent listing no task
// types accepts any.
func (a Agent) Accepts(taskType string) bool {
	if len(a.TaskTypes) == 0 {
		return true
	}
	for _, t := range a.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

type fileAgent struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Price       string   `yaml:"price"`
	Recipient   string   `yaml:"recipient"`
	TaskTypes   []string `yaml:"taskTypes"`
}

type file struct {
	Recipient string      `yaml:"recipient"`
	Agents    []fileAgent `yaml:"agents"`
}

// Catalog is an immutable set of agents keyed by id.
type Catalog struct {
	agents map[string]Agent
}

var _ x402.Pricer = (*Catalog)(nil)

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Agents without a recipient inherit the
// top-level one; if that is empty too the settler's default payee is used.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{agents: make(map[string]Agent, len(f.Agents))}
	for i, fa := range f.Agents {
		if fa.ID == "" {
			return nil, fmt.Errorf("agent %d: id is required", i)
		}
		if _, dup := c.agents[fa.ID]; dup {
			return nil, fmt.Errorf("agent %s: duplicate id", fa.ID)
		}
		price, err := x402.ParseAmount(fa.Price)
		if err != nil {
			return nil, fmt.Errorf("agent %s: price: %w", fa.ID, err)
		}
		recipient := fa.Recipient
		if recipient == "" {
			recipient = f.Recipient
		}
		c.agents[fa.ID] = Agent{
			ID:          fa.ID,
			Description: fa.Description,
			Price:       price,
			Recipient:   recipient,
			TaskTypes:   fa.TaskTypes,
		}
	}
	return c, nil
}

// Lookup returns an agent by id.
func (c *Catalog) Lookup(id string) (Agent, bool) {
	a, ok := c.agents[id]
	return a, ok
}

// Cost returns the current price of an agent, for cost estimates.
func (c *Catalog) Cost(id string) (x402.Amount, bool) {
	a, ok := c.agents[id]
	return a.Price, ok
}

// Agents returns every agent ordered by id.
func (c *Catalog) Agents() []Agent {
	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Offerings lists the agents for a discovery document.
func (c *Catalog) Offerings() []x402.Offering {
	agents := c.Agents()
	out := make([]x402.Offering, 0, len(agents))
	for _, a := range agents {
		out = append(out, x402.Offering{
			AgentID:     a.ID,
			Path:        ExecutePath,
			Method:      http.MethodPost,
			Description: a.Description,
			TaskTypes:   a.TaskTypes,
			Cost:        a.Price,
			Recipient:   a.Recipient,
		})
	}
	return out
}

// ErrInvalidTask is returned for a task body the catalog cannot read.
var ErrInvalidTask = errors.New("catalog: invalid task request")

// Price prices a task request body {agentId, taskType, parameters}.
func (c *Catalog) Price(r *http.Request, body []byte) (x402.Price, error) {
	if !gjson.ValidBytes(body) {
		return x402.Price{}, fmt.Errorf("%w: body is not JSON", ErrInvalidTask)
	}
	agentID := gjson.GetBytes(body, "agentId").String()
	if agentID == "" {
		return x402.Price{}, fmt.Errorf("%w: agentId is required", ErrInvalidTask)
	}
	a, ok := c.agents[agentID]
	if !ok {
		return x402.Price{}, fmt.Errorf("%w: unknown agent %s", x402.ErrNotPriceable, agentID)
	}
	taskType := gjson.GetBytes(body, "taskType").String()
	if !a.Accepts(taskType) {
		return x402.Price{}, fmt.Errorf("%w: agent %s does not run %q", ErrInvalidTask, agentID, taskType)
	}

	description := a.Description
	if taskType != "" {
		description = fmt.Sprintf("%s (%s)", a.ID, taskType)
	}
	return x402.Price{Amount: a.Price, Description: description, Recipient: a.Recipient}, nil
}
