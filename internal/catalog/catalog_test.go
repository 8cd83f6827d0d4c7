package catalog

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siddimore/aether-x402/pkg/x402"
)

const testCatalog = `
recipient: "0xa1"
agents:
  - id: summarizer
    description: Summarizes a document
    price: "2000000"
    taskTypes: [summarize]
  - id: translator
    description: Translates text
    price: 3500000
    recipient: "0xb2"
  - id: echo
    price: "0"
`

func parse(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(testCatalog))
	require.NoError(t, err)
	return c
}

func price(t *testing.T, c *Catalog, body string) (x402.Price, error) {
	t.Helper()
	r := httptest.NewRequest("POST", ExecutePath, strings.NewReader(body))
	return c.Price(r, []byte(body))
}

func TestParse(t *testing.T) {
	c := parse(t)

	a, ok := c.Lookup("summarizer")
	require.True(t, ok)
	assert.Equal(t, x402.Amount(2000000), a.Price)
	assert.Equal(t, "0xa1", a.Recipient)

	a, ok = c.Lookup("translator")
	require.True(t, ok)
	assert.Equal(t, x402.Amount(3500000), a.Price)
	assert.Equal(t, "0xb2", a.Recipient)

	_, ok = c.Lookup("missing")
	assert.False(t, ok)

	ids := []string{}
	for _, a := range c.Agents() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"echo", "summarizer", "translator"}, ids)
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"missing id":  "agents:\n  - price: \"1\"\n",
		"duplicate":   "agents:\n  - id: a\n    price: \"1\"\n  - id: a\n    price: \"2\"\n",
		"bad price":   "agents:\n  - id: a\n    price: \"1.5\"\n",
		"empty price": "agents:\n  - id: a\n",
		"not yaml":    "agents: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	cost, ok := c.Cost("summarizer")
	assert.True(t, ok)
	assert.Equal(t, x402.Amount(2000000), cost)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPrice(t *testing.T) {
	c := parse(t)

	p, err := price(t, c, `{"agentId":"summarizer","taskType":"summarize","parameters":{"text":"hi"}}`)
	require.NoError(t, err)
	assert.Equal(t, x402.Amount(2000000), p.Amount)
	assert.Equal(t, "0xa1", p.Recipient)
	assert.Equal(t, "summarizer (summarize)", p.Description)

	p, err = price(t, c, `{"agentId":"echo"}`)
	require.NoError(t, err)
	assert.Equal(t, x402.Amount(0), p.Amount)
}

func TestPrice_Rejections(t *testing.T) {
	c := parse(t)

	_, err := price(t, c, `{"agentId":"nobody"}`)
	assert.True(t, errors.Is(err, x402.ErrNotPriceable))

	for _, body := range []string{
		`not json`,
		`{"taskType":"summarize"}`,
		`{"agentId":"summarizer","taskType":"translate"}`,
	} {
		_, err := price(t, c, body)
		assert.True(t, errors.Is(err, ErrInvalidTask), body)
		assert.False(t, errors.Is(err, x402.ErrNotPriceable), body)
	}
}

func TestOfferings(t *testing.T) {
	offers := parse(t).Offerings()
	require.Len(t, offers, 3)

	assert.Equal(t, "summarizer", offers[1].AgentID)
	assert.Equal(t, ExecutePath, offers[1].Path)
	assert.Equal(t, "POST", offers[1].Method)
	assert.Equal(t, []string{"summarize"}, offers[1].TaskTypes)
	assert.Equal(t, x402.Amount(2000000), offers[1].Cost)
}

func TestAgent_Accepts(t *testing.T) {
	assert.True(t, Agent{}.Accepts("anything"))
	assert.True(t, Agent{TaskTypes: []string{"a", "b"}}.Accepts("b"))
	assert.False(t, Agent{TaskTypes: []string{"a"}}.Accepts(""))
}
