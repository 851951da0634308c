package metrics

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderProducesFlatLinesNoHelpOrType(t *testing.T) {
	r := New()
	r.InstanceUp.WithLabelValues("11434").Set(1)
	r.InstanceCompositeLoad.WithLabelValues("11434").Set(0.42)
	r.ReapEventsTotal.Set(3)

	body, err := r.Render()
	require.NoError(t, err)
	text := string(body)

	assert.NotContains(t, text, "# HELP")
	assert.NotContains(t, text, "# TYPE")
	assert.Contains(t, text, `ollama_instance_up{port="11434"} 1`)
	assert.Contains(t, text, `ollama_instance_composite_load{port="11434"} 0.42`)
	assert.Contains(t, text, "ollama_reap_events_total 3")
}

func TestRenderIsSortedAndDeterministic(t *testing.T) {
	r := New()
	r.InstanceUp.WithLabelValues("2").Set(1)
	r.InstanceUp.WithLabelValues("1").Set(1)

	body, err := r.Render()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.True(t, sort.StringsAreSorted(lines))
}
