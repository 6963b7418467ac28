package metrics

import (
	"time"
)

// PipelineMetricsCollector adds the pipeline id to every measurement and
// carries the pipeline-level helpers.
type PipelineMetricsCollector struct {
	MetricsCollector
	pipelineID string
}

// NewPipelineMetricsCollector wraps c. A nil c records nothing.
func NewPipelineMetricsCollector(pipelineID string, c MetricsCollector) *PipelineMetricsCollector {
	if c == nil {
		c = Nop()
	}
	return &PipelineMetricsCollector{
		MetricsCollector: c,
		pipelineID:       pipelineID,
	}
}

// PipelineID returns the id attached to every measurement.
func (c *PipelineMetricsCollector) PipelineID() string {
	return c.pipelineID
}

// RecordPipelineCounter records a counter with pipeline tags
func (c *PipelineMetricsCollector) RecordPipelineCounter(name string, value int64, tags map[string]string) {
	c.RecordCounter(name, value, c.addPipelineTags(tags))
}

// RecordPipelineGauge records a gauge with pipeline tags
func (c *PipelineMetricsCollector) RecordPipelineGauge(name string, value float64, tags map[string]string) {
	c.RecordGauge(name, value, c.addPipelineTags(tags))
}

// RecordPipelineTiming records a timing with pipeline tags
func (c *PipelineMetricsCollector) RecordPipelineTiming(name string, duration time.Duration, tags map[string]string) {
	c.RecordTiming(name, duration, c.addPipelineTags(tags))
}

func (c *PipelineMetricsCollector) addPipelineTags(tags map[string]string) map[string]string {
	pipelineTags := make(map[string]string, len(tags)+1)
	pipelineTags["pipeline_id"] = c.pipelineID
	for k, v := range tags {
		pipelineTags[k] = v
	}
	return pipelineTags
}

// RecordPipelineState records a graph run-state transition.
func (c *PipelineMetricsCollector) RecordPipelineState(from, to string) {
	c.RecordPipelineCounter("pipeline.state.changes", 1, map[string]string{
		"from_state": from,
		"to_state":   to,
	})
}

// RecordElementState records an element state transition.
func (c *PipelineMetricsCollector) RecordElementState(tag, from, to string) {
	c.RecordPipelineCounter("pipeline.element.state.changes", 1, map[string]string{
		"element":    tag,
		"from_state": from,
		"to_state":   to,
	})
}

// RecordElementBytes counts bytes moved through an element port. direction is
// "in" or "out".
func (c *PipelineMetricsCollector) RecordElementBytes(tag, direction string, n int) {
	if n <= 0 {
		return
	}
	c.RecordPipelineCounter("pipeline.element.bytes", int64(n), map[string]string{
		"element":   tag,
		"direction": direction,
	})
}

// RecordOperation records a graph operation (link, relink, breakup...) with
// its outcome and duration.
func (c *PipelineMetricsCollector) RecordOperation(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.RecordPipelineCounter("pipeline.operations", 1, map[string]string{
		"operation": op,
		"result":    result,
	})
	c.RecordPipelineTiming("pipeline.operation.duration", d, map[string]string{
		"operation": op,
	})
}

// RecordRingBuffers records the number of ring buffers the graph holds.
func (c *PipelineMetricsCollector) RecordRingBuffers(n int) {
	c.RecordPipelineGauge("pipeline.ringbuffers", float64(n), nil)
}
