package telemetry

// This file contains metric declarations for all modules
// It's in the telemetry package to avoid import cycles

func init() {
	// Flow worker / transition metrics
	DeclareMetrics("flow", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    "flow.transition.duration_ms",
				Type:    "histogram",
				Help:    "Transition function wall-clock duration in milliseconds",
				Labels:  []string{"event_type"},
				Unit:    "ms",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
			},
			{
				Name:   "flow.suspends",
				Type:   "counter",
				Help:   "Number of checkpoint-persisting suspends",
				Labels: []string{"flow_class"},
			},
			{
				Name:   "flow.live",
				Type:   "gauge",
				Help:   "Number of currently-resident flow workers",
				Labels: []string{},
			},
			{
				Name:   "flow.completed",
				Type:   "counter",
				Help:   "Flows that reached FlowFinish",
				Labels: []string{"flow_class"},
			},
			{
				Name:   "flow.errors",
				Type:   "counter",
				Help:   "Flows that transitioned to Errored",
				Labels: []string{"flow_class", "reason"},
			},
		},
	})

	// Checkpoint store / message bus metrics
	DeclareMetrics("checkpoint", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "checkpoint.writes",
				Type:   "counter",
				Help:   "CheckpointStore Add/Update calls",
				Labels: []string{"backend", "op"},
			},
			{
				Name:    "checkpoint.write.duration_ms",
				Type:    "histogram",
				Help:    "CheckpointStore write duration",
				Labels:  []string{"backend", "op"},
				Unit:    "ms",
				Buckets: []float64{0.5, 2, 5, 20, 100, 500},
			},
			{
				Name:   "checkpoint.conflicts",
				Type:   "counter",
				Help:   "Out-of-order checkpoint writes rejected",
				Labels: []string{"backend"},
			},
			{
				Name:   "bus.sends",
				Type:   "counter",
				Help:   "MessageBus send calls",
				Labels: []string{"backend", "kind"},
			},
			{
				Name:   "bus.send.errors",
				Type:   "counter",
				Help:   "MessageBus send failures",
				Labels: []string{"backend"},
			},
		},
	})

	// Hospital admission metrics
	DeclareMetrics("hospital", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "hospital.admissions",
				Type:   "counter",
				Help:   "Flows admitted to the hospital",
				Labels: []string{"flow_class"},
			},
			{
				Name:   "hospital.discharges",
				Type:   "counter",
				Help:   "Flows discharged from the hospital",
				Labels: []string{"flow_class"},
			},
			{
				Name:   "hospital.resident",
				Type:   "gauge",
				Help:   "Flows currently quarantined in the hospital",
				Labels: []string{},
			},
		},
	})
}
