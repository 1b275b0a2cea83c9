package metrics

import "github.com/prometheus/client_golang/prometheus"

// ChatMetrics exposes counters/histograms for guarded chat turns.
type ChatMetrics struct {
	turnsTotal    *prometheus.CounterVec
	verdictsTotal *prometheus.CounterVec
	fragments     prometheus.Counter
	promptTokens  prometheus.Histogram
}

func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guarded_chat",
			Subsystem: "controller",
			Name:      "turns_total",
			Help:      "Assistant turns by outcome",
		}, []string{"outcome"}),
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guarded_chat",
			Subsystem: "safety",
			Name:      "verdicts_total",
			Help:      "Moderation verdicts by check phase",
		}, []string{"phase", "verdict"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guarded_chat",
			Subsystem: "controller",
			Name:      "fragments_total",
			Help:      "Streamed fragments appended to conversations",
		}),
		promptTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guarded_chat",
			Subsystem: "budget",
			Name:      "prompt_tokens",
			Help:      "Estimated token count of formatted prompts",
			Buckets:   []float64{64, 256, 512, 1024, 1536, 2048, 3072, 4096},
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.verdictsTotal, m.fragments, m.promptTokens)
	return m
}

func (m *ChatMetrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

func (m *ChatMetrics) ObserveVerdict(phase string, safe bool) {
	if m == nil {
		return
	}
	label := "unsafe"
	if safe {
		label = "safe"
	}
	m.verdictsTotal.WithLabelValues(phase, label).Inc()
}

func (m *ChatMetrics) ObserveFragment() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

func (m *ChatMetrics) ObservePromptTokens(tokens int) {
	if m == nil {
		return
	}
	m.promptTokens.Observe(float64(tokens))
}
