package xhci

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts controller activity. A nil *Metrics records nothing.
type Metrics struct {
	doorbells       *prometheus.CounterVec
	commands        *prometheus.CounterVec
	transferEvents  *prometheus.CounterVec
	interrupts      prometheus.Counter
	attachedDevices prometheus.Gauge
}

// NewMetrics creates the controller metrics and registers them with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		doorbells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhci_doorbells_total",
			Help: "Doorbell writes by target (command or transfer).",
		}, []string{"target"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhci_commands_total",
			Help: "Commands completed by TRB type and completion code.",
		}, []string{"type", "code"}),
		transferEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhci_transfer_events_total",
			Help: "Transfer events posted by completion code.",
		}, []string{"code"}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_interrupts_total",
			Help: "Number of times the interrupt line was asserted.",
		}),
		attachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xhci_attached_devices",
			Help: "Number of devices attached to root hub ports.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.doorbells, m.commands, m.transferEvents, m.interrupts, m.attachedDevices)
	}
	return m
}

func (m *Metrics) doorbell(target string) {
	if m != nil {
		m.doorbells.WithLabelValues(target).Inc()
	}
}

func (m *Metrics) command(t TRBType, code CompletionCode) {
	if m != nil {
		m.commands.WithLabelValues(t.String(), code.String()).Inc()
	}
}

func (m *Metrics) transferEvent(code CompletionCode) {
	if m != nil {
		m.transferEvents.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) interrupt() {
	if m != nil {
		m.interrupts.Inc()
	}
}

func (m *Metrics) setAttached(n int) {
	if m != nil {
		m.attachedDevices.Set(float64(n))
	}
}
