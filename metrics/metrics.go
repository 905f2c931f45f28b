// Package metrics exposes each component's counters as Prometheus metrics.
// The collectors are strictly read-only views over the components' Stats
// surfaces; scraping never mutates framework state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/driverkit/driverkit/hotplug"
	"github.com/driverkit/driverkit/loader"
	"github.com/driverkit/driverkit/recovery"
	"github.com/driverkit/driverkit/registry"
)

var (
	descResources = prometheus.NewDesc(
		"driverkit_resources",
		"Tracked resources by type.",
		[]string{"type"}, nil)
	descResourcesPending = prometheus.NewDesc(
		"driverkit_resources_pending_cleanup",
		"Resources with zero refcount waiting on live dependents.",
		nil, nil)
	descResourcesLeaked = prometheus.NewDesc(
		"driverkit_resources_leaked_total",
		"Resources flagged as leaked during forced cleanup.",
		nil, nil)

	descDevices = prometheus.NewDesc(
		"driverkit_devices",
		"Tracked devices by lifecycle state.",
		[]string{"state"}, nil)
	descEventsQueued = prometheus.NewDesc(
		"driverkit_device_events_queued",
		"Device events waiting in the ring.",
		nil, nil)
	descEventsDropped = prometheus.NewDesc(
		"driverkit_device_events_dropped_total",
		"Device events dropped on ring overflow.",
		nil, nil)
	descEventsProcessed = prometheus.NewDesc(
		"driverkit_device_events_processed_total",
		"Device events drained and applied.",
		nil, nil)

	descModules = prometheus.NewDesc(
		"driverkit_modules",
		"Registered modules by lifecycle state.",
		[]string{"state"}, nil)
	descSymbols = prometheus.NewDesc(
		"driverkit_symbols",
		"Exported symbols across active modules.",
		nil, nil)
	descLoads = prometheus.NewDesc(
		"driverkit_loads_total",
		"Committed load transactions.",
		nil, nil)
	descUnloads = prometheus.NewDesc(
		"driverkit_unloads_total",
		"Unloaded modules, cascades included.",
		nil, nil)
	descRollbacks = prometheus.NewDesc(
		"driverkit_rollbacks_total",
		"Load transactions rolled back.",
		nil, nil)

	descPatterns = prometheus.NewDesc(
		"driverkit_error_patterns",
		"Learned error patterns.",
		nil, nil)
	descEpisodes = prometheus.NewDesc(
		"driverkit_recovery_episodes",
		"Open recovery episodes.",
		nil, nil)
	descReports = prometheus.NewDesc(
		"driverkit_error_reports_total",
		"Errors reported to the advisor.",
		nil, nil)
	descEscalations = prometheus.NewDesc(
		"driverkit_escalations_total",
		"Faults escalated to the operator.",
		nil, nil)
)

// Collector implements prometheus.Collector over the framework components.
// Any component may be nil; its metrics are simply omitted.
type Collector struct {
	reg *registry.Registry
	det *hotplug.Detector
	mgr *loader.Manager
	adv *recovery.Advisor
}

// New builds a collector. Register it with a prometheus.Registerer.
func New(reg *registry.Registry, det *hotplug.Detector, mgr *loader.Manager, adv *recovery.Advisor) *Collector {
	return &Collector{reg: reg, det: det, mgr: mgr, adv: adv}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.reg != nil {
		s := c.reg.Stats()
		for typ, n := range s.ByType {
			ch <- prometheus.MustNewConstMetric(descResources, prometheus.GaugeValue, float64(n), typ.String())
		}
		ch <- prometheus.MustNewConstMetric(descResourcesPending, prometheus.GaugeValue, float64(s.Pending))
		ch <- prometheus.MustNewConstMetric(descResourcesLeaked, prometheus.CounterValue, float64(s.Leaked))
	}

	if c.det != nil {
		s := c.det.Stats()
		for state, n := range s.ByState {
			ch <- prometheus.MustNewConstMetric(descDevices, prometheus.GaugeValue, float64(n), state.String())
		}
		ch <- prometheus.MustNewConstMetric(descEventsQueued, prometheus.GaugeValue, float64(s.Queued))
		ch <- prometheus.MustNewConstMetric(descEventsDropped, prometheus.CounterValue, float64(s.Dropped))
		ch <- prometheus.MustNewConstMetric(descEventsProcessed, prometheus.CounterValue, float64(s.Processed))
	}

	if c.mgr != nil {
		s := c.mgr.Stats()
		for state, n := range s.ByState {
			ch <- prometheus.MustNewConstMetric(descModules, prometheus.GaugeValue, float64(n), state.String())
		}
		ch <- prometheus.MustNewConstMetric(descSymbols, prometheus.GaugeValue, float64(s.Symbols))
		ch <- prometheus.MustNewConstMetric(descLoads, prometheus.CounterValue, float64(s.Loads))
		ch <- prometheus.MustNewConstMetric(descUnloads, prometheus.CounterValue, float64(s.Unloads))
		ch <- prometheus.MustNewConstMetric(descRollbacks, prometheus.CounterValue, float64(s.Rollbacks))
	}

	if c.adv != nil {
		s := c.adv.Stats()
		ch <- prometheus.MustNewConstMetric(descPatterns, prometheus.GaugeValue, float64(s.Patterns))
		ch <- prometheus.MustNewConstMetric(descEpisodes, prometheus.GaugeValue, float64(s.Episodes))
		ch <- prometheus.MustNewConstMetric(descReports, prometheus.CounterValue, float64(s.Reports))
		ch <- prometheus.MustNewConstMetric(descEscalations, prometheus.CounterValue, float64(s.Escalations))
	}
}
