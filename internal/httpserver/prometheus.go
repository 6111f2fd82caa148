package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/perfsaver/internal/notice"
	"github.com/skobkin/perfsaver/internal/throttle"
	"github.com/skobkin/perfsaver/internal/world"
)

const metricsNamespace = "perfsaver"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if hub := s.hub; hub != nil {
		collectors = append(collectors, newNoticeCounter(hub))
	}
	if c := newThrottleCollector(s.controller); c != nil {
		collectors = append(collectors, c)
	}
	if c := newWorldCollector(s.universe); c != nil {
		collectors = append(collectors, c)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func newNoticeCounter(hub *notice.Hub) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "notice",
		Name:      "broadcast_total",
		Help:      "Total notices broadcast to players.",
	}, func() float64 {
		return float64(hub.Count())
	})
}

type throttleCollector struct {
	controller *throttle.Controller
	metrics    []throttleMetric
}

type throttleMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(st throttle.Status) (float64, bool)
}

func newThrottleCollector(controller *throttle.Controller) prometheus.Collector {
	if controller == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "throttle", name),
			help,
			nil,
			nil,
		)
	}
	gauge := func(name, help string, fn func(st throttle.Status) float64) throttleMetric {
		return throttleMetric{
			desc:      desc(name, help),
			valueType: prometheus.GaugeValue,
			extract:   func(st throttle.Status) (float64, bool) { return fn(st), true },
		}
	}
	counter := func(name, help string, fn func(st throttle.Status) uint64) throttleMetric {
		return throttleMetric{
			desc:      desc(name, help),
			valueType: prometheus.CounterValue,
			extract:   func(st throttle.Status) (float64, bool) { return float64(fn(st)), true },
		}
	}

	return &throttleCollector{
		controller: controller,
		metrics: []throttleMetric{
			gauge("running", "Whether the controller is running.", func(st throttle.Status) float64 {
				return boolFloat(st.Running)
			}),
			gauge("gc_sensing", "Whether GC pressure sensing is available.", func(st throttle.Status) float64 {
				return boolFloat(st.GCSensing)
			}),
			gauge("view_radius", "Current view radius in chunks.", func(st throttle.Status) float64 {
				return float64(st.ViewRadius)
			}),
			gauge("initial_view_radius", "View radius captured at start.", func(st throttle.Status) float64 {
				return float64(st.InitialViewRadius)
			}),
			gauge("min_view_radius", "Lowest view radius the controller reduces to.", func(st throttle.Status) float64 {
				return float64(st.MinViewRadius)
			}),
			gauge("last_adjustment_uptime_seconds", "Process uptime of the last radius change.", func(st throttle.Status) float64 {
				return st.LastAdjustment.Seconds()
			}),
			gauge("gc_pressure_runs", "Qualifying high-occupancy collections in the last cycle.", func(st throttle.Status) float64 {
				return float64(st.GCMatches)
			}),
			gauge("gc_history_runs", "Collections currently retained in history.", func(st throttle.Status) float64 {
				return float64(st.GCRuns)
			}),
			{
				desc:      desc("heap_limit_bytes", "Resolved maximum heap size."),
				valueType: prometheus.GaugeValue,
				extract: func(st throttle.Status) (float64, bool) {
					if st.HeapLimitBytes == 0 {
						return 0, false
					}
					return float64(st.HeapLimitBytes), true
				},
			},
			{
				desc:      desc("tps", "Tick rate measured in the last cycle."),
				valueType: prometheus.GaugeValue,
				extract: func(st throttle.Status) (float64, bool) {
					if st.LastTPS < 0 {
						return 0, false
					}
					return st.LastTPS, true
				},
			},
			counter("cycles_total", "Adjustment cycles run.", func(st throttle.Status) uint64 { return st.Cycles }),
			counter("decreases_total", "View radius reductions.", func(st throttle.Status) uint64 { return st.Decreases }),
			counter("increases_total", "View radius increases.", func(st throttle.Status) uint64 { return st.Increases }),
			counter("forced_collections_total", "Collections forced by the idle monitor.", func(st throttle.Status) uint64 {
				return st.ForcedCollections
			}),
		},
	}
}

func (c *throttleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *throttleCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.controller.Status()
	for _, metric := range c.metrics {
		value, ok := metric.extract(st)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value)
	}
}

type worldCollector struct {
	universe *world.Universe
	metrics  []worldMetric
}

type worldMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(info world.Info) float64
}

func newWorldCollector(universe *world.Universe) prometheus.Collector {
	if universe == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "world", name),
			help,
			[]string{"world"},
			nil,
		)
	}

	return &worldCollector{
		universe: universe,
		metrics: []worldMetric{
			{
				desc:      desc("tps", "Ticks per second over the last 10 seconds."),
				valueType: prometheus.GaugeValue,
				extract:   func(info world.Info) float64 { return info.RecentTPS },
			},
			{
				desc:      desc("target_tps", "Nominal tick rate."),
				valueType: prometheus.GaugeValue,
				extract:   func(info world.Info) float64 { return float64(info.TargetTPS) },
			},
			{
				desc:      desc("tick_length_seconds", "Mean tick length over the last 10 seconds."),
				valueType: prometheus.GaugeValue,
				extract:   func(info world.Info) float64 { return info.MeanTickLength.Seconds() },
			},
			{
				desc:      desc("players", "Connected players including bots."),
				valueType: prometheus.GaugeValue,
				extract:   func(info world.Info) float64 { return float64(info.Players) },
			},
			{
				desc:      desc("loaded_chunks", "Currently loaded chunks."),
				valueType: prometheus.GaugeValue,
				extract:   func(info world.Info) float64 { return float64(info.LoadedChunks) },
			},
			{
				desc:      desc("loaded_chunk_bytes", "Heap held by loaded chunks."),
				valueType: prometheus.GaugeValue,
				extract:   func(info world.Info) float64 { return float64(info.LoadedBytes) },
			},
			{
				desc:      desc("ticks_total", "Ticks run since start."),
				valueType: prometheus.CounterValue,
				extract:   func(info world.Info) float64 { return float64(info.Ticks) },
			},
			{
				desc:      desc("chunk_loads_total", "Chunks loaded since start."),
				valueType: prometheus.CounterValue,
				extract:   func(info world.Info) float64 { return float64(info.ChunkLoads) },
			},
			{
				desc:      desc("chunk_unloads_total", "Chunks unloaded since start."),
				valueType: prometheus.CounterValue,
				extract:   func(info world.Info) float64 { return float64(info.ChunkUnloads) },
			},
		},
	}
}

func (c *worldCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *worldCollector) Collect(ch chan<- prometheus.Metric) {
	for _, w := range c.universe.Worlds() {
		info := w.Info()
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(info), info.Name)
		}
	}
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
