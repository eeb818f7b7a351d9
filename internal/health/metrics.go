package health

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/care/presence/internal/tracker"
)

const namespace = "presence"

// newRegistry exposes the tracker, face-slot and sink statistics as collectors
// evaluated at scrape time
func (s *Server) newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"instance": s.instanceID}

	counter := func(name, help string, value func(tracker.Status) uint64) {
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(value(s.tracker.Status())) }))
	}
	gauge := func(name, help string, value func() float64) {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, value))
	}

	gauge("uptime_seconds", "Seconds since the health server was created.", func() float64 {
		return time.Since(s.started).Seconds()
	})
	gauge("sensor_available", "1 when the sensor reports itself available.", func() float64 {
		return boolGauge(s.tracker.Status().Available)
	})
	gauge("open_sessions", "Sessions currently open.", func() float64 {
		return float64(s.tracker.Status().OpenSessions)
	})
	gauge("active_face_tracking_id", "Body holding the face-analysis slot, 0 when idle.", func() float64 {
		return float64(s.tracker.Status().ActiveFace)
	})

	counter("sessions_entered_total", "Sessions opened.", func(st tracker.Status) uint64 { return st.Counters.Entered })
	counter("sessions_left_total", "Sessions finalized.", func(st tracker.Status) uint64 { return st.Counters.Left })
	counter("sessions_emitted_total", "Session records accepted by the sink.", func(st tracker.Status) uint64 { return st.Counters.Emitted })
	counter("duplicate_entries_total", "Entries for a body that already had an open session.", func(st tracker.Status) uint64 { return st.Counters.DuplicateEntries })
	counter("unknown_departures_total", "Departures for a body without an open session.", func(st tracker.Status) uint64 { return st.Counters.UnknownDepartures })
	counter("ignored_entries_total", "Entries ignored while the sensor was unavailable.", func(st tracker.Status) uint64 { return st.Counters.IgnoredEntries })
	counter("unrouted_poses_total", "Pose samples for bodies without a session.", func(st tracker.Status) uint64 { return st.Counters.UnroutedPoses })
	counter("unrouted_faces_total", "Face results for bodies without a session.", func(st tracker.Status) uint64 { return st.Counters.UnroutedFaces })
	counter("sink_errors_total", "Session records the sink rejected.", func(st tracker.Status) uint64 { return st.Counters.SinkErrors })
	counter("pose_samples_delivered_total", "Pose samples routed to a session.", func(st tracker.Status) uint64 { return st.Router.Pose.Delivered })
	counter("face_results_delivered_total", "Face results routed to a session.", func(st tracker.Status) uint64 { return st.Router.Face.Delivered })
	counter("face_slot_switches_total", "Changes of the face-analysis slot.", func(st tracker.Status) uint64 { return st.FaceSlot.Switches })

	if s.sinkStats != nil {
		gauge("sink_queued", "Records waiting in the sink queue.", func() float64 {
			return float64(s.sinkStats().Queued)
		})
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sink_dropped_total",
			Help:        "Records dropped because the sink queue was full.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.sinkStats().Dropped) }))
	}

	return registry
}

// metricsHandler serves the registry in the Prometheus exposition format
func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.newRegistry(), promhttp.HandlerOpts{})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
