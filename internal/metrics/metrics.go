package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom", Name: "registrations_total", Help: "Registered teacher accounts",
	})
	Logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom", Name: "logins_total", Help: "Login attempts by result",
	}, []string{"result"})
	StudentsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom", Name: "students_added_total", Help: "Students added to the roster",
	})
	RecordsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom", Name: "attendance_records_total", Help: "Attendance records saved",
	})
	StoreOps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classroom", Name: "store_op_seconds", Help: "Attendance store operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "status"})
)

func init() {
	prometheus.MustRegister(Registrations, Logins, StudentsAdded, RecordsSaved, StoreOps)
}

func Handler() http.Handler { return promhttp.Handler() }

// ObserveStoreOp records the latency of op started at start.
func ObserveStoreOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOps.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
