// Package ingest exposes the HTTP endpoint that multiplexes worker sample
// streams into the job's statistics controller. Transport of samples is an
// engine concern; this is the reference implementation used by the
// standalone daemon.
package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamhouse/qosmon/pkg/qos/controller"
	"github.com/streamhouse/qosmon/pkg/qos/deployment"
	"github.com/streamhouse/qosmon/pkg/qos/model"
)

// FormatVersion is the version of the JSON push payloads.
const FormatVersion = 1

type API struct {
	logger log.Logger
	ctrl   *controller.Controller

	pushes *prometheus.CounterVec
}

func NewAPI(ctrl *controller.Controller, logger log.Logger, reg prometheus.Registerer) *API {
	return &API{
		logger: logger,
		ctrl:   ctrl,
		pushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "qosmon",
			Name:      "ingest_requests_total",
			Help:      "Ingest requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
	}
}

// RegisterRoutes wires the ingest endpoints onto the router.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.Path("/qos/api/v1/samples").Methods(http.MethodPost).HandlerFunc(a.pushSamples)
	r.Path("/qos/api/v1/execution-states").Methods(http.MethodPost).HandlerFunc(a.pushExecutionStates)
	r.Path("/qos/api/v1/job-status").Methods(http.MethodPost).HandlerFunc(a.pushJobStatus)
}

type sampleEntry struct {
	Member      deployment.MemberRef `json:"member"`
	LatencyUs   int64                `json:"latency_us"`
	TimestampMs int64                `json:"timestamp_ms"`
}

type samplePush struct {
	FormatVersion int           `json:"format_version"`
	WorkerID      string        `json:"worker_id,omitempty"`
	Samples       []sampleEntry `json:"samples"`
}

func (a *API) pushSamples(w http.ResponseWriter, req *http.Request) {
	var push samplePush
	if err := decodePush(req, &push); err != nil {
		a.reject(w, "samples", err)
		return
	}
	for _, entry := range push.Samples {
		m, err := entry.Member.Member()
		if err != nil {
			a.reject(w, "samples", err)
			return
		}
		err = a.ctrl.HandleStatistic(model.LatencySample{
			Member:    m.Key(),
			Latency:   time.Duration(entry.LatencyUs) * time.Microsecond,
			Timestamp: time.UnixMilli(entry.TimestampMs),
		})
		if err != nil && !a.tolerate(w, "samples", err) {
			return
		}
	}
	a.accept(w, "samples")
}

type executionStateEntry struct {
	Member deployment.MemberRef `json:"member"`
	State  string               `json:"state"`
}

type executionStatePush struct {
	FormatVersion int                   `json:"format_version"`
	Events        []executionStateEntry `json:"events"`
}

func (a *API) pushExecutionStates(w http.ResponseWriter, req *http.Request) {
	var push executionStatePush
	if err := decodePush(req, &push); err != nil {
		a.reject(w, "execution-states", err)
		return
	}
	for _, event := range push.Events {
		m, err := event.Member.Member()
		if err != nil {
			a.reject(w, "execution-states", err)
			return
		}
		st, err := model.ParseLifecycleState(event.State)
		if err != nil {
			a.reject(w, "execution-states", err)
			return
		}
		if err := a.ctrl.HandleExecutionStateChanged(m.Key(), st); err != nil && !a.tolerate(w, "execution-states", err) {
			return
		}
	}
	a.accept(w, "execution-states")
}

type jobStatusPush struct {
	FormatVersion int    `json:"format_version"`
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
}

func (a *API) pushJobStatus(w http.ResponseWriter, req *http.Request) {
	var push jobStatusPush
	if err := decodePush(req, &push); err != nil {
		a.reject(w, "job-status", err)
		return
	}
	status, err := model.ParseJobStatus(push.Status)
	if err != nil {
		a.reject(w, "job-status", err)
		return
	}
	if err := a.ctrl.HandleJobStatusChanged(status); err != nil && !a.tolerate(w, "job-status", err) {
		return
	}
	a.accept(w, "job-status")
}

type versionedPush interface {
	version() int
}

func (p *samplePush) version() int         { return p.FormatVersion }
func (p *executionStatePush) version() int { return p.FormatVersion }
func (p *jobStatusPush) version() int      { return p.FormatVersion }

func decodePush(req *http.Request, into versionedPush) error {
	if err := json.NewDecoder(req.Body).Decode(into); err != nil {
		return errors.Wrap(err, "decoding push payload")
	}
	if v := into.version(); v != FormatVersion {
		return errors.Errorf("unsupported push format version %d, want %d", v, FormatVersion)
	}
	return nil
}

func (a *API) accept(w http.ResponseWriter, endpoint string) {
	a.pushes.WithLabelValues(endpoint, "accepted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) reject(w http.ResponseWriter, endpoint string, err error) {
	a.pushes.WithLabelValues(endpoint, "rejected").Inc()
	level.Warn(a.logger).Log("msg", "rejecting ingest request", "endpoint", endpoint, "err", err)
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// tolerate sorts controller errors into the degradation policy: unknown
// members are accepted-and-dropped so a worker with a stale assignment
// list does not fail its whole batch, while a closed controller is
// unavailable. Returns true when the caller should keep processing.
func (a *API) tolerate(w http.ResponseWriter, endpoint string, err error) bool {
	var unknownErr *model.UnknownMemberError
	if errors.As(err, &unknownErr) {
		return true
	}
	if errors.Is(err, controller.ErrNotOpen) {
		a.pushes.WithLabelValues(endpoint, "unavailable").Inc()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return false
	}
	a.pushes.WithLabelValues(endpoint, "error").Inc()
	level.Error(a.logger).Log("msg", "ingest request failed", "endpoint", endpoint, "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
	return false
}
