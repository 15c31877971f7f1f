package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/gorilla/mux"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/api"
	capstanmetrics "github.com/capstan-io/capstan/metrics"
)

var requestDuration metrics.Histogram = kitprometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "capstan",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Time taken to serve HTTP requests, in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{capstanmetrics.LabelMethod, capstanmetrics.LabelSuccess})

func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.NewRoute().Name("PostPromotion").Methods("POST").Path("/v1/promotions").Queries("service", "{service}", "version", "{version}", "environment", "{environment}")
	r.NewRoute().Name("PostRollback").Methods("POST").Path("/v1/deployments/{id}/rollback")
	r.NewRoute().Name("PostApproval").Methods("POST").Path("/v1/deployments/{id}/approve").Queries("actor", "{actor}")
	r.NewRoute().Name("PostDenial").Methods("POST").Path("/v1/deployments/{id}/deny").Queries("actor", "{actor}")
	r.NewRoute().Name("GetDeployment").Methods("GET").Path("/v1/deployments/{id}")
	r.NewRoute().Name("GetTargetStatus").Methods("GET").Path("/v1/status").Queries("service", "{service}", "environment", "{environment}")
	r.NewRoute().Name("GetHistory").Methods("GET").Path("/v1/history").Queries("service", "{service}", "environment", "{environment}")
	return r
}

func NewHandler(s api.Service, r *mux.Router, logger log.Logger) http.Handler {
	for method, handlerFunc := range map[string]func(api.Service) http.Handler{
		"PostPromotion":   handlePostPromotion,
		"PostRollback":    handlePostRollback,
		"PostApproval":    handlePostApproval,
		"PostDenial":      handlePostDenial,
		"GetDeployment":   handleGetDeployment,
		"GetTargetStatus": handleGetTargetStatus,
		"GetHistory":      handleGetHistory,
	} {
		var handler http.Handler
		handler = handlerFunc(s)
		handler = observing(handler, method, log.With(logger, "method", method))

		r.Get(method).Handler(handler)
	}
	return r
}

// postPromotionResponse carries the new deployment's ID back to the
// caller so it can poll or approve it.
type postPromotionResponse struct {
	DeploymentID capstan.DeploymentID `json:"deploymentID"`
}

func handlePostPromotion(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id, err := s.RequestPromotion(r.Context(), vars["service"], vars["version"], vars["environment"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, postPromotionResponse{DeploymentID: id})
	})
}

func handlePostRollback(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := capstan.DeploymentID(mux.Vars(r)["id"])
		if err := s.RequestRollback(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func handlePostApproval(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := s.Approve(r.Context(), capstan.DeploymentID(vars["id"]), vars["actor"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func handlePostDenial(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := s.Deny(r.Context(), capstan.DeploymentID(vars["id"]), vars["actor"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleGetDeployment(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := s.GetStatus(r.Context(), capstan.DeploymentID(mux.Vars(r)["id"]))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	})
}

func handleGetTargetStatus(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		target := capstan.Target{ServiceName: vars["service"], EnvironmentName: vars["environment"]}
		d, err := s.GetTargetStatus(r.Context(), target)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	})
}

func handleGetHistory(s api.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		target := capstan.Target{ServiceName: vars["service"], EnvironmentName: vars["environment"]}
		ts, err := s.History(r.Context(), target)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ts)
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Fprint(w, err.Error())
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case capstan.IsNotFound(err):
		w.WriteHeader(http.StatusNotFound)
	case capstan.IsConflict(err):
		w.WriteHeader(http.StatusConflict)
	case capstan.IsRenderValidation(err):
		w.WriteHeader(http.StatusBadRequest)
	case capstan.IsInvalidState(err):
		w.WriteHeader(http.StatusUnprocessableEntity)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
	fmt.Fprint(w, err.Error())
}

// observing logs each request and records its duration under the route
// name, with a success label derived from the response code.
func observing(next http.Handler, method string, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(cw, r)
		took := time.Since(begin)
		requestDuration.With(
			capstanmetrics.LabelMethod, method,
			capstanmetrics.LabelSuccess, fmt.Sprint(cw.code < 400),
		).Observe(took.Seconds())
		logger.Log("url", r.URL.String(), "code", cw.code, "took", took.String())
	})
}

type codeWriter struct {
	http.ResponseWriter
	code int
}

func (w *codeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
