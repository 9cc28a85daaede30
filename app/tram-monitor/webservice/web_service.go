// Package webservice exposes the tracker state over a JSON HTTP API and a
// server-sent-events stream for live map clients.
package webservice

import (
	"context"
	"encoding/json"
	"fmt"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ekb-transit/tramtrack/app/tram-monitor/broadcast"
	"github.com/ekb-transit/tramtrack/app/tram-monitor/tracker"
	"github.com/gorilla/mux"
)

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//webHandlers holds everything the API endpoints read from
type webHandlers struct {
	log         *logger.Logger
	tracker     *tracker.Tracker
	catalog     *tracker.CatalogLoader
	detector    *tracker.StopDetector
	diag        *tracker.Diagnostics
	broadcaster *broadcast.Broadcaster
}

func makeWebHandlers(log *logger.Logger,
	trk *tracker.Tracker,
	catalog *tracker.CatalogLoader,
	detector *tracker.StopDetector,
	diag *tracker.Diagnostics,
	broadcaster *broadcast.Broadcaster) *webHandlers {
	return &webHandlers{
		log:         log,
		tracker:     trk,
		catalog:     catalog,
		detector:    detector,
		diag:        diag,
		broadcaster: broadcaster,
	}
}

//stateEnvelope frames vehicle payloads for both the REST and SSE responses
type stateEnvelope struct {
	Type     string                 `json:"type"`
	Vehicles []tracker.VehicleState `json:"vehicles"`
}

//getVehicles serves all tracked vehicles, optionally narrowed to one route
func (h *webHandlers) getVehicles(w http.ResponseWriter, r *http.Request) {
	routeNumber := r.FormValue("route")
	vehicles := h.tracker.Snapshot()
	if routeNumber != "" {
		filtered := make([]tracker.VehicleState, 0, len(vehicles))
		for _, v := range vehicles {
			if v.RouteNumber == routeNumber {
				filtered = append(filtered, v)
			}
		}
		vehicles = filtered
	}
	h.writeJSON(w, stateEnvelope{Type: "snapshot", Vehicles: vehicles})
}

//getVehicle serves one vehicle by id
func (h *webHandlers) getVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	vehicle, ok := h.tracker.Vehicle(id)
	if !ok {
		http.Error(w, "vehicle not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, vehicle)
}

//stopArrivalsResponse wraps the arrivals list with the stop's own record
type stopArrivalsResponse struct {
	Stop     tracker.StopInfo      `json:"stop"`
	Arrivals []tracker.StopArrival `json:"arrivals"`
}

//getStopArrivals serves expected arrivals at one stop
func (h *webHandlers) getStopArrivals(w http.ResponseWriter, r *http.Request) {
	stopId, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid stop id", http.StatusBadRequest)
		return
	}
	stop, ok := h.catalog.Current().Stop(stopId)
	if !ok {
		http.Error(w, "stop not found", http.StatusNotFound)
		return
	}
	var routeFilter *int
	if raw := r.FormValue("route"); raw != "" {
		routeId, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid route id", http.StatusBadRequest)
			return
		}
		routeFilter = &routeId
	}
	arrivals := h.tracker.ArrivalsForStop(stopId, routeFilter)
	if arrivals == nil {
		arrivals = []tracker.StopArrival{}
	}
	h.writeJSON(w, stopArrivalsResponse{Stop: stop, Arrivals: arrivals})
}

//getRoutes serves the route list of the active catalog
func (h *webHandlers) getRoutes(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.catalog.Current().Routes())
}

//routeDetailResponse adds the polyline and stop sequence to a route record
type routeDetailResponse struct {
	tracker.RouteInfo
	Geometry [][2]float64          `json:"geometry"`
	Stops    []tracker.StopOnRoute `json:"stops"`
}

//getRoute serves one route with its geometry and ordered stops
func (h *webHandlers) getRoute(w http.ResponseWriter, r *http.Request) {
	routeId, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid route id", http.StatusBadRequest)
		return
	}
	catalog := h.catalog.Current()
	var info *tracker.RouteInfo
	for _, route := range catalog.Routes() {
		if route.Id == routeId {
			info = &route
			break
		}
	}
	if info == nil {
		http.Error(w, "route not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, routeDetailResponse{
		RouteInfo: *info,
		Geometry:  catalog.Geometry(routeId),
		Stops:     h.detector.AllStops(routeId),
	})
}

//diagnosticsResponse summarizes pipeline health for operators
type diagnosticsResponse struct {
	ProjectionCounts map[string]int            `json:"projection_counts"`
	RouteResolutions []tracker.RouteResolution `json:"route_resolutions"`
	Subscribers      int                       `json:"subscribers"`
	CatalogBuiltAt   time.Time                 `json:"catalog_built_at"`
}

//getDiagnostics serves the pipeline health summary
func (h *webHandlers) getDiagnostics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, diagnosticsResponse{
		ProjectionCounts: h.diag.Counts(),
		RouteResolutions: h.diag.RouteResolutions(),
		Subscribers:      h.broadcaster.SubscriberCount(),
		CatalogBuiltAt:   h.catalog.Current().BuiltAt(),
	})
}

//getProjectionEvents serves recent projection clamp events, newest first
func (h *webHandlers) getProjectionEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.FormValue("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	events := h.diag.RecentEvents(limit)
	if events == nil {
		events = []tracker.ProjectionEvent{}
	}
	h.writeJSON(w, events)
}

//getHealth serves the liveness summary
func (h *webHandlers) getHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]interface{}{
		"status":           "ok",
		"vehicles":         len(h.tracker.Snapshot()),
		"routes":           len(h.catalog.Current().Routes()),
		"catalog_built_at": h.catalog.Current().BuiltAt(),
	})
}

//streamVehicles serves the live state over server-sent events: first the
//latest full snapshot, then every update as the tracker publishes them
func (h *webHandlers) streamVehicles(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(updates)

	if snapshot := h.snapshotPayload(); snapshot != nil {
		if err := writeEvent(w, flusher, snapshot); err != nil {
			return
		}
	}
	for {
		select {
		case payload, ok := <-updates:
			if !ok {
				// dropped by the broadcaster for falling behind
				return
			}
			if err := writeEvent(w, flusher, payload); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

//snapshotPayload rewrites the latest published envelope as a snapshot so
//new stream clients can render the full map before the next update
func (h *webHandlers) snapshotPayload() []byte {
	latest := h.broadcaster.LatestSnapshot()
	if latest == nil {
		payload, err := json.Marshal(stateEnvelope{Type: "snapshot", Vehicles: h.tracker.Snapshot()})
		if err != nil {
			return nil
		}
		return payload
	}
	var envelope stateEnvelope
	if err := json.Unmarshal(latest, &envelope); err != nil {
		return latest
	}
	envelope.Type = "snapshot"
	payload, err := json.Marshal(envelope)
	if err != nil {
		return latest
	}
	return payload
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

//writeJSON marshals v to the response, logging failures
func (h *webHandlers) writeJSON(w http.ResponseWriter, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		h.log.Printf("Error marshaling response to json: error:%v\n", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(jsonData); err != nil {
		h.log.Printf("Error writing json response: %s", err)
	}
}

//createServer creates configured http.Server for the tracker API
func createServer(log *logger.Logger,
	trk *tracker.Tracker,
	catalog *tracker.CatalogLoader,
	detector *tracker.StopDetector,
	diag *tracker.Diagnostics,
	broadcaster *broadcast.Broadcaster,
	httpPort int) *http.Server {

	handlers := makeWebHandlers(log, trk, catalog, detector, diag, broadcaster)

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.HandleFunc("/api/vehicles", handlers.getVehicles).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles/{id}", handlers.getVehicle).Methods(http.MethodGet)
	r.HandleFunc("/api/stops/{id}/arrivals", handlers.getStopArrivals).Methods(http.MethodGet)
	r.HandleFunc("/api/routes", handlers.getRoutes).Methods(http.MethodGet)
	r.HandleFunc("/api/routes/{id}", handlers.getRoute).Methods(http.MethodGet)
	r.HandleFunc("/api/diagnostics", handlers.getDiagnostics).Methods(http.MethodGet)
	r.HandleFunc("/api/diagnostics/projections", handlers.getProjectionEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/health", handlers.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/vehicles", handlers.streamVehicles).Methods(http.MethodGet)

	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		// WriteTimeout stays unset, the SSE stream must outlive it.
		ReadTimeout: time.Second * 15,
		IdleTimeout: time.Second * 60,
		Handler:     r,
	}
	return srv
}

//RunWebService starts up the tracker API, and terminates on shutdown signal
func RunWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	trk *tracker.Tracker,
	catalog *tracker.CatalogLoader,
	detector *tracker.StopDetector,
	diag *tracker.Diagnostics,
	broadcaster *broadcast.Broadcaster,
	httpPort int,
	shutdownSignal chan bool,
) {
	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, trk, catalog, detector, diag, broadcaster, httpPort)
	log.Printf("Starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()
	<-shutdownSignal
	log.Printf("ending webservice on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), time.Duration(5)*time.Second)
	defer serverCancelFunc()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down webservice, error:%s", err)
	}
}
