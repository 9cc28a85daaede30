package tracker

import (
	"io"
	logger "log"
	"math"
	"testing"

	"github.com/ekb-transit/tramtrack/business/data/ettu"
)

func testCatalogLoader(t *testing.T, source referenceSource, geo geometrySource) (*CatalogLoader, *Diagnostics) {
	t.Helper()
	log := logger.New(io.Discard, "", 0)
	params := DefaultParams()
	diag := NewDiagnostics()
	matcher := NewRouteMatcher(params.MaxSnapDistanceM)
	detector := NewStopDetector(params)
	return NewCatalogLoader(log, source, geo, nil, matcher, detector, diag, params), diag
}

func TestCatalogLoader_Refresh(t *testing.T) {
	loader, _ := testCatalogLoader(t, &fakeReferenceSource{}, &fakeGeometrySource{})
	if err := loader.Refresh(); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	catalog := loader.Current()

	routes := catalog.Routes()
	if len(routes) != 1 {
		t.Fatalf("len(routes) = %d, want 1", len(routes))
	}
	if routes[0].Number != "18" || routes[0].GeometrySource != GeometrySourceOsm {
		t.Errorf("route = %+v, want number 18 from the osm source", routes[0])
	}

	if id, ok := catalog.RouteIdByNumber("18"); !ok || id != 18 {
		t.Errorf("RouteIdByNumber(18) = %d,%v, want 18,true", id, ok)
	}
	if _, ok := catalog.RouteIdByNumber("32"); ok {
		t.Error("RouteIdByNumber(32) = true, want false")
	}

	stop, ok := catalog.Stop(3)
	if !ok || stop.Name != "Tsirk" {
		t.Errorf("Stop(3) = %+v,%v, want the Tsirk record", stop, ok)
	}
	if served := catalog.RoutesForStop(3); len(served) != 1 || served[0] != 18 {
		t.Errorf("RoutesForStop(3) = %v, want [18]", served)
	}

	if geometry := catalog.Geometry(18); len(geometry) < 2 {
		t.Errorf("Geometry(18) has %d points, want a polyline", len(geometry))
	}
}

func TestCatalogLoader_Refresh_stopProgress(t *testing.T) {
	loader, _ := testCatalogLoader(t, &fakeReferenceSource{}, &fakeGeometrySource{})
	if err := loader.Refresh(); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	catalog := loader.Current()

	// the fake polyline runs 56.838 to 56.854; each stop's progress is its
	// fraction of that span
	tests := []struct {
		stopId int
		want   float64
	}{
		{stopId: 1, want: 0.125},
		{stopId: 2, want: 0.375},
		{stopId: 3, want: 0.625},
		{stopId: 4, want: 0.875},
	}
	var last float64 = -1
	for _, tt := range tests {
		progress, ok := catalog.StopProgress(18, tt.stopId)
		if !ok {
			t.Fatalf("StopProgress(18, %d) not ok", tt.stopId)
		}
		if math.Abs(progress-tt.want) > 0.005 {
			t.Errorf("StopProgress(18, %d) = %v, want ~%v", tt.stopId, progress, tt.want)
		}
		if progress <= last {
			t.Errorf("stop progress not increasing at stop %d", tt.stopId)
		}
		last = progress
	}
}

// brokenPathSource references a stop id the stop feed does not carry
type brokenPathSource struct {
	fakeReferenceSource
}

func (b *brokenPathSource) FetchRoutes() ([]ettu.RawRoute, error) {
	return []ettu.RawRoute{
		{
			Id:     18,
			Number: "18",
			Stops: []ettu.RouteStopRef{
				{Id: 1, Order: 0, Direction: 0},
				{Id: 901, Order: 1, Direction: 0},
				{Id: 4, Order: 2, Direction: 0},
			},
		},
	}, nil
}

func TestCatalogLoader_Refresh_reportsUnresolvedStops(t *testing.T) {
	loader, diag := testCatalogLoader(t, &brokenPathSource{}, &fakeGeometrySource{})
	if err := loader.Refresh(); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	resolutions := diag.RouteResolutions()
	if len(resolutions) != 1 {
		t.Fatalf("len(resolutions) = %d, want 1", len(resolutions))
	}
	r := resolutions[0]
	if r.RouteId != 18 || r.PathStops != 3 || r.ResolvedStops != 2 {
		t.Errorf("resolution = %+v, want 2 of 3 stops resolved on route 18", r)
	}
	if len(r.UnresolvedIds) != 1 || r.UnresolvedIds[0] != 901 {
		t.Errorf("UnresolvedIds = %v, want [901]", r.UnresolvedIds)
	}
}

// emptyGeometrySource forces the stop-chain geometry fallback
type emptyGeometrySource struct{}

func (e *emptyGeometrySource) FetchTramGeometries() (map[string][][2]float64, error) {
	return nil, nil
}

func (e *emptyGeometrySource) FetchRoadGeometry(_ [][2]float64) [][2]float64 {
	return nil
}

func TestCatalogLoader_Refresh_stopChainFallback(t *testing.T) {
	loader, _ := testCatalogLoader(t, &fakeReferenceSource{}, &emptyGeometrySource{})
	if err := loader.Refresh(); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	catalog := loader.Current()

	routes := catalog.Routes()
	if len(routes) != 1 || routes[0].GeometrySource != GeometrySourceStops {
		t.Fatalf("routes = %+v, want the stop-chain geometry source", routes)
	}
	if geometry := catalog.Geometry(18); len(geometry) != 4 {
		t.Errorf("Geometry(18) has %d points, want the 4 stop coordinates", len(geometry))
	}
}

func TestCatalogLoader_displayName(t *testing.T) {
	plain := displayName(ettu.RawStop{Name: "Opera"})
	if plain != "Opera" {
		t.Errorf("displayName = %q, want %q", plain, "Opera")
	}
	qualified := displayName(ettu.RawStop{Name: "Tsirk", Direction: "to VIZ"})
	if qualified != "Tsirk (to VIZ)" {
		t.Errorf("displayName = %q, want %q", qualified, "Tsirk (to VIZ)")
	}
}
