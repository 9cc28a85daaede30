// Package osmgeo fetches tram route geometries from OpenStreetMap's
// Overpass API, with an OSRM road-snapping fallback for routes Overpass
// does not cover.
package osmgeo

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/ekb-transit/tramtrack/foundation/httpclient"
)

const (
	overpassUrl = "https://overpass-api.de/api/interpreter"
	osrmBase    = "https://router.project-osrm.org"
	// bounding box for the Ekaterinburg tram network (south,west,north,east)
	ekbBbox = "56.7,60.4,56.95,60.8"
)

// Provider resolves route polylines from OSM-backed services
type Provider struct {
	log  *log.Logger
	http *httpclient.Client
}

func NewProvider(log *log.Logger) *Provider {
	return &Provider{
		log: log,
		// Overpass can take a while to assemble a city's relations
		http: httpclient.NewClient(log, 120*time.Second),
	}
}

type overpassResponse struct {
	Elements []struct {
		Type    string            `json:"type"`
		Tags    map[string]string `json:"tags"`
		Members []struct {
			Type     string `json:"type"`
			Role     string `json:"role"`
			Geometry []struct {
				Lat float64 `json:"lat"`
				Lon float64 `json:"lon"`
			} `json:"geometry"`
		} `json:"members"`
	} `json:"elements"`
}

// FetchTramGeometries queries Overpass for all tram relations in the city
// bbox and returns route number -> ordered [lat,lon] polyline. Only the
// first relation per route number (the forward direction) is used.
func (p *Provider) FetchTramGeometries() (map[string][][2]float64, error) {
	query := fmt.Sprintf("[out:json][timeout:90];\nrelation[\"route\"=\"tram\"](%s);\nout geom;\n", ekbBbox)
	body, err := p.http.PostFormWithRetry(overpassUrl, url.Values{"data": {query}}, "osm geometries")
	if err != nil {
		return nil, err
	}

	var decoded overpassResponse
	if err = json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parsing overpass response: %w", err)
	}

	result := make(map[string][][2]float64)
	for _, element := range decoded.Elements {
		if element.Type != "relation" {
			continue
		}
		ref := element.Tags["ref"]
		if ref == "" {
			continue
		}
		if _, present := result[ref]; present {
			continue
		}

		var coords [][2]float64
		for _, member := range element.Members {
			if member.Type != "way" || (member.Role != "" && member.Role != "forward") {
				continue
			}
			for _, pt := range member.Geometry {
				if pt.Lat == 0 || pt.Lon == 0 {
					continue
				}
				// skip duplicate consecutive points where ways share nodes
				if n := len(coords); n > 0 && coords[n-1][0] == pt.Lat && coords[n-1][1] == pt.Lon {
					continue
				}
				coords = append(coords, [2]float64{pt.Lat, pt.Lon})
			}
		}
		if len(coords) >= 2 {
			result[ref] = coords
		}
	}
	p.log.Printf("fetched OSM geometries for %d tram routes", len(result))
	return result, nil
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// FetchRoadGeometry asks OSRM for a road-snapped polyline through the
// given ordered waypoints ([lat,lon]). Returns nil when OSRM cannot route.
func (p *Provider) FetchRoadGeometry(waypoints [][2]float64) [][2]float64 {
	if len(waypoints) < 2 {
		return nil
	}
	parts := make([]string, 0, len(waypoints))
	for _, w := range waypoints {
		parts = append(parts, fmt.Sprintf("%.6f,%.6f", w[1], w[0]))
	}
	requestUrl := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson",
		osrmBase, strings.Join(parts, ";"))

	body, err := p.http.GetWithRetry(requestUrl, "osrm geometry")
	if err != nil {
		p.log.Printf("osrm geometry fetch failed: %v", err)
		return nil
	}
	var decoded osrmResponse
	if err = json.Unmarshal(body, &decoded); err != nil {
		p.log.Printf("osrm geometry parse failed: %v", err)
		return nil
	}
	if decoded.Code != "Ok" || len(decoded.Routes) == 0 {
		return nil
	}

	var coords [][2]float64
	for _, c := range decoded.Routes[0].Geometry.Coordinates {
		if len(c) == 2 {
			// GeoJSON is [lon, lat]
			coords = append(coords, [2]float64{c[1], c[0]})
		}
	}
	if len(coords) < 2 {
		return nil
	}
	return coords
}
