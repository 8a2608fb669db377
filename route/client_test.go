package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tourkit/navpack/plan"
)

func TestClient_Route(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"code": "Ok",
			"routes": [{
				"distance": 2500.5,
				"duration": 180.2,
				"geometry": {
					"type": "LineString",
					"coordinates": [[139.9, 39.2], [139.91, 39.21]]
				}
			}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	res, err := c.Route(context.Background(), plan.ModeCar,
		plan.Coord{Lat: 39.2, Lon: 139.9}, plan.Coord{Lat: 39.21, Lon: 139.91})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/route/v1/car/") {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotPath, "139.9,39.2;139.91,39.21") {
		t.Errorf("coordinates missing or misordered in path %q", gotPath)
	}
	if !strings.Contains(gotQuery, "geometries=geojson") || !strings.Contains(gotQuery, "overview=full") {
		t.Errorf("query = %q", gotQuery)
	}

	if !res.OK {
		t.Fatal("expected OK result")
	}
	if res.DistanceM != 2500.5 || res.DurationS != 180.2 {
		t.Errorf("distance/duration = %v/%v", res.DistanceM, res.DurationS)
	}
	if len(res.Geometry) != 2 || res.Geometry[0][0] != 139.9 {
		t.Errorf("geometry = %v", res.Geometry)
	}
}

func TestClient_Route_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": "NoRoute", "routes": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	res, err := c.Route(context.Background(), plan.ModeFoot,
		plan.Coord{Lat: 0, Lon: 0}, plan.Coord{Lat: 1, Lon: 1})
	if err != nil {
		t.Fatalf("no-route must not be a transport error: %v", err)
	}
	if res.OK {
		t.Error("expected OK=false")
	}
}

func TestClient_Route_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	res, err := c.Route(context.Background(), plan.ModeCar,
		plan.Coord{Lat: 0, Lon: 0}, plan.Coord{Lat: 1, Lon: 1})
	if err != nil {
		t.Fatalf("5xx is treated as no-route, got error %v", err)
	}
	if res.OK {
		t.Error("expected OK=false on 5xx")
	}
}

func TestClient_Route_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, testLogger())
	_, err := c.Route(context.Background(), plan.ModeCar,
		plan.Coord{Lat: 0, Lon: 0}, plan.Coord{Lat: 1, Lon: 1})
	if err == nil {
		t.Fatal("expected transport error")
	}
}
