package store

import (
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/canopyhq/canopy/internal/models"
)

func TestListQueryEmptyFilterMatchesAll(t *testing.T) {
	if got := listQuery(ListFilter{}); len(got) != 0 {
		t.Fatalf("expected empty query, got %v", got)
	}
}

func TestListQueryCombinesFilters(t *testing.T) {
	got := listQuery(ListFilter{
		Status: models.AlertStatusSearching,
		Source: models.AlertSourceWeather,
		TreeID: "t1",
	})
	want := bson.M{
		"status":      models.AlertStatusSearching,
		"alertSource": models.AlertSourceWeather,
		"treeId":      "t1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("query = %v, want %v", got, want)
	}
}

func TestActiveQueryCoversNonTerminalStatuses(t *testing.T) {
	got := activeQuery("t1", models.AlertTypeDrought)
	statuses, ok := got["status"].(bson.M)
	if !ok {
		t.Fatalf("status clause missing: %v", got)
	}
	in, ok := statuses["$in"].([]models.AlertStatus)
	if !ok || len(in) != 3 {
		t.Fatalf("expected three active statuses, got %v", statuses["$in"])
	}
	for _, status := range in {
		if status.IsTerminal() {
			t.Fatalf("terminal status %s in dedupe filter", status)
		}
	}
}

func TestNearbyQueryShape(t *testing.T) {
	point := models.NewGeoPoint(79.8615, 6.9275)
	got := nearbyQuery(point, 5000)

	if got["availabilityStatus"] != models.AvailabilityAvailable {
		t.Fatalf("availability clause missing: %v", got)
	}
	if got["active"] != true {
		t.Fatalf("active clause missing: %v", got)
	}
	loc, ok := got["location"].(bson.M)
	if !ok {
		t.Fatalf("location clause missing: %v", got)
	}
	near, ok := loc["$nearSphere"].(bson.M)
	if !ok {
		t.Fatalf("nearSphere clause missing: %v", loc)
	}
	if near["$maxDistance"] != 5000.0 {
		t.Fatalf("maxDistance = %v", near["$maxDistance"])
	}
	geometry, ok := near["$geometry"].(models.GeoPoint)
	if !ok || geometry.Lon() != 79.8615 || geometry.Lat() != 6.9275 {
		t.Fatalf("geometry = %v", near["$geometry"])
	}
}

func TestGroupPipelineShape(t *testing.T) {
	pipeline := groupPipeline("$status")
	if len(pipeline) != 1 {
		t.Fatalf("pipeline stages = %d", len(pipeline))
	}
	stage := pipeline[0]
	if stage[0].Key != "$group" {
		t.Fatalf("stage key = %s", stage[0].Key)
	}
}
