// Package models provides data model definitions for the sync core.
package models

// GeometryKind distinguishes point features from drawn areas.
type GeometryKind string

const (
	GeometryPoint   GeometryKind = "point"
	GeometryPolygon GeometryKind = "polygon"
)

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geometry is either a single point or a growable vertex list drawn in
// the field. Vertices are append-only except through UndoVertex, which
// supports the draw-then-correct workflow on the device.
type Geometry struct {
	Kind     GeometryKind `json:"kind"`
	Vertices []LatLng     `json:"vertices"`
}

// PointGeometry returns a point geometry at the given coordinate.
func PointGeometry(p LatLng) Geometry {
	return Geometry{Kind: GeometryPoint, Vertices: []LatLng{p}}
}

// AddVertex appends a vertex to a polygon geometry.
func (g *Geometry) AddVertex(p LatLng) {
	g.Vertices = append(g.Vertices, p)
}

// UndoVertex removes the most recently added vertex. Removing the last
// vertex of a point geometry is a no-op; a report always keeps its
// anchor coordinate.
func (g *Geometry) UndoVertex() {
	if g.Kind == GeometryPoint {
		return
	}
	if n := len(g.Vertices); n > 0 {
		g.Vertices = g.Vertices[:n-1]
	}
}

// IsEmpty reports whether the geometry has no vertices.
func (g Geometry) IsEmpty() bool {
	return len(g.Vertices) == 0
}

// Clone returns a copy with its own vertex slice.
func (g Geometry) Clone() Geometry {
	out := g
	out.Vertices = append([]LatLng(nil), g.Vertices...)
	return out
}
