package geo

// Affine is a 2D affine transform mapping pixel space to world space:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	D float64 `json:"d"`
	E float64 `json:"e"`
	F float64 `json:"f"`
}

// Identity returns the identity transform
func Identity() Affine {
	return Affine{A: 1, E: 1}
}

// Scale returns a transform scaling pixel coordinates by (sx, sy)
func Scale(sx, sy float64) Affine {
	return Affine{A: sx, E: sy}
}

// Translation returns a transform shifting pixel coordinates by (tx, ty)
func Translation(tx, ty float64) Affine {
	return Affine{A: 1, C: tx, E: 1, F: ty}
}

// Mul composes two transforms; the result applies other first, then t
func (t Affine) Mul(other Affine) Affine {
	return Affine{
		A: t.A*other.A + t.B*other.D,
		B: t.A*other.B + t.B*other.E,
		C: t.A*other.C + t.B*other.F + t.C,
		D: t.D*other.A + t.E*other.D,
		E: t.D*other.B + t.E*other.E,
		F: t.D*other.C + t.E*other.F + t.F,
	}
}

// Apply maps a pixel coordinate to world space
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// IsZero reports whether the transform is entirely unset
func (t Affine) IsZero() bool {
	return t == Affine{}
}

// ToGDAL returns the transform in GDAL coefficient order
// (originX, pixelW, rotX, originY, rotY, pixelH)
func (t Affine) ToGDAL() [6]float64 {
	return [6]float64{t.C, t.A, t.B, t.F, t.D, t.E}
}

// FromGDAL builds a transform from GDAL coefficient order
func FromGDAL(g [6]float64) Affine {
	return Affine{A: g[1], B: g[2], C: g[0], D: g[4], E: g[5], F: g[3]}
}

// Bounds is a geographic bounding box in lon/lat order
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// TransformBounds maps the four corners of a width x height raster through t
// and returns the enclosing box
func TransformBounds(t Affine, width, height int) Bounds {
	xs := make([]float64, 0, 4)
	ys := make([]float64, 0, 4)
	for _, c := range [][2]float64{{0, 0}, {float64(width), 0}, {0, float64(height)}, {float64(width), float64(height)}} {
		x, y := t.Apply(c[0], c[1])
		xs = append(xs, x)
		ys = append(ys, y)
	}
	b := Bounds{MinLon: xs[0], MaxLon: xs[0], MinLat: ys[0], MaxLat: ys[0]}
	for i := 1; i < 4; i++ {
		if xs[i] < b.MinLon {
			b.MinLon = xs[i]
		}
		if xs[i] > b.MaxLon {
			b.MaxLon = xs[i]
		}
		if ys[i] < b.MinLat {
			b.MinLat = ys[i]
		}
		if ys[i] > b.MaxLat {
			b.MaxLat = ys[i]
		}
	}
	return b
}

// Valid reports whether the box lies inside the geographic range
func (b Bounds) Valid() bool {
	return b.MinLon >= -180 && b.MaxLon <= 180 && b.MinLat >= -90 && b.MaxLat <= 90
}

// WKT renders the box as a POLYGON in WKT, ring closed counter-clockwise
func (b Bounds) WKT() string {
	return wktPolygon(b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}
