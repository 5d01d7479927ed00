package spatial

import (
	"errors"
	"math"
	"testing"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var globe = World{Lng0: -180, Lat0: -90, Lng1: 180, Lat1: 90, Width: 360, Height: 180, DLng: 1, DLat: 1}

var globe360 = World{Lng0: 0, Lat0: -90, Lng1: 360, Lat1: 90, Width: 1440, Height: 720, DLng: 0.25, DLat: 0.25}

func TestNormalizeBox_SnapsOutward(t *testing.T) {
	fb, err := NormalizeBox(globe, Box{Lng0: 10.3, Lat0: -5.5, Lng1: 20.7, Lat1: 5.5})
	if err != nil {
		t.Fatal(err)
	}
	if fb.Lng0 != 10 || fb.Lng1 != 21 || fb.Lat0 != -6 || fb.Lat1 != 6 {
		t.Fatalf("box=%+v", fb.Box)
	}
	if fb.X0 != 190 || fb.X1 != 201 || fb.Width != 11 {
		t.Fatalf("x=%d..%d w=%d", fb.X0, fb.X1, fb.Width)
	}
	if fb.Y0 != 84 || fb.Y1 != 96 || fb.Height != 12 {
		t.Fatalf("y=%d..%d h=%d", fb.Y0, fb.Y1, fb.Height)
	}
}

func TestNormalizeBox_AlignedBoxUnchanged(t *testing.T) {
	fb, err := NormalizeBox(globe, Box{Lng0: -10, Lat0: 0, Lng1: 10, Lat1: 10})
	if err != nil {
		t.Fatal(err)
	}
	if fb.Lng0 != -10 || fb.Lng1 != 10 || fb.Width != 20 || fb.Height != 10 {
		t.Fatalf("found=%+v", fb)
	}
}

func TestNormalizeBox_DegenerateBoxGetsOnePixel(t *testing.T) {
	fb, err := NormalizeBox(globe, Box{Lng0: 5.5, Lat0: 5.5, Lng1: 5.5, Lat1: 5.5})
	if err != nil {
		t.Fatal(err)
	}
	if fb.Width != 1 || fb.Height != 1 || fb.Lng0 != 5 || fb.Lat1 != 6 {
		t.Fatalf("found=%+v", fb)
	}
}

func TestNormalizeBox_Superset(t *testing.T) {
	boxes := []Box{
		{Lng0: -179.9, Lat0: -89.9, Lng1: 179.9, Lat1: 89.9},
		{Lng0: 0.01, Lat0: 0.01, Lng1: 0.02, Lat1: 0.02},
		{Lng0: -75.3, Lat0: -40.2, Lng1: -60.1, Lat1: -20.8},
		{Lng0: 100, Lat0: 80, Lng1: 200, Lat1: 100},
	}
	for _, w := range []World{globe, globe360} {
		for _, b := range boxes {
			fb, err := NormalizeBox(w, b)
			if err != nil {
				t.Fatalf("%+v: %v", b, err)
			}
			lat0, lat1 := math.Max(b.Lat0, w.Lat0), math.Min(b.Lat1, w.Lat1)
			if fb.Lat0 > lat0+1e-9 || fb.Lat1 < lat1-1e-9 {
				t.Fatalf("lat %v..%v does not cover %v..%v", fb.Lat0, fb.Lat1, lat0, lat1)
			}
			if fb.Width*fb.Height <= 0 {
				t.Fatalf("empty found box %+v", fb)
			}
			if !near(float64(fb.Width)*w.DLng, fb.Lng1-fb.Lng0) {
				t.Fatalf("width %d inconsistent with %v..%v", fb.Width, fb.Lng0, fb.Lng1)
			}
		}
	}
}

func TestNormalizeBox_360WorldWesternHemisphere(t *testing.T) {
	fb, err := NormalizeBox(globe360, Box{Lng0: -80, Lat0: 10, Lng1: -70, Lat1: 20})
	if err != nil {
		t.Fatal(err)
	}
	if fb.Lng0 != -80 || fb.Lng1 != -70 {
		t.Fatalf("lng=%v..%v want -80..-70", fb.Lng0, fb.Lng1)
	}
	if fb.X0 != 1120 || fb.X1 != 1160 {
		t.Fatalf("x=%d..%d", fb.X0, fb.X1)
	}
	if fb.Y0 != 280 || fb.Y1 != 320 {
		t.Fatalf("y=%d..%d", fb.Y0, fb.Y1)
	}
}

func TestNormalizeBox_360WorldStraddlingPrimeMeridian(t *testing.T) {
	fb, err := NormalizeBox(globe360, Box{Lng0: -10, Lat0: 0, Lng1: 10, Lat1: 5})
	if err != nil {
		t.Fatal(err)
	}
	if fb.X0 != 0 || fb.X1 != 1440 {
		t.Fatalf("x=%d..%d want the full span", fb.X0, fb.X1)
	}
	if fb.Lng1-fb.Lng0 != 360 {
		t.Fatalf("lng=%v..%v", fb.Lng0, fb.Lng1)
	}
}

func TestNormalizeBox_AntimeridianOn180World(t *testing.T) {
	b, err := BoxFromEdges(10, 170, 0, -170)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := NormalizeBox(globe, b)
	if err != nil {
		t.Fatal(err)
	}
	if fb.X0 != 0 || fb.X1 != 360 || fb.Lng0 != -180 || fb.Lng1 != 180 {
		t.Fatalf("found %+v, want the full span covering 170..180 and -180..-170", fb)
	}
	if fb.Y0 != 80 || fb.Y1 != 90 {
		t.Fatalf("y=%d..%d", fb.Y0, fb.Y1)
	}
}

func TestNormalizeBox_AntimeridianOnRegionalWorld(t *testing.T) {
	samoa := World{Lng0: -180, Lat0: -30, Lng1: -150, Lat1: 0, Width: 30, Height: 30, DLng: 1, DLat: 1}
	b, err := BoxFromEdges(-10, 170, -20, -160)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := NormalizeBox(samoa, b)
	if err != nil {
		t.Fatal(err)
	}
	if fb.Lng0 != -180 || fb.Lng1 != -160 || fb.X0 != 0 || fb.X1 != 20 {
		t.Fatalf("found %+v want the western part -180..-160", fb)
	}

	pacific := SourceFromCorners(150, 0, 180, -30, 30, 30)
	fb, err = NormalizeBox(pacific, Box{Lng0: 160, Lat0: -10, Lng1: 200, Lat1: -5})
	if err != nil {
		t.Fatal(err)
	}
	if fb.Lng0 != 160 || fb.Lng1 != 180 {
		t.Fatalf("lng=%v..%v want the eastern part 160..180", fb.Lng0, fb.Lng1)
	}

	if _, err := NormalizeBox(samoa, Box{Lng0: 100, Lat0: -20, Lng1: 175, Lat1: -10}); !errors.Is(err, ErrOutside) {
		t.Fatalf("err=%v want ErrOutside", err)
	}
	if _, err := NormalizeBox(pacific, Box{Lng0: 175, Lat0: -20, Lng1: 185, Lat1: -10}); err != nil {
		t.Fatal(err)
	}
	if _, err := NormalizeBox(samoa, Box{Lng0: 170, Lat0: -20, Lng1: 175, Lat1: -10}); !errors.Is(err, ErrOutside) {
		t.Fatalf("err=%v want ErrOutside", err)
	}
}

func TestNormalizeBox_Outside(t *testing.T) {
	chile := SourceFromCorners(-100, 0, -30, -60, 280, 240)
	_, err := NormalizeBox(chile, Box{Lng0: 10, Lat0: -20, Lng1: 20, Lat1: -10})
	if !errors.Is(err, ErrOutside) {
		t.Fatalf("err=%v want ErrOutside", err)
	}
}

func TestSourceFromCorners(t *testing.T) {
	cases := []struct {
		name       string
		ulx, lrx   float64
		lng0, lng1 float64
	}{
		{"globe", -180, 180, -180, 180},
		{"0-360", 0, 360, 0, 360},
		{"gfs", -0.125, 359.875, -0.125, 359.875},
		{"west", -100, -30, 260, 330},
		{"antimeridian", 170, -170, 170, 190},
	}
	for _, c := range cases {
		w := SourceFromCorners(c.ulx, 10, c.lrx, -10, 40, 20)
		if w.Lng0 != c.lng0 || w.Lng1 != c.lng1 {
			t.Fatalf("%s: %v..%v want %v..%v", c.name, w.Lng0, w.Lng1, c.lng0, c.lng1)
		}
		if w.DLng <= 0 || w.Lat0 != -10 || w.Lat1 != 10 || w.DLat != 1 {
			t.Fatalf("%s: world=%+v", c.name, w)
		}
	}
}

func TestNormalizePoint(t *testing.T) {
	p, err := NormalizePoint(globe, 0.5, 10.2)
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 190 || p.Y != 89 || p.Lng != 10.5 || p.Lat != 0.5 {
		t.Fatalf("point=%+v", p)
	}

	p, err = NormalizePoint(globe360, 12.3, -80.1)
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 1119 || !near(p.Lng, -80.125) {
		t.Fatalf("point=%+v", p)
	}

	// the north-east corner belongs to the last pixel
	p, err = NormalizePoint(globe, 90, 180)
	if err != nil || p.X != 359 || p.Y != 0 {
		t.Fatalf("corner point=%+v err=%v", p, err)
	}

	if _, err := NormalizePoint(globe, 91, 0); !errors.Is(err, ErrOutside) {
		t.Fatalf("err=%v", err)
	}
}

func TestBoxFromEdges(t *testing.T) {
	b, err := BoxFromEdges(10, 170, -10, -170)
	if err != nil || b.Lng0 != 170 || b.Lng1 != 190 {
		t.Fatalf("box=%+v err=%v", b, err)
	}
	if _, err := BoxFromEdges(-10, 0, 10, 5); err == nil {
		t.Fatal("expected error for inverted latitudes")
	}
	e := Box{Lng0: 0, Lat0: 85, Lng1: 1, Lat1: 89}.Expand(2)
	if e.Lat1 != 90 || e.Lng0 != -2 {
		t.Fatalf("expand=%+v", e)
	}
}
