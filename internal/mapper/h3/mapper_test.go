package h3mapper

import "testing"

func TestCellForPoint(t *testing.T) {
	m := New()
	c1, err := m.CellForPoint(-33.45, -70.66, 7)
	if err != nil {
		t.Fatalf("CellForPoint: %v", err)
	}
	c2, _ := m.CellForPoint(-33.45, -70.66, 7)
	if c1 == "" || c1 != c2 {
		t.Fatalf("cells not deterministic: %q %q", c1, c2)
	}
	other, _ := m.CellForPoint(-36.82, -73.05, 7)
	if other == c1 {
		t.Fatalf("distant points share cell %s", c1)
	}
}

func TestCellForPoint_Invalid(t *testing.T) {
	m := New()
	if _, err := m.CellForPoint(0, 0, 16); err == nil {
		t.Fatalf("expected resolution error")
	}
	if _, err := m.CellForPoint(95, 0, 5); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestParent(t *testing.T) {
	m := New()
	fine, err := m.CellForPoint(-33.45, -70.66, 9)
	if err != nil {
		t.Fatal(err)
	}
	coarse, _ := m.CellForPoint(-33.45, -70.66, 5)
	p, err := m.Parent(fine, 5)
	if err != nil {
		t.Fatalf("Parent: %v", err)
	}
	if p != coarse {
		t.Fatalf("Parent = %s, want %s", p, coarse)
	}
	if same, _ := m.Parent(fine, 9); same != fine {
		t.Fatalf("Parent at own res = %s", same)
	}
	if _, err := m.Parent(coarse, 9); err == nil {
		t.Fatalf("expected error for finer parent")
	}
}

func TestWithin(t *testing.T) {
	m := New()
	fine, _ := m.CellForPoint(-33.45, -70.66, 9)
	coarse, _ := m.CellForPoint(-33.45, -70.66, 4)
	far, _ := m.CellForPoint(40.7, -74.0, 4)
	if ok, err := m.Within(fine, coarse); err != nil || !ok {
		t.Fatalf("Within(fine, coarse) = %v, %v", ok, err)
	}
	if ok, _ := m.Within(fine, far); ok {
		t.Fatalf("fine cell reported inside a distant cell")
	}
	if ok, _ := m.Within("not-a-cell", coarse); ok {
		t.Fatalf("garbage cell reported inside")
	}
	if _, err := m.Within(fine, "zz"); err == nil {
		t.Fatalf("expected error for invalid ancestor")
	}
}
