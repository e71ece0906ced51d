package portalloc

import "testing"

func TestPickReturnsUsablePort(t *testing.T) {
	port, err := Pick()
	if err != nil {
		t.Fatal(err)
	}
	if port <= 0 {
		t.Fatalf("expected positive port, got %d", port)
	}
}

func TestPickNDistinct(t *testing.T) {
	ports, err := PickN(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 3 {
		t.Fatalf("expected 3 ports, got %d", len(ports))
	}
	seen := make(map[int]bool)
	for _, p := range ports {
		if seen[p] {
			t.Fatalf("duplicate port %d", p)
		}
		seen[p] = true
	}
}

func TestBindFallsBackOnZero(t *testing.T) {
	ln, err := Bind(0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
}
