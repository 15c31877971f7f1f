package capstan

import "testing"

func TestNewChainSortsAndValidates(t *testing.T) {
	chain, err := NewChain([]Environment{
		{Name: "prod", Order: 2},
		{Name: "dev", Order: 0},
		{Name: "staging", Order: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"dev", "staging", "prod"} {
		if chain[i].Name != want {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i].Name, want)
		}
	}

	if _, err := NewChain([]Environment{
		{Name: "dev", Order: 0},
		{Name: "prod", Order: 2},
	}); err == nil {
		t.Error("expected error for non-contiguous ranks")
	}
	if _, err := NewChain([]Environment{
		{Name: "dev", Order: 0},
		{Name: "staging", Order: 0},
	}); err == nil {
		t.Error("expected error for duplicate ranks")
	}
}

func TestChainPrevious(t *testing.T) {
	chain, err := NewChain([]Environment{
		{Name: "dev", Order: 0},
		{Name: "staging", Order: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	staging, ok := chain.Get("staging")
	if !ok {
		t.Fatal("staging not found")
	}
	prev, ok := chain.Previous(staging)
	if !ok || prev.Name != "dev" {
		t.Errorf("Previous(staging) = %q, %v", prev.Name, ok)
	}

	dev, _ := chain.Get("dev")
	if _, ok := chain.Previous(dev); ok {
		t.Error("lowest rank should have no previous environment")
	}
}
