package pagination

import "testing"

func TestClampPageSize(t *testing.T) {
	cfg := PageSizeConfig{Default: 100, Max: 500}

	if got := ClampPageSize(0, cfg); got != 100 {
		t.Fatalf("zero value = %d, want default 100", got)
	}
	if got := ClampPageSize(-5, cfg); got != 100 {
		t.Fatalf("negative value = %d, want default 100", got)
	}
	if got := ClampPageSize(50, cfg); got != 50 {
		t.Fatalf("in-range value = %d, want 50", got)
	}
	if got := ClampPageSize(9000, cfg); got != 500 {
		t.Fatalf("oversized value = %d, want max 500", got)
	}
	if got := ClampPageSize(0, PageSizeConfig{}); got != 1 {
		t.Fatalf("empty config = %d, want floor 1", got)
	}
}
