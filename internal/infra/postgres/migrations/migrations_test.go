package migrations

import "testing"

func TestMigrationsAreOrdered(t *testing.T) {
	sorted := Migrations.Sorted()
	want := []string{"2024112201", "2025011501"}
	if len(sorted) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(sorted))
	}
	for i, m := range sorted {
		if m.Name != want[i] {
			t.Fatalf("migration %d: expected %q, got %q", i, want[i], m.Name)
		}
	}
}
