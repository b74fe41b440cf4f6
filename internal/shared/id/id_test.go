package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateString()

	if len(id) != 26 {
		t.Errorf("ULID should be 26 characters, got %d", len(id))
	}
}

func TestRunIDFormat(t *testing.T) {
	tests := []struct {
		id     RunID
		prefix string
		diag   bool
	}{
		{NewRunID(), "run", false},
		{NewDiagRunID(), "diag", true},
	}

	for _, tt := range tests {
		parts := strings.Split(string(tt.id), "_")
		if len(parts) != 2 {
			t.Fatalf("ID should have format 'prefix_ulid', got: %s", tt.id)
		}
		if parts[0] != tt.prefix {
			t.Errorf("Expected prefix '%s', got '%s'", tt.prefix, parts[0])
		}
		if !IsValid(parts[1]) {
			t.Errorf("ULID part should be valid: %s", parts[1])
		}
		if !IsValidRunID(string(tt.id)) {
			t.Errorf("IsValidRunID should accept %s", tt.id)
		}
		if tt.id.IsDiagnostic() != tt.diag {
			t.Errorf("IsDiagnostic(%s) = %v, want %v", tt.id, tt.id.IsDiagnostic(), tt.diag)
		}
		if tt.id.IsSystem() {
			t.Errorf("%s should not be the system sentinel", tt.id)
		}
	}
}

func TestIsValidRunID(t *testing.T) {
	invalid := []string{
		"",
		"__system__",
		"run_",
		"run_notaulid",
		"app_" + NewGenerator().GenerateString(),
		NewGenerator().GenerateString(),
	}

	for _, s := range invalid {
		if IsValidRunID(s) {
			t.Errorf("IsValidRunID should reject %q", s)
		}
	}
}

func TestSystemSentinel(t *testing.T) {
	if !SystemRunID.IsSystem() {
		t.Error("SystemRunID should report IsSystem")
	}
	if SystemRunID.String() != "__system__" {
		t.Errorf("unexpected sentinel %q", SystemRunID)
	}
}

func TestIncarnationStable(t *testing.T) {
	a := Incarnation()
	b := Incarnation()
	if a == "" || a != b {
		t.Errorf("Incarnation should be stable and non-empty: %q vs %q", a, b)
	}
}

func TestIsValid(t *testing.T) {
	gen := NewGenerator()

	validID := gen.GenerateString()
	if !IsValid(validID) {
		t.Error("Generated ULID should be valid")
	}

	invalidIDs := []string{
		"",
		"invalid",
		"1234567890",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzz",
	}

	for _, id := range invalidIDs {
		if IsValid(id) {
			t.Errorf("ID should be invalid: %s", id)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now()
	id := NewRunID()
	after := time.Now()

	ts, err := Timestamp(string(id))
	if err != nil {
		t.Fatalf("Failed to extract timestamp: %v", err)
	}

	// ULID timestamps have millisecond precision
	if ts.UnixMilli() < before.UnixMilli() || ts.UnixMilli() > after.UnixMilli() {
		t.Errorf("Timestamp should be between %d and %d ms, got %d ms",
			before.UnixMilli(), after.UnixMilli(), ts.UnixMilli())
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	const goroutines = 50
	const idsPerGoroutine = 100

	var wg sync.WaitGroup
	idChan := make(chan string, goroutines*idsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				idChan <- gen.GenerateString()
			}
		}()
	}

	wg.Wait()
	close(idChan)

	seen := make(map[string]bool)
	for id := range idChan {
		if seen[id] {
			t.Errorf("Duplicate ID found in concurrent generation: %s", id)
		}
		seen[id] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Errorf("Expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}

func TestLexicographicSorting(t *testing.T) {
	gen := NewGenerator()

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = gen.GenerateString()
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("IDs should be lexicographically sorted: %s should be > %s", ids[i], ids[i-1])
		}
	}
}

func TestDefaultGenerator(t *testing.T) {
	gen1 := Default()
	gen2 := Default()

	if gen1 != gen2 {
		t.Error("Default() should return the same instance")
	}
}

func BenchmarkNewRunID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NewRunID()
	}
}
