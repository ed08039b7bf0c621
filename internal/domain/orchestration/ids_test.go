package orchestration

import "testing"

func TestGenerateJobIDIsOrderIndependent(t *testing.T) {
	a := map[string]any{"raster": "a.tif", "tile_size": 256, "bands": []any{"red", "green"}}
	b := map[string]any{"bands": []any{"red", "green"}, "tile_size": 256, "raster": "a.tif"}

	idA, err := GenerateJobID(a)
	if err != nil {
		t.Fatalf("GenerateJobID(a): %v", err)
	}
	idB, err := GenerateJobID(b)
	if err != nil {
		t.Fatalf("GenerateJobID(b): %v", err)
	}
	if idA != idB {
		t.Fatalf("expected equal job ids for reordered-but-equal parameters, got %q vs %q", idA, idB)
	}
	if len(idA) != 64 {
		t.Fatalf("expected 64-hex job id, got %d chars (%q)", len(idA), idA)
	}
}

func TestGenerateJobIDDiffersOnValueChange(t *testing.T) {
	a := map[string]any{"raster": "a.tif"}
	b := map[string]any{"raster": "b.tif"}

	idA, _ := GenerateJobID(a)
	idB, _ := GenerateJobID(b)
	if idA == idB {
		t.Fatalf("expected different job ids for different parameters")
	}
}

func TestGenerateJobIDNestedKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"z": 1, "a": 2}}
	b := map[string]any{"outer": map[string]any{"a": 2, "z": 1}}

	idA, _ := GenerateJobID(a)
	idB, _ := GenerateJobID(b)
	if idA != idB {
		t.Fatalf("expected nested map key order to not affect job id")
	}
}

func TestBuildTaskIDAndValidateRoundTrip(t *testing.T) {
	jobID, _ := GenerateJobID(map[string]any{"x": 1})
	taskID := BuildTaskID(jobID, 2, "tile x5,y10")

	if err := ValidateTaskID(taskID, jobID); err != nil {
		t.Fatalf("ValidateTaskID: %v", err)
	}
	if got, want := taskID[:8], jobID[:8]; got != want {
		t.Fatalf("task_id prefix = %q, want %q", got, want)
	}
	if got := ExtractSemanticIndex(taskID, 2); got != "tilex5y10" {
		t.Fatalf("ExtractSemanticIndex = %q, want %q", got, "tilex5y10")
	}
}

func TestValidateTaskIDRejectsForeignCharacters(t *testing.T) {
	jobID, _ := GenerateJobID(map[string]any{"x": 1})
	if err := ValidateTaskID(jobID[:8]+"-s1-tile/x5", jobID); err == nil {
		t.Fatalf("expected error for task_id containing '/'")
	}
}

func TestValidateTaskIDRejectsWrongPrefix(t *testing.T) {
	jobID, _ := GenerateJobID(map[string]any{"x": 1})
	other, _ := GenerateJobID(map[string]any{"x": 2})
	taskID := BuildTaskID(other, 1, "a")
	if err := ValidateTaskID(taskID, jobID); err == nil {
		t.Fatalf("expected error for task_id not prefixed by parent job id")
	}
}

func TestSanitizeSemanticIndexNeverEmpty(t *testing.T) {
	if got := SanitizeSemanticIndex("!!!"); got == "" {
		t.Fatalf("SanitizeSemanticIndex should never return an empty string")
	}
}
