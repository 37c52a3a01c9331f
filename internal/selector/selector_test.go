package selector_test

import (
	"errors"
	"reflect"
	"testing"

	"reelforge/internal/selector"
)

func TestSelectPrefersQualityWhenAllFit(t *testing.T) {
	selection, err := selector.Select(selector.Requirements{LongestClipSeconds: 8})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selection.Primary.Provider != "runway" || selection.Primary.Model != "gen4_turbo" {
		t.Fatalf("primary = %s/%s, want runway/gen4_turbo", selection.Primary.Provider, selection.Primary.Model)
	}
	// Equal quality ranks keep table order: runway's rank-1 model sorts
	// ahead of veo's rank-1 model.
	if len(selection.Alternatives) == 0 || selection.Alternatives[0].Model != "veo-3.0-generate" {
		t.Fatalf("first alternative = %+v, want veo-3.0-generate", selection.Alternatives)
	}
}

func TestSelectFitWithoutSplitOutranksQuality(t *testing.T) {
	// A 30s clip with an image anchor only fits wan without splitting, so
	// wan outranks the higher quality runway models.
	selection, err := selector.Select(selector.Requirements{
		LongestClipSeconds: 30,
		NeedsImageRef:      true,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selection.Primary.Provider != "wan" || selection.Primary.Model != "wan2.2-i2v-plus" {
		t.Fatalf("primary = %s/%s, want wan/wan2.2-i2v-plus", selection.Primary.Provider, selection.Primary.Model)
	}
	models := make([]string, 0, len(selection.Alternatives))
	for _, alt := range selection.Alternatives {
		models = append(models, alt.Model)
	}
	want := []string{"gen4_turbo", "gen3a_turbo"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("alternatives = %v, want %v", models, want)
	}
}

func TestSelectImageRefFiltersBackends(t *testing.T) {
	selection, err := selector.Select(selector.Requirements{
		LongestClipSeconds: 5,
		NeedsImageRef:      true,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, backend := range append([]selector.Backend{selection.Primary}, selection.Alternatives...) {
		if !backend.SupportsImageRef {
			t.Fatalf("backend %s/%s does not support image refs", backend.Provider, backend.Model)
		}
	}
}

func TestSelectComplexityDemotesLowestClass(t *testing.T) {
	selection, err := selector.Select(selector.Requirements{
		LongestClipSeconds: 5,
		Complexity:         0.9,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selection.Primary.QualityRank >= 3 {
		t.Fatalf("complex plan picked low-quality primary %s/%s", selection.Primary.Provider, selection.Primary.Model)
	}

	// The low class is demoted, not dropped: it trails the alternatives so
	// failover still has somewhere to go after the better classes fail.
	sawLowClass := false
	for _, alt := range selection.Alternatives {
		if alt.QualityRank >= 3 {
			sawLowClass = true
			continue
		}
		if sawLowClass {
			t.Fatalf("low-quality backend ranked ahead of %s/%s", alt.Provider, alt.Model)
		}
	}
	if !sawLowClass {
		t.Fatal("low-quality class missing from the failover list")
	}
}

func TestSelectComplexityKeepsLowClassWhenOnlyOption(t *testing.T) {
	selection, err := selector.Select(selector.Requirements{
		LongestClipSeconds: 5,
		NeedsImageRef:      true,
		Complexity:         0.9,
		Enabled:            map[string]bool{"wan": true},
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selection.Primary.Model != "wan2.2-i2v-plus" {
		t.Fatalf("primary = %s, want wan2.2-i2v-plus", selection.Primary.Model)
	}
}

func TestSelectHonorsEnabledProviders(t *testing.T) {
	selection, err := selector.Select(selector.Requirements{
		LongestClipSeconds: 5,
		Enabled:            map[string]bool{"veo": true},
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if selection.Primary.Provider != "veo" {
		t.Fatalf("primary provider = %s, want veo", selection.Primary.Provider)
	}
	for _, alt := range selection.Alternatives {
		if alt.Provider != "veo" {
			t.Fatalf("alternative from disabled provider: %+v", alt)
		}
	}
}

func TestSelectNoBackend(t *testing.T) {
	_, err := selector.Select(selector.Requirements{
		LongestClipSeconds: 5,
		NeedsImageRef:      true,
		Enabled:            map[string]bool{"veo": true},
	})
	var noBackend *selector.ErrNoBackend
	if !errors.As(err, &noBackend) {
		t.Fatalf("error = %v, want *ErrNoBackend", err)
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	req := selector.Requirements{LongestClipSeconds: 10, Complexity: 0.5}
	first, err := selector.Select(req)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := selector.Select(req)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("selection differs on iteration %d: %+v vs %+v", i, first, again)
		}
	}
}

func TestMaxClipSecondsFor(t *testing.T) {
	if got := selector.MaxClipSecondsFor("runway", "gen4_turbo"); got != 10 {
		t.Fatalf("runway/gen4_turbo ceiling = %v, want 10", got)
	}
	if got := selector.MaxClipSecondsFor("nope", "nope"); got != 0 {
		t.Fatalf("unknown backend ceiling = %v, want 0", got)
	}
}
