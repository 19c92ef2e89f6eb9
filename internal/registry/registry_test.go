package registry

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"cocoaquota/pkg/domain"
)

type pagedStore struct {
	ids     []string
	calls   []string
	limits  []int
	failOn  int
	failErr error
}

func (p *pagedStore) ListFarmerIDs(_ context.Context, after string, limit int) ([]string, error) {
	p.calls = append(p.calls, after)
	p.limits = append(p.limits, limit)
	if p.failErr != nil && len(p.calls) == p.failOn {
		return nil, p.failErr
	}
	sorted := append([]string(nil), p.ids...)
	sort.Strings(sorted)
	var out []string
	for _, id := range sorted {
		if after != "" && id <= after {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestLoaderUsesKeysetCursor(t *testing.T) {
	store := &pagedStore{ids: []string{"F03", "F01", " F02", "F05", "F04"}}
	reg, err := NewLoader(store, 2).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Len() != 5 {
		t.Fatalf("expected 5 farmers, got %d", reg.Len())
	}
	wantCursors := []string{"", "F01", "F04", "F05"}
	if !reflect.DeepEqual(store.calls, wantCursors) {
		t.Fatalf("cursors: %v", store.calls)
	}
	if !reg.Contains("f02") || !reg.Contains(" F05 ") {
		t.Fatalf("ids must be normalized")
	}
}

func TestLoaderDefaultPageSize(t *testing.T) {
	store := &pagedStore{}
	if _, err := NewLoader(store, 0).Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.limits[0] != DefaultPageSize || len(store.calls) != 1 {
		t.Fatalf("unexpected calls %v limits %v", store.calls, store.limits)
	}
}

func TestLoaderFailure(t *testing.T) {
	cause := errors.New("connection refused")
	store := &pagedStore{ids: []string{"a", "b", "c"}, failOn: 2, failErr: cause}
	_, err := NewLoader(store, 1).Load(context.Background())
	var ru *domain.RegistryUnavailableError
	if !errors.As(err, &ru) || !errors.Is(err, cause) {
		t.Fatalf("expected RegistryUnavailableError wrapping cause, got %v", err)
	}
}

func TestUnknown(t *testing.T) {
	reg := New("F1", "f2")
	got := reg.Unknown([]string{"f9", "f1", "f3", "f9"})
	if !reflect.DeepEqual(got, []string{"f3", "f9"}) {
		t.Fatalf("unknown: %v", got)
	}
	if reg.Unknown([]string{"f2"}) != nil {
		t.Fatalf("expected no unknown ids")
	}
}
