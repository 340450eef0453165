package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=-1&offset=-3", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		p := FromContext(c)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got %+v, want limit=%d offset=%d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		p    Params
		want int
	}{
		{Params{Limit: 2, Offset: 0}, 2},
		{Params{Limit: 2, Offset: 4}, 1},
		{Params{Limit: 2, Offset: 5}, 0},
		{Params{Limit: 20, Offset: 0}, 5},
	}
	for _, tt := range tests {
		if got := Slice(items, tt.p); len(got) != tt.want {
			t.Errorf("%+v: got %v", tt.p, got)
		}
	}
	if Slice(items, Params{Limit: 2, Offset: 9}) == nil {
		t.Error("expected non-nil empty page")
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, Params{Limit: 2, Offset: 2})
	if !r.HasMore || r.Total != 5 || r.Limit != 2 || r.Offset != 2 {
		t.Errorf("unexpected response %+v", r)
	}
	if NewResponse(nil, 4, Params{Limit: 2, Offset: 2}).HasMore {
		t.Error("last page should not have more")
	}
}
