package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	rec := httptest.NewRecorder()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec), rec
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/", 50, 0},
		{"/?limit=20&offset=10", 20, 10},
		{"/?limit=900", 500, 0},
		{"/?limit=-1&offset=-5", 50, 0},
		{"/?limit=abc&offset=xyz", 50, 0},
	}
	for _, tt := range tests {
		c, _ := newContext(tt.target)
		p := FromContext(c, 50, 500)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: got %+v, want limit=%d offset=%d", tt.target, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewPage(t *testing.T) {
	page := NewPage([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0})
	if page.Total != 5 || page.Limit != 2 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}

	last := NewPage[string](nil, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore {
		t.Error("last page should not have more")
	}
	if last.Data == nil {
		t.Error("expected empty slice, not nil")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("next offset: got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("previous offset: got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("unexpected HasPrevious")
	}
}

func TestLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/amd/admin/logs?status=failed&limit=10&offset=10")
	p := Params{Limit: 10, Offset: 10}

	got := p.Links(u, 35)
	if !strings.Contains(got, `offset=20`) || !strings.Contains(got, `rel="next"`) {
		t.Errorf("missing next link: %s", got)
	}
	if !strings.Contains(got, `offset=0`) || !strings.Contains(got, `rel="prev"`) {
		t.Errorf("missing prev link: %s", got)
	}
	if !strings.Contains(got, "status=failed") {
		t.Errorf("filters not preserved: %s", got)
	}

	if got := (Params{Limit: 10}).Links(u, 5); got != "" {
		t.Errorf("expected no links for a single page, got %s", got)
	}
}

func TestSetLinkHeader(t *testing.T) {
	c, rec := newContext("/logs?limit=2")
	Params{Limit: 2}.SetLinkHeader(c, 3)
	if !strings.Contains(rec.Header().Get("Link"), `rel="next"`) {
		t.Errorf("expected Link header, got %q", rec.Header().Get("Link"))
	}
}
