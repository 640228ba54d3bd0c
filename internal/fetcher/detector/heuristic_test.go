package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

func TestShouldRender(t *testing.T) {
	t.Parallel()

	article := `<html><body><h1>News</h1><p>A long paragraph of server rendered prose.</p></body></html>`

	cases := []struct {
		name string
		page fanout.Page
		want bool
	}{
		{"empty body", fanout.Page{StatusCode: http.StatusOK, Body: []byte("  \n")}, true},
		{"next marker", fanout.Page{StatusCode: http.StatusOK, Body: []byte(`<div id="__next"></div>`)}, true},
		{"react root", fanout.Page{StatusCode: http.StatusOK, Body: []byte(`<div id="root"></div>`)}, true},
		{"script heavy", fanout.Page{StatusCode: http.StatusOK, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}, true},
		{"unclosed script", fanout.Page{StatusCode: http.StatusOK, Body: []byte(`<p>x</p><script src="a.js"`)}, true},
		{"server rendered", fanout.Page{StatusCode: http.StatusOK, Body: []byte(article)}, false},
		{"not found", fanout.Page{StatusCode: http.StatusNotFound, Body: []byte("")}, false},
		{"already headless", fanout.Page{StatusCode: http.StatusOK, Headless: true}, false},
	}
	h := NewHeuristic(1000)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldRender(tc.page))
		})
	}
}

func TestLargeScriptPageIsNotPromoted(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	body := []byte(`<html><script>var a=1;</script><p>plenty of text here</p></html>`)
	require.False(t, h.ShouldRender(fanout.Page{StatusCode: http.StatusOK, Body: body}))
}

func TestNewHeuristicDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultThreshold, NewHeuristic(0).BodyLengthThreshold)
}
