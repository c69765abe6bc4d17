package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{name: "empty body", resp: crawler.FetchResponse{StatusCode: http.StatusOK}, want: true},
		{name: "spa shell", resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div id="__next"></div>`)}, want: true},
		{
			name: "script heavy",
			resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<html><script>var a = 1; var b = 2;</script></html>`)},
			want: true,
		},
		{
			name: "listing with reviews",
			resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div id="root"><div data-hook="review"></div></div>`)},
			want: false,
		},
		{
			name: "empty listing",
			resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div id="cm_cr-review_list"></div>`)},
			want: false,
		},
		{name: "error status", resp: crawler.FetchResponse{StatusCode: http.StatusForbidden}, want: false},
		{name: "already rendered", resp: crawler.FetchResponse{StatusCode: http.StatusOK, UsedHeadless: true}, want: false},
		{
			name: "plain page",
			resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html><body>" + strings.Repeat("text ", 50) + "</body></html>")},
			want: false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultThreshold, NewHeuristic(0).BodyLengthThreshold)
}

func TestScriptDensity(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh([]byte("<script>unterminated")))
	require.True(t, scriptDensityHigh([]byte("<script")))
	require.False(t, scriptDensityHigh([]byte("<p>"+strings.Repeat("x", 200)+"</p><script></script>")))
	require.False(t, scriptDensityHigh(nil))
}
