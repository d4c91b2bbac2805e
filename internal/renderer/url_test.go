package renderer

import (
	"net/url"
	"strings"
	"testing"
)

func TestBuildSearchURL(t *testing.T) {
	q := SearchQuery{
		Keyword:          "索尼 a7m4",
		Page:             2,
		MinPrice:         "8000",
		MaxPrice:         "13000",
		PersonalOnly:     true,
		FreeShipping:     true,
		NewPublishOption: "1天内",
		Region:           "上海",
	}
	raw := BuildSearchURL(q)

	if !strings.HasPrefix(raw, searchBase+"?") {
		t.Fatalf("unexpected base: %s", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	values := parsed.Query()

	if got := values.Get("q"); got != "索尼 a7m4" {
		t.Errorf("q = %q", got)
	}
	if got := values.Get("page"); got != "2" {
		t.Errorf("page = %q", got)
	}
	if got := values.Get("priceRange"); got != "8000,13000" {
		t.Errorf("priceRange = %q", got)
	}
	if got := values.Get("quickFilter"); got != "filterPersonal,filterFreePostage" {
		t.Errorf("quickFilter = %q", got)
	}
	if got := values.Get("publishDays"); got != "1" {
		t.Errorf("publishDays = %q", got)
	}
	if got := values.Get("city"); got != "上海" {
		t.Errorf("city = %q", got)
	}
	if strings.Contains(raw, "+") {
		t.Errorf("url should use %%20 instead of +: %s", raw)
	}
}

func TestBuildSearchURLOmitsEmptyFilters(t *testing.T) {
	raw := BuildSearchURL(SearchQuery{Keyword: "macbook", Page: 1})
	parsed, _ := url.Parse(raw)
	values := parsed.Query()

	for _, key := range []string{"page", "priceRange", "quickFilter", "publishDays", "city"} {
		if values.Has(key) {
			t.Errorf("key %q should be omitted: %s", key, raw)
		}
	}
}

func TestBuildSearchURLOpenPriceRange(t *testing.T) {
	raw := BuildSearchURL(SearchQuery{Keyword: "x", MinPrice: "100"})
	parsed, _ := url.Parse(raw)
	if got := parsed.Query().Get("priceRange"); got != "100," {
		t.Errorf("priceRange = %q, want %q", got, "100,")
	}
}

func TestExtractSourceID(t *testing.T) {
	cases := map[string]string{
		"https://www.goofish.com/item?id=8123456789":        "8123456789",
		"/item?id=42&spm=a21ybx":                            "42",
		"https://www.goofish.com/item/9988776655":           "9988776655",
		"https://www.goofish.com/search?q=%E7%B4%A2%E5%B0%BC": "",
	}
	for in, want := range cases {
		if got := extractSourceID(in); got != want {
			t.Errorf("extractSourceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeItemURL(t *testing.T) {
	cases := map[string]string{
		"https://www.goofish.com/item?id=1": "https://www.goofish.com/item?id=1",
		"//www.goofish.com/item?id=2":       "https://www.goofish.com/item?id=2",
		"/item?id=3":                        "https://www.goofish.com/item?id=3",
	}
	for in, want := range cases {
		if got := normalizeItemURL(in); got != want {
			t.Errorf("normalizeItemURL(%q) = %q, want %q", in, got, want)
		}
	}
}
