package digest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"visa-bulletin-notifier/pkg/bulletin"
)

func sampleRows() []bulletin.Row {
	return []bulletin.Row{
		{{Text: "Employment-based", Header: true}, {Text: "All Chargeability", Header: true}},
		{{Text: "1st"}, {Text: "C"}},
		{{Text: "2nd"}, {Text: "01APR23"}},
		{{Text: "3rd"}, {Text: "01FEB23"}},
	}
}

func newFormatter(t *testing.T) *Formatter {
	t.Helper()
	f, err := NewFormatter(nil)
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}
	return f
}

func TestRenderCurrent(t *testing.T) {
	f := newFormatter(t)
	now := time.Date(2025, time.May, 14, 3, 30, 0, 0, time.UTC)

	d := f.Render(&bulletin.Bulletin{
		Edition:    bulletin.Edition{Month: time.May, Year: 2025},
		SourceLink: "https://example.com/visa-bulletin-for-may-2025.html",
		IsCurrent:  true,
		Rows:       sampleRows(),
	}, now)

	if d.Headline != "[Visa Bulletin] May-2025 Released!" {
		t.Errorf("Headline = %q", d.Headline)
	}
	if d.Note != "" {
		t.Errorf("Note = %q, want empty for current edition", d.Note)
	}
	if d.Subject() != "Visa Bulletin for 2025-May" {
		t.Errorf("Subject = %q", d.Subject())
	}

	body := d.Body()
	if !strings.Contains(body, `href="https://example.com/visa-bulletin-for-may-2025.html"`) {
		t.Errorf("Body missing link:\n%s", body)
	}
	if !strings.Contains(body, "Official Visa Bulletin for May 2025") {
		t.Errorf("Body missing link text:\n%s", body)
	}
}

func TestRenderNotYetReleased(t *testing.T) {
	f := newFormatter(t)
	now := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)

	d := f.Render(&bulletin.Bulletin{
		Edition:    bulletin.Edition{Month: time.May, Year: 2025},
		SourceLink: "https://example.com/visa-bulletin-for-june-2025.html",
		Rows:       sampleRows(),
	}, now)

	if d.Headline != "[Visa Bulletin] June-2025 hasn't been released yet!" {
		t.Errorf("Headline = %q, want now's period", d.Headline)
	}
	if d.Note != "Showing the bulletin for May-2025." {
		t.Errorf("Note = %q, want fallback period", d.Note)
	}
}

func TestRenderHighlightsThirdRow(t *testing.T) {
	table := RenderTable(sampleRows())

	rows := strings.Split(table, "<tr")
	// rows[0] is the <table> prefix.
	if len(rows) != 5 {
		t.Fatalf("got %d rows in %q", len(rows)-1, table)
	}
	for i := 1; i < len(rows); i++ {
		highlighted := strings.Contains(rows[i], "background-color: yellow")
		if highlighted != (i == bulletin.HighlightRow) {
			t.Errorf("row %d highlighted = %v", i, highlighted)
		}
	}

	if !strings.Contains(table, "<th>Employment-based</th>") {
		t.Error("header cells should render as th")
	}
	if !strings.Contains(table, "<td>01FEB23</td>") {
		t.Error("data cells should render as td")
	}
}

func TestRenderEmptyTable(t *testing.T) {
	f := newFormatter(t)
	d := f.Render(&bulletin.Bulletin{
		Edition:   bulletin.Edition{Month: time.May, Year: 2025},
		IsCurrent: true,
		Rows:      []bulletin.Row{},
	}, time.Now())

	want := `<table width="100%" border="1" cellspacing="0" cellpadding="3"></table>`
	if d.Table != want {
		t.Errorf("Table = %q, want %q", d.Table, want)
	}
	if !strings.Contains(d.Body(), want) {
		t.Error("Body should contain the empty table block")
	}
}

func TestRenderEscapesCells(t *testing.T) {
	table := RenderTable([]bulletin.Row{{{Text: "<script>alert(1)</script>"}}})
	if strings.Contains(table, "<script>") {
		t.Errorf("cell text not escaped: %s", table)
	}
}

func TestTimestampBlock(t *testing.T) {
	f := newFormatter(t)
	now := time.Date(2025, time.May, 14, 3, 30, 0, 0, time.UTC)

	d := f.Render(&bulletin.Bulletin{Edition: bulletin.Edition{Month: time.May, Year: 2025}, IsCurrent: true}, now)

	want := map[string]string{
		"KST (Seoul)":   "2025-05-14 12:30",
		"PST (LA)":      "2025-05-13 20:30",
		"CST (Chicago)": "2025-05-13 22:30",
		"EST (NY)":      "2025-05-13 23:30",
	}
	if len(d.Timestamps) != len(want) {
		t.Fatalf("got %d timestamps, want %d", len(d.Timestamps), len(want))
	}
	for _, ts := range d.Timestamps {
		if want[ts.Label] != ts.Time {
			t.Errorf("%s = %q, want %q", ts.Label, ts.Time, want[ts.Label])
		}
	}

	full := d.HTML()
	if !strings.Contains(full, "Last updated time:") {
		t.Error("HTML should include the timestamp block")
	}
	if strings.Contains(d.Body(), "Last updated time:") {
		t.Error("Body must not include the timestamp block")
	}
}

func TestDegraded(t *testing.T) {
	f := newFormatter(t)
	d := f.Degraded(errors.New("could not find <li>"), time.Now())

	if !d.Degraded() {
		t.Fatal("Degraded() = false")
	}
	if d.Edition.Key() != "" {
		t.Errorf("degraded edition key = %q, want empty", d.Edition.Key())
	}
	if !strings.Contains(d.Body(), "An error occurred: could not find &lt;li&gt;") {
		t.Errorf("Body = %q", d.Body())
	}
}

func TestNewFormatterBadZone(t *testing.T) {
	if _, err := NewFormatter([]Zone{{Label: "X", Location: "Mars/Olympus"}}); err == nil {
		t.Error("NewFormatter accepted an unknown zone")
	}
}
