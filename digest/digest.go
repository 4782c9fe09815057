// Package digest renders a resolved bulletin into the page and email body.
package digest

import (
	"fmt"
	"html"
	"strings"
	"time"
	_ "time/tzdata" // Zone lookups must not depend on the host's zoneinfo.

	"visa-bulletin-notifier/pkg/bulletin"
)

const timestampLayout = "2006-01-02 15:04"

// Zone is a named civil time zone shown in the timestamp block.
type Zone struct {
	Label    string // e.g. "KST (Seoul)"
	Location string // IANA name, e.g. "Asia/Seoul"
}

// DefaultZones are the zones shown when none are configured.
var DefaultZones = []Zone{
	{Label: "KST (Seoul)", Location: "Asia/Seoul"},
	{Label: "PST (LA)", Location: "America/Los_Angeles"},
	{Label: "CST (Chicago)", Location: "America/Chicago"},
	{Label: "EST (NY)", Location: "America/New_York"},
}

// Stamp is the render instant formatted in one zone.
type Stamp struct {
	Label string
	Time  string
}

// Digest is a rendered bulletin message.
type Digest struct {
	Edition    bulletin.Edition // Zero for degraded digests
	Headline   string
	Note       string // Set when the current period's edition is not yet released
	Link       string
	LinkText   string
	Table      string // Rendered HTML table
	Error      string // Set for degraded digests
	Timestamps []Stamp
}

// Degraded reports whether the digest carries an error instead of a bulletin.
func (d *Digest) Degraded() bool {
	return d.Error != ""
}

// Subject is the email subject for this digest.
func (d *Digest) Subject() string {
	return "Visa Bulletin for " + d.Edition.Key()
}

// Body renders the digest without the timestamp block. This is what subscribers receive.
func (d *Digest) Body() string {
	var b strings.Builder

	if d.Degraded() {
		b.WriteString(fmt.Sprintf("<p>An error occurred: %s</p>\n", html.EscapeString(d.Error)))
		return b.String()
	}

	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", html.EscapeString(d.Headline)))
	if d.Note != "" {
		b.WriteString(fmt.Sprintf("<p>%s</p>\n", html.EscapeString(d.Note)))
	}
	b.WriteString(fmt.Sprintf("<p><a href=\"%s\" target=\"_blank\">%s</a></p>\n", html.EscapeString(d.Link), html.EscapeString(d.LinkText)))
	b.WriteString("<h3>FINAL ACTION DATES FOR EMPLOYMENT-BASED CASES:</h3>\n")
	b.WriteString(d.Table)
	b.WriteString("\n")

	return b.String()
}

// TimestampBlock renders the "last updated" table.
func (d *Digest) TimestampBlock() string {
	if len(d.Timestamps) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<table class=\"updated\">\n")
	b.WriteString("<tr><td colspan=\"2\">Last updated time:</td></tr>\n")
	for _, ts := range d.Timestamps {
		b.WriteString(fmt.Sprintf("<tr><td>%s</td><td>%s</td></tr>\n", html.EscapeString(ts.Label), ts.Time))
	}
	b.WriteString("</table>\n")
	return b.String()
}

// HTML renders the full digest including the timestamp block.
func (d *Digest) HTML() string {
	return d.Body() + d.TimestampBlock()
}

// Formatter renders digests. It has no side effects.
type Formatter struct {
	zones     []Zone
	locations []*time.Location
}

// NewFormatter creates a formatter for the given zones, or DefaultZones when empty.
func NewFormatter(zones []Zone) (*Formatter, error) {
	if len(zones) == 0 {
		zones = DefaultZones
	}

	f := &Formatter{zones: zones}
	for _, z := range zones {
		loc, err := time.LoadLocation(z.Location)
		if err != nil {
			return nil, fmt.Errorf("load zone %q: %w", z.Location, err)
		}
		f.locations = append(f.locations, loc)
	}
	return f, nil
}

// Render builds the digest for a resolved bulletin as of now.
func (f *Formatter) Render(b *bulletin.Bulletin, now time.Time) *Digest {
	d := &Digest{
		Edition:    b.Edition,
		Link:       b.SourceLink,
		LinkText:   "Official Visa Bulletin for " + b.Edition.String(),
		Table:      RenderTable(b.Rows),
		Timestamps: f.stamps(now),
	}

	if b.IsCurrent {
		d.Headline = fmt.Sprintf("[Visa Bulletin] %s Released!", b.Edition.Label())
	} else {
		d.Headline = fmt.Sprintf("[Visa Bulletin] %s hasn't been released yet!", bulletin.EditionOf(now).Label())
		d.Note = fmt.Sprintf("Showing the bulletin for %s.", b.Edition.Label())
	}

	return d
}

// Degraded builds an error digest. It has no edition.
func (f *Formatter) Degraded(err error, now time.Time) *Digest {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Digest{
		Error:      msg,
		Timestamps: f.stamps(now),
	}
}

func (f *Formatter) stamps(now time.Time) []Stamp {
	out := make([]Stamp, len(f.zones))
	for i, z := range f.zones {
		out[i] = Stamp{Label: z.Label, Time: now.In(f.locations[i]).Format(timestampLayout)}
	}
	return out
}

// RenderTable renders rows as an HTML table, highlighting bulletin.HighlightRow.
func RenderTable(rows []bulletin.Row) string {
	var b strings.Builder
	b.WriteString(`<table width="100%" border="1" cellspacing="0" cellpadding="3">`)
	for i, row := range rows {
		if i+1 == bulletin.HighlightRow {
			b.WriteString(`<tr class="highlight" style="background-color: yellow;">`)
		} else {
			b.WriteString("<tr>")
		}
		for _, cell := range row {
			tag := "td"
			if cell.Header {
				tag = "th"
			}
			b.WriteString(fmt.Sprintf("<%s>%s</%s>", tag, html.EscapeString(cell.Text), tag))
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}
