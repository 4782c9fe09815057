package scraper

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"visa-bulletin-notifier/pkg/bulletin"
)

// TableMarker is the substring of the bold label that introduces the target table.
const TableMarker = "Employment-"

// ParseTable parses a bulletin page and extracts the target table.
func ParseTable(r io.Reader) ([]bulletin.Row, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, &ParseError{What: "bulletin page", Err: err}
	}
	return ExtractTable(doc)
}

// ExtractTable finds the first table introduced by bold text containing
// TableMarker and returns its rows and cells in document order.
// A table with no rows yields an empty, non-nil slice.
func ExtractTable(doc *goquery.Document) ([]bulletin.Row, error) {
	table := findTargetTable(doc)
	if table == nil {
		return nil, &TableNotFoundError{Marker: TableMarker}
	}

	rows := make([]bulletin.Row, 0)
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		row := make(bulletin.Row, 0)
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			row = append(row, bulletin.Cell{
				Text:   cleanCell(cell.Text()),
				Header: goquery.NodeName(cell) == "th",
			})
		})
		rows = append(rows, row)
	})

	return rows, nil
}

func findTargetTable(doc *goquery.Document) *goquery.Selection {
	var table *goquery.Selection
	doc.Find("b, strong").EachWithBreak(func(_ int, label *goquery.Selection) bool {
		if !strings.Contains(label.Text(), TableMarker) {
			return true
		}

		// Bulletin pages put the label in the table's first row.
		if t := label.Closest("table"); t.Length() > 0 {
			table = t.First()
			return false
		}

		if t := followingTable(label); t != nil {
			table = t
			return false
		}
		return true
	})
	return table
}

// followingTable returns the first table after sel in document order,
// looking at later siblings of sel and of each of its ancestors.
func followingTable(sel *goquery.Selection) *goquery.Selection {
	for cur := sel; cur.Length() > 0 && !cur.Is("body, html"); cur = cur.Parent() {
		var found *goquery.Selection
		cur.NextAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
			if sib.Is("table") {
				found = sib
				return false
			}
			if t := sib.Find("table").First(); t.Length() > 0 {
				found = t
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

func cleanCell(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}
