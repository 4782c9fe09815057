package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"visa-bulletin-notifier/pkg/bulletin"
)

// Resolution is the outcome of resolving the current edition from the index page.
type Resolution struct {
	Edition   bulletin.Edition // Edition presented to subscribers
	Scraped   bulletin.Edition // Edition parsed from the index link
	Link      string           // Absolute URL of the scraped bulletin page
	IsCurrent bool             // True when Scraped matches the period of now
}

// Resolve fetches the index page and determines the current edition.
//
// When the linked edition is not for now's calendar month, the edition for
// the preceding month is substituted and IsCurrent is false. The substituted
// edition is not checked against upstream, and Link still points at the
// scraped page.
func (s *Scraper) Resolve(ctx context.Context, now time.Time) (*Resolution, error) {
	doc, err := s.fetchDocument(ctx, s.indexURL, "fetch_index_page")
	if err != nil {
		return nil, fmt.Errorf("index page: %w", err)
	}

	link, err := CurrentLink(doc, s.indexURL)
	if err != nil {
		return nil, err
	}

	res, err := resolveEdition(link, now)
	if err != nil {
		return nil, err
	}

	if !res.IsCurrent {
		s.logger.Warn("Current period edition not released yet, using previous month",
			"scraped_edition", res.Scraped.Key(),
			"fallback_edition", res.Edition.Key(),
			"link", link)
	} else {
		s.logger.Info("Current edition resolved", "edition", res.Edition.Key(), "link", link)
	}

	return res, nil
}

// CurrentLink locates the link inside the list item marked as the current
// edition and resolves it against baseURL.
func CurrentLink(doc *goquery.Document, baseURL string) (string, error) {
	section := doc.Find("li.current").First()
	if section.Length() == 0 {
		return "", &NotFoundError{What: "the 'Current Visa Bulletin' section"}
	}

	anchor := section.Find("a.btn-success[href]").First()
	if anchor.Length() == 0 {
		anchor = section.Find("a[href]").First()
	}

	href, _ := anchor.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" {
		return "", &NotFoundError{What: "a valid link to the current visa bulletin"}
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", &ParseError{What: "index url", Err: err}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", &ParseError{What: "current bulletin link", Err: err}
	}

	abs := base.ResolveReference(ref)
	if abs.Host == "" {
		return "", &NotFoundError{What: "a resolvable link to the current visa bulletin"}
	}
	return abs.String(), nil
}

// resolveEdition applies the fallback policy to a scraped bulletin link.
func resolveEdition(link string, now time.Time) (*Resolution, error) {
	scraped, err := bulletin.ParseEdition(link)
	if err != nil {
		return nil, &ParseError{What: "current bulletin link", Err: err}
	}

	expected := bulletin.EditionOf(now)
	res := &Resolution{
		Edition:   scraped,
		Scraped:   scraped,
		Link:      link,
		IsCurrent: scraped == expected,
	}
	if !res.IsCurrent {
		res.Edition = expected.Previous()
	}
	return res, nil
}
