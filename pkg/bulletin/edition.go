package bulletin

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// editionSlugRegex matches the trailing path segment of a bulletin page,
// e.g. "visa-bulletin-for-may-2025.html".
var editionSlugRegex = regexp.MustCompile(`(?i)-for-([a-z]+)-(\d{4})\.html$`)

var monthsByName = func() map[string]time.Month {
	m := make(map[string]time.Month, 12)
	for mo := time.January; mo <= time.December; mo++ {
		m[strings.ToLower(mo.String())] = mo
	}
	return m
}()

// Edition identifies one published bulletin release by calendar month.
// The zero value means "no edition".
type Edition struct {
	Month time.Month
	Year  int
}

// EditionOf returns the edition for the calendar month containing t.
func EditionOf(t time.Time) Edition {
	return Edition{Month: t.Month(), Year: t.Year()}
}

// ParseEdition derives an edition from a bulletin link or path whose last
// segment looks like "...-for-<month>-<year>.html". Month names are matched
// case-insensitively.
func ParseEdition(link string) (Edition, error) {
	p := link
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		p = u.Path
	}

	slug := path.Base(p)
	m := editionSlugRegex.FindStringSubmatch(slug)
	if m == nil {
		return Edition{}, fmt.Errorf("edition not found in %q", link)
	}

	month, ok := monthsByName[strings.ToLower(m[1])]
	if !ok {
		return Edition{}, fmt.Errorf("unknown month %q in %q", m[1], link)
	}

	year, err := strconv.Atoi(m[2])
	if err != nil {
		return Edition{}, fmt.Errorf("parse year in %q: %w", link, err)
	}

	return Edition{Month: month, Year: year}, nil
}

// ParseKey is the inverse of Edition.Key. An empty key yields the zero edition.
func ParseKey(key string) (Edition, error) {
	if key == "" {
		return Edition{}, nil
	}

	yearStr, monthStr, ok := strings.Cut(key, "-")
	if !ok {
		return Edition{}, fmt.Errorf("invalid edition key %q", key)
	}

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return Edition{}, fmt.Errorf("invalid edition key %q: %w", key, err)
	}

	month, ok := monthsByName[strings.ToLower(monthStr)]
	if !ok {
		return Edition{}, fmt.Errorf("invalid edition key %q: unknown month", key)
	}

	return Edition{Month: month, Year: year}, nil
}

// IsZero reports whether e is the empty edition.
func (e Edition) IsZero() bool {
	return e.Month == 0 && e.Year == 0
}

// Previous returns the edition one calendar month before e.
func (e Edition) Previous() Edition {
	if e.Month == time.January {
		return Edition{Month: time.December, Year: e.Year - 1}
	}
	return Edition{Month: e.Month - 1, Year: e.Year}
}

// Key is the stable storage form, e.g. "2025-May". Empty for the zero edition.
func (e Edition) Key() string {
	if e.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d-%s", e.Year, e.Month)
}

// Label is the display form used in headlines, e.g. "May-2025".
func (e Edition) Label() string {
	return fmt.Sprintf("%s-%d", e.Month, e.Year)
}

func (e Edition) String() string {
	if e.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s %d", e.Month, e.Year)
}

// MarshalText encodes the edition as its key.
func (e Edition) MarshalText() ([]byte, error) {
	return []byte(e.Key()), nil
}

// UnmarshalText decodes an edition key.
func (e *Edition) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
