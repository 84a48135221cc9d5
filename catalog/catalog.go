// Package catalog parses the Sim's variable-definition text and
// exposes mode/min/max per keyword. The catalog is read-only after
// construction.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/macroflight/frankenrouter/keyword"
)

// DefaultURL is where the catalog is fetched from when the configured
// file is missing (a convenience, not a correctness requirement).
const DefaultURL = "https://aerowinx.com/assets/networkers/Variables.txt"

// Entry is one catalog line: a keyword's mode plus its declared bounds.
type Entry struct {
	Mode keyword.Mode
	Min  float64
	Max  float64
	// Extra is the secondary mode from the augmentation table, if any.
	Extra keyword.Mode
	// NoLong marks keywords in the hard-coded NOLONG augmentation set.
	NoLong bool
}

// Catalog is the parsed, read-only variable-definition table.
type Catalog struct {
	entries map[string]Entry
}

// The augmentation tables hard-code attributes the plain-text catalog
// format cannot express. Qs493 and Qi208 behave as ECON on the wire in
// addition to their declared START mode; Qs375-Qs377 and Qs407-Qs412
// hold the long CDU route strings only nolong-free clients want.
var augmentNoLong = map[string]bool{
	"Qs375": true, "Qs376": true, "Qs377": true,
	"Qs407": true, "Qs408": true, "Qs409": true,
	"Qs410": true, "Qs411": true, "Qs412": true,
}

var augmentExtraMode = map[string]keyword.Mode{
	"Qs493": keyword.ModeECON,
	"Qi208": keyword.ModeECON,
}

// Parse reads the semicolon-delimited catalog format: each line declares one
// keyword followed by "Mode=", "Min=", "Max=". An unknown Mode value is a
// parse failure.
func Parse(r io.Reader) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, 1024)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}

		fields := strings.Split(line, ";")
		if len(fields) == 0 {
			continue
		}
		// first field is `Qs0="CfgRego"`: keyword left of '=', display
		// name (unused here) right of it
		key, _, _ := strings.Cut(strings.TrimSpace(fields[0]), "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		var e Entry
		haveMode := false
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			kv := strings.SplitN(f, "=", 2)
			if len(kv) != 2 {
				continue
			}
			name, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
			switch strings.ToLower(name) {
			case "mode":
				m, ok := keyword.ParseMode(val)
				if !ok {
					return nil, fmt.Errorf("catalog line %d: unknown mode %q for %s", lineNo, val, key)
				}
				e.Mode = m
				haveMode = true
			case "min":
				if v, err := strconv.ParseFloat(val, 64); err == nil {
					e.Min = v
				}
			case "max":
				if v, err := strconv.ParseFloat(val, 64); err == nil {
					e.Max = v
				}
			}
		}
		if !haveMode {
			continue
		}

		e.Extra = augmentExtraMode[key]
		e.NoLong = augmentNoLong[key]

		c.entries[key] = e
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the catalog from path; if the file is missing it attempts
// a single best-effort fetch from url and retries once. The fetch is a
// convenience, not a correctness requirement.
func Load(path, fallbackURL string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) || fallbackURL == "" {
			return nil, err
		}
		if ferr := fetch(fallbackURL, path); ferr != nil {
			return nil, fmt.Errorf("catalog missing and fetch failed: %w", ferr)
		}
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
	}
	defer f.Close()
	return Parse(f)
}

func fetch(url, dest string) error {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %s", url, resp.Status)
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// ModeOf returns the keyword's mode, or (ModeNone, false) if unknown.
func (c *Catalog) ModeOf(k string) (keyword.Mode, bool) {
	e, ok := c.entries[k]
	if !ok {
		return keyword.ModeNone, false
	}
	return e.Mode, true
}

// IsNoLong reports whether k is in the NOLONG augmentation set.
func (c *Catalog) IsNoLong(k string) bool {
	e, ok := c.entries[k]
	return ok && e.NoLong
}

// HasMode reports whether k carries mode m, declared or augmented.
func (c *Catalog) HasMode(k string, m keyword.Mode) bool {
	e, ok := c.entries[k]
	return ok && (e.Mode == m || e.Extra == m)
}

// KeywordsWithMode returns every cataloged keyword carrying mode m,
// declared or augmented.
func (c *Catalog) KeywordsWithMode(m keyword.Mode) []string {
	var out []string
	for k, e := range c.entries {
		if e.Mode == m || e.Extra == m {
			out = append(out, k)
		}
	}
	return keyword.Sort(out)
}

// StartNotEcon returns the keywords in mode START but not ECON: the
// set a welcoming client expects inside its awaiting-START window.
func (c *Catalog) StartNotEcon() []string {
	var out []string
	for k, e := range c.entries {
		if (e.Mode == keyword.ModeSTART || e.Extra == keyword.ModeSTART) &&
			e.Mode != keyword.ModeECON && e.Extra != keyword.ModeECON {
			out = append(out, k)
		}
	}
	return keyword.Sort(out)
}

// Len returns the number of cataloged keywords.
func (c *Catalog) Len() int { return len(c.entries) }

// IsProtocolKeyword delegates to the keyword package (kept here too so
// callers that only hold a *Catalog don't need a second import).
func IsProtocolKeyword(s string) bool { return keyword.IsProtocolKeyword(s) }

// SortProtocolKeywords delegates to keyword.Sort.
func SortProtocolKeywords(keys []string) []string { return keyword.Sort(keys) }
