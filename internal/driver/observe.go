package driver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/vault"
)

const (
	maxPageText     = 4000
	maxElements     = 150
	maxElementLabel = 80
)

var spaceRe = regexp.MustCompile(`\s+`)

// Element is one marked interactive element.
type Element struct {
	ID    int
	Tag   string
	Type  string
	Label string
	Href  string
}

// Observation is what the planner sees of the page.
type Observation struct {
	URL      string
	Title    string
	Elements []Element
	Text     string
	Captcha  bool
}

// Observe parses marked page HTML into an Observation.
func Observe(html, url string) (*Observation, error) {
	return observeMasked(html, url, nil)
}

// observeMasked is Observe with every value held by creds replaced by its
// placeholder before anything is truncated.
func observeMasked(html, url string, creds *vault.Vault) (*Observation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	obs := &Observation{
		URL:   creds.Redact(url),
		Title: creds.Redact(collapse(doc.Find("title").First().Text())),
	}

	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if looksLikeCaptcha(src) {
			obs.Captcha = true
		}
	})

	doc.Find("[" + browser.MarkerAttr + "]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, _ := s.Attr(browser.MarkerAttr)
		id, err := strconv.Atoi(raw)
		if err != nil {
			return true
		}
		el := Element{
			ID:    id,
			Tag:   goquery.NodeName(s),
			Label: truncate(creds.Redact(label(s)), maxElementLabel),
		}
		el.Type, _ = s.Attr("type")
		href, _ := s.Attr("href")
		el.Href = creds.Redact(href)
		obs.Elements = append(obs.Elements, el)
		return len(obs.Elements) < maxElements
	})

	body := doc.Find("body")
	body.Find("script, style, noscript, svg, template").Remove()
	obs.Text = truncate(creds.Redact(collapse(body.Text())), maxPageText)
	if looksLikeCaptcha(obs.Text) {
		obs.Captcha = true
	}

	return obs, nil
}

// Has reports whether id was marked on this page.
func (o *Observation) Has(id int) bool {
	for _, el := range o.Elements {
		if el.ID == id {
			return true
		}
	}
	return false
}

// Render formats the observation for the planner prompt.
func (o *Observation) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n\nInteractive elements:\n", o.URL, o.Title)
	if len(o.Elements) == 0 {
		b.WriteString("(none)\n")
	}
	for _, el := range o.Elements {
		fmt.Fprintf(&b, "[%d] <%s", el.ID, el.Tag)
		if el.Type != "" {
			fmt.Fprintf(&b, " type=%s", el.Type)
		}
		b.WriteString(">")
		if el.Label != "" {
			fmt.Fprintf(&b, " %q", el.Label)
		}
		if el.Href != "" {
			fmt.Fprintf(&b, " -> %s", truncate(el.Href, 100))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nVisible text:\n%s\n", o.Text)
	return b.String()
}

func label(s *goquery.Selection) string {
	if text := collapse(s.Text()); text != "" {
		return text
	}
	for _, attr := range []string{"aria-label", "placeholder", "title", "alt", "value", "name"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return collapse(v)
		}
	}
	return ""
}

func looksLikeCaptcha(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "captcha") || strings.Contains(s, "i'm not a robot")
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
