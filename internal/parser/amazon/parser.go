// Package amazon parses Amazon product-review listing pages with goquery.
package amazon

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

// ErrReviewCountNotFound reports a page without a recognizable review count.
var ErrReviewCountNotFound = errors.New("review count not found")

var (
	starsPattern = regexp.MustCompile(`(\d(?:[.,]\d)?)`)
	// Matches "1,234 with reviews", "of 1,234 reviews" and "1,234 global ratings".
	countPatterns = []*regexp.Regexp{
		regexp.MustCompile(`([\d.,]+)\s+with reviews`),
		regexp.MustCompile(`of\s+([\d.,]+)\s+reviews`),
		regexp.MustCompile(`([\d.,]+)\s+(?:global|total)\s+(?:ratings|reviews)`),
		regexp.MustCompile(`([\d.,]+)`),
	}
	countSelectors = []string{
		`[data-hook="cr-filter-info-review-rating-count"]`,
		`[data-hook="cr-filter-info-section"]`,
		`[data-hook="total-review-count"]`,
	}
)

// Parser extracts review records from listing HTML. It holds no state.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse returns the reviews on a listing page. A page without review
// markup yields an empty, non-nil slice. Captcha pages fail with
// crawler.ErrBlocked.
func (Parser) Parse(raw []byte) ([]crawler.Review, error) {
	doc, err := load(raw)
	if err != nil {
		return nil, err
	}
	reviews := []crawler.Review{}
	doc.Find(`[data-hook="review"]`).Each(func(_ int, sel *goquery.Selection) {
		if review, ok := reviewFrom(sel); ok {
			reviews = append(reviews, review)
		}
	})
	return reviews, nil
}

// ParseReviewCount returns the number of reviews the listing advertises.
func (Parser) ParseReviewCount(raw []byte) (int, error) {
	doc, err := load(raw)
	if err != nil {
		return 0, err
	}
	for _, selector := range countSelectors {
		text := squash(doc.Find(selector).First().Text())
		if text == "" {
			continue
		}
		if n, ok := countFrom(text); ok {
			return n, nil
		}
	}
	if doc.Find(`[data-hook="cr-no-reviews"], #cm_cr-review_list .no-reviews-section`).Length() > 0 {
		return 0, nil
	}
	return 0, ErrReviewCountNotFound
}

func load(raw []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("load html: %w", err)
	}
	if isCaptcha(doc) {
		return nil, fmt.Errorf("captcha page: %w", crawler.ErrBlocked)
	}
	return doc, nil
}

func isCaptcha(doc *goquery.Document) bool {
	if doc.Find(`form[action*="validateCaptcha"]`).Length() > 0 {
		return true
	}
	title := strings.ToLower(squash(doc.Find("title").First().Text()))
	return strings.Contains(title, "robot check")
}

func reviewFrom(sel *goquery.Selection) (crawler.Review, bool) {
	stars := parseStars(squash(sel.Find(
		`[data-hook="review-star-rating"] .a-icon-alt, [data-hook="cmps-review-star-rating"] .a-icon-alt`,
	).First().Text()))
	if stars < 1 || stars > 5 {
		return crawler.Review{}, false
	}
	review := crawler.Review{
		ID:         strings.TrimSpace(sel.AttrOr("id", "")),
		Stars:      stars,
		DateString: squash(sel.Find(`[data-hook="review-date"]`).First().Text()),
		Text:       squash(sel.Find(`[data-hook="review-body"]`).First().Text()),
		Title:      reviewTitle(sel),
		Author:     squash(sel.Find(".a-profile-name").First().Text()),
	}
	fields := map[string]string{}
	if v := squash(sel.Find(`[data-hook="format-strip"]`).First().Text()); v != "" {
		fields["format"] = v
	}
	if sel.Find(`[data-hook="avp-badge"]`).Length() > 0 {
		fields["verified"] = "true"
	}
	if v := squash(sel.Find(`[data-hook="helpful-vote-statement"]`).First().Text()); v != "" {
		fields["helpful"] = v
	}
	if len(fields) > 0 {
		review.Fields = fields
	}
	return review, true
}

// reviewTitle drops the star label that newer markup nests in the title.
func reviewTitle(sel *goquery.Selection) string {
	title := sel.Find(`[data-hook="review-title"]`).First()
	if title.Length() == 0 {
		return ""
	}
	if spans := title.ChildrenFiltered("span:not(.a-letter-space)"); spans.Length() > 0 {
		return squash(spans.Last().Text())
	}
	return squash(title.Text())
}

func parseStars(text string) int {
	m := starsPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

func countFrom(text string) (int, bool) {
	for _, pattern := range countPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
		n, err := strconv.Atoi(digits)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
