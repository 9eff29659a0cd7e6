package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"certcore/internal/collate"
	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

// Link titles used by the listing pages.
const (
	titleVendor            = "Vendor's web site"
	titleReport            = "Certification Report"
	titleTarget            = "Security Target"
	titleMaintenanceReport = "Maintenance Report"
	titleMaintenanceTarget = "Maintenance ST"
)

var maintenanceHead = regexp.MustCompile(`^([0-9]+-[0-9]+-[0-9]+)\s+(.+)$`)

// HTMLListing is the parsed content of one listing page.
type HTMLListing struct {
	Records []domain.RawRecord
	// Rows counts product rows seen, matched or not.
	Rows int
}

// ParseHTMLFile parses the listing page at path.
func ParseHTMLFile(path string, logger *zap.Logger) (HTMLListing, error) {
	f, err := os.Open(path) // #nosec G304 -- listing paths come from the dataset directory
	if err != nil {
		return HTMLListing{}, fmt.Errorf("open listing page: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseHTML(filepath.Base(path), f, logger)
}

// ParseHTML extracts one record per product row of a listing page. Rows
// without a product cell (headers, footers) are ignored; product rows
// without a report link are counted and logged.
func ParseHTML(name string, rd io.Reader, logger *zap.Logger) (HTMLListing, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc, err := html.Parse(rd)
	if err != nil {
		return HTMLListing{}, fmt.Errorf("listing page %s: %w", name, err)
	}
	var out HTMLListing
	seen := make(map[string]struct{})
	for _, tr := range findAll(doc, atom.Tr) {
		product := productCell(tr)
		if product == nil {
			continue
		}
		out.Rows++
		rec, ok := parseRow(tr, product)
		if !ok {
			logger.Warn("listing row without report link", zap.String("file", name), zap.Int("row", out.Rows))
			continue
		}
		unique := rec.FileKey + "__" + rec.Field(domain.FieldHTMLID)
		if _, dup := seen[unique]; dup {
			logger.Warn("duplicate listing row", zap.String("file", name), zap.String("file_key", rec.FileKey))
			continue
		}
		seen[unique] = struct{}{}
		out.Records = append(out.Records, rec)
	}
	if len(out.Records) != out.Rows {
		logger.Warn("not every listing row matched", zap.String("file", name),
			zap.Int("rows", out.Rows), zap.Int("records", len(out.Records)))
	}
	return out, nil
}

func parseRow(tr, product *html.Node) (domain.RawRecord, bool) {
	fields := map[string]string{
		domain.FieldName: matcher.Normalize(leadingText(product)),
	}
	for _, a := range anchors(product) {
		title := attr(a, "title")
		switch {
		case attr(a, "name") != "" && fields[domain.FieldHTMLID] == "":
			fields[domain.FieldHTMLID] = attr(a, "name")
		case title == titleVendor:
			fields[domain.FieldManufacturerSite] = attr(a, "href")
			fields[domain.FieldManufacturer] = matcher.Normalize(textOf(a))
		case strings.HasPrefix(title, titleReport):
			fields[domain.FieldReportLink] = attr(a, "href")
		case strings.HasPrefix(title, titleTarget):
			fields[domain.FieldTargetLink] = attr(a, "href")
		}
	}
	if fields[domain.FieldReportLink] == "" {
		return domain.RawRecord{}, false
	}

	var dates []string
	var level *html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Td || c == product {
			continue
		}
		if strings.Contains(strings.ReplaceAll(attr(c, "style"), " ", ""), "text-align:center") {
			dates = append(dates, matcher.Normalize(textOf(c)))
			continue
		}
		level = c
	}
	if len(dates) > 0 {
		fields[domain.FieldCertDate] = dates[0]
	}
	if len(dates) > 1 {
		fields[domain.FieldArchivedDate] = dates[1]
	}
	if level != nil {
		lvl, augments := splitOnBreaks(level)
		fields[domain.FieldSecurityLevel] = lvl
		if len(augments) > 0 {
			fields[domain.FieldAugments] = strings.Join(augments, ",")
		}
	}

	return domain.RawRecord{
		Source:      domain.SourceHTML,
		FileKey:     collate.Key(fields[domain.FieldReportLink]),
		Fields:      fields,
		Maintenance: maintenanceItems(product),
	}, true
}

func maintenanceItems(product *html.Node) []domain.MaintenanceRecord {
	var out []domain.MaintenanceRecord
	for _, li := range findAll(product, atom.Li) {
		m := domain.MaintenanceRecord{}
		if head := maintenanceHead.FindStringSubmatch(matcher.Normalize(leadingText(li))); head != nil {
			m.Date = head[1]
			m.Title = matcher.Normalize(head[2])
		}
		for _, a := range anchors(li) {
			switch attr(a, "title") {
			case titleMaintenanceReport:
				m.ReportLink = attr(a, "href")
			case titleMaintenanceTarget:
				m.TargetLink = attr(a, "href")
			}
		}
		if m.Title == "" && m.ReportLink == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// productCell returns the bold first cell that marks a product row.
func productCell(tr *html.Node) *html.Node {
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Td && hasClass(c, "b") {
			return c
		}
	}
	return nil
}

// anchors returns every <a> below n, including anchors inside HTML
// comments, which the listing uses for vendor links.
func anchors(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && n.DataAtom == atom.A:
			out = append(out, n)
		case n.Type == html.CommentNode && strings.Contains(n.Data, "<a "):
			frag, err := html.ParseFragment(strings.NewReader(n.Data), &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
			if err == nil {
				for _, f := range frag {
					walk(f)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// leadingText is the direct text of n before its first element child.
func leadingText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			break
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// splitOnBreaks returns the text before the first <br> and each non-empty
// text that follows a <br>.
func splitOnBreaks(n *html.Node) (string, []string) {
	var parts []string
	var cur strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case c.Type == html.ElementNode && c.DataAtom == atom.Br:
				parts = append(parts, cur.String())
				cur.Reset()
			case c.Type == html.TextNode:
				cur.WriteString(c.Data)
			default:
				walk(c)
			}
		}
	}
	walk(n)
	parts = append(parts, cur.String())

	level := matcher.Normalize(parts[0])
	var augments []string
	for _, p := range parts[1:] {
		if p = matcher.Normalize(p); p != "" {
			augments = append(augments, p)
		}
	}
	return level, augments
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
