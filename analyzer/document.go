package analyzer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Heading is one h1-h6 element, in document order.
type Heading struct {
	Level int
	Text  string
}

// Image is one <img> element.
type Image struct {
	Src    string
	Alt    string
	HasAlt bool
}

// Document holds the facts the page rules evaluate.
type Document struct {
	Title              string
	HasTitle           bool
	MetaDescription    string
	HasMetaDescription bool
	Headings           []Heading
	Images             []Image
	WordCount          int
	Anchors            int // <a href> elements, before dedup
}

// Parse builds a Document from HTML.
func Parse(doc []byte) (*Document, error) {
	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	d := &Document{}

	if title := gq.Find("head title").First(); title.Length() > 0 {
		d.HasTitle = true
		d.Title = collapseSpace(title.Text())
	}

	gq.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "description") {
			return true
		}
		content, _ := s.Attr("content")
		d.HasMetaDescription = true
		d.MetaDescription = collapseSpace(content)
		return false
	})

	gq.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		d.Headings = append(d.Headings, Heading{
			Level: headingLevel(s.Nodes[0]),
			Text:  collapseSpace(s.Text()),
		})
	})

	gq.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		alt, hasAlt := s.Attr("alt")
		d.Images = append(d.Images, Image{Src: strings.TrimSpace(src), Alt: alt, HasAlt: hasAlt})
	})

	d.Anchors = gq.Find("a[href]").Length()

	if body := gq.Find("body"); body.Length() > 0 {
		d.WordCount = countWords(body.Nodes[0])
	}
	return d, nil
}

// H1Count returns the number of h1 headings.
func (d *Document) H1Count() int {
	n := 0
	for _, h := range d.Headings {
		if h.Level == 1 {
			n++
		}
	}
	return n
}

func headingLevel(n *html.Node) int {
	switch n.DataAtom {
	case atom.H1:
		return 1
	case atom.H2:
		return 2
	case atom.H3:
		return 3
	case atom.H4:
		return 4
	case atom.H5:
		return 5
	default:
		return 6
	}
}

// countWords counts whitespace-separated words in visible text under n.
func countWords(n *html.Node) int {
	switch n.Type {
	case html.TextNode:
		return len(strings.Fields(n.Data))
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return 0
		}
	}
	total := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		total += countWords(c)
	}
	return total
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
