package render

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Heuristic tunes NeedsRender.
type Heuristic struct {
	// MinTextChars is the visible text length below which a page may be
	// client-rendered.
	MinTextChars int
	// ScriptRatio is how many times heavier than the visible text the page's
	// scripts must be.
	ScriptRatio float64
	// ExternalScriptWeight is counted for each <script src>, whose size is
	// unknown without fetching it.
	ExternalScriptWeight int
}

// DefaultHeuristic flags pages with under 200 visible characters whose
// scripts outweigh the text.
func DefaultHeuristic() Heuristic {
	return Heuristic{
		MinTextChars:         200,
		ScriptRatio:          1.0,
		ExternalScriptWeight: 2048,
	}
}

// PageWeight is what NeedsRender measures.
type PageWeight struct {
	TextChars       int // visible text, whitespace collapsed
	InlineScripts   int
	ExternalScripts int
	InlineBytes     int // trimmed inline script source
}

// Scripts returns the number of executable script tags.
func (w PageWeight) Scripts() int {
	return w.InlineScripts + w.ExternalScripts
}

// ScriptWeight returns the inline bytes plus externalWeight per external script.
func (w PageWeight) ScriptWeight(externalWeight int) int {
	return w.InlineBytes + w.ExternalScripts*externalWeight
}

// Measure counts visible text and script volume in doc.
func Measure(doc []byte) PageWeight {
	var (
		w        PageWeight
		hidden   int // depth inside elements whose text is not visible
		inScript bool
		text     strings.Builder
	)

	tokenizer := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			w.TextChars = utf8.RuneCountInString(strings.Join(strings.Fields(text.String()), " "))
			return w

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			a := atom.Lookup(name)
			if a == atom.Script {
				src, typ := scriptAttrs(tokenizer, hasAttr)
				if !executable(typ) {
					// data blocks such as JSON-LD are never run
					if tt == html.StartTagToken {
						hidden++
					}
					continue
				}
				if src != "" {
					w.ExternalScripts++
				} else {
					w.InlineScripts++
				}
				inScript = tt == html.StartTagToken
				continue
			}
			if tt == html.StartTagToken && invisible(a) {
				hidden++
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			a := atom.Lookup(name)
			switch {
			case a == atom.Script && inScript:
				inScript = false
			case (a == atom.Script || invisible(a)) && hidden > 0:
				hidden--
			}

		case html.TextToken:
			switch {
			case inScript:
				w.InlineBytes += len(bytes.TrimSpace(tokenizer.Text()))
			case hidden == 0:
				text.Write(tokenizer.Text())
				text.WriteByte(' ')
			}
		}
	}
}

// NeedsRender reports whether doc looks client-rendered: little visible text,
// at least one script, and script weight at least ScriptRatio times the text.
// All three must hold, so server-rendered pages carrying analytics tags are
// not sent to the browser.
func NeedsRender(doc []byte, h Heuristic) bool {
	w := Measure(doc)
	if w.Scripts() == 0 || w.TextChars >= h.MinTextChars {
		return false
	}
	return float64(w.ScriptWeight(h.ExternalScriptWeight)) >= h.ScriptRatio*float64(w.TextChars)
}

func scriptAttrs(tokenizer *html.Tokenizer, hasAttr bool) (src, typ string) {
	for hasAttr {
		var k, v []byte
		k, v, hasAttr = tokenizer.TagAttr()
		switch string(k) {
		case "src":
			src = strings.TrimSpace(string(v))
		case "type":
			typ = strings.ToLower(strings.TrimSpace(string(v)))
		}
	}
	return src, typ
}

func executable(scriptType string) bool {
	switch scriptType {
	case "", "text/javascript", "application/javascript", "module", "text/babel":
		return true
	default:
		return false
	}
}

func invisible(a atom.Atom) bool {
	switch a {
	case atom.Style, atom.Noscript, atom.Template, atom.Title:
		return true
	default:
		return false
	}
}
