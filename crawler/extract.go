package crawler

import (
	"io"
	"iter"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/net/html"

	"github.com/lukemcguire/siteaudit/urlutil"
)

// ExtractLinks returns the absolute, normalized targets of the anchor tags in
// body, in document order and without duplicates.
//
// Relative and protocol-relative hrefs resolve against base, or against the
// document's first <base href> when present. Fragments are stripped and
// non-HTTP(S) schemes are dropped. Hrefs that point back at the page itself
// (empty or fragment-only) are skipped.
//
// The sequence is lazy and single-use: the body is tokenized as the caller
// ranges, and ranging a second time yields nothing.
func ExtractLinks(body io.Reader, base *url.URL) iter.Seq[string] {
	var used atomic.Bool

	return func(yield func(string) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		tokenizer := html.NewTokenizer(body)
		docBase := base
		baseSeen := false
		seen := make(map[string]struct{})

		for {
			switch tokenizer.Next() {
			case html.ErrorToken:
				// io.EOF or a read error; either way the document is done
				return
			case html.StartTagToken, html.SelfClosingTagToken:
				name, hasAttr := tokenizer.TagName()
				if !hasAttr {
					continue
				}
				switch string(name) {
				case "base":
					if baseSeen {
						continue
					}
					baseSeen = true
					if href, ok := attrValue(tokenizer, "href"); ok {
						if resolved := resolveHref(docBase, href); resolved != nil {
							docBase = resolved
						}
					}
				case "a":
					href, ok := attrValue(tokenizer, "href")
					if !ok {
						continue
					}
					link, ok := normalizeHref(docBase, href)
					if !ok {
						continue
					}
					if _, dup := seen[link]; dup {
						continue
					}
					seen[link] = struct{}{}
					if !yield(link) {
						return
					}
				}
			}
		}
	}
}

// CollectLinks drains seq into a slice.
func CollectLinks(seq iter.Seq[string]) []string {
	var links []string
	for link := range seq {
		links = append(links, link)
	}
	return links
}

func attrValue(tokenizer *html.Tokenizer, key string) (string, bool) {
	for {
		k, v, more := tokenizer.TagAttr()
		if string(k) == key {
			return string(v), true
		}
		if !more {
			return "", false
		}
	}
}

func resolveHref(base *url.URL, href string) *url.URL {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil
	}
	if base == nil {
		if !ref.IsAbs() {
			return nil
		}
		return ref
	}
	return base.ResolveReference(ref)
}

func normalizeHref(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	resolved := resolveHref(base, href)
	if resolved == nil {
		return "", false
	}
	if s := strings.ToLower(resolved.Scheme); s != "http" && s != "https" {
		return "", false
	}

	normalized, err := urlutil.NormalizeURL(resolved)
	if err != nil {
		return "", false
	}
	return normalized, true
}
