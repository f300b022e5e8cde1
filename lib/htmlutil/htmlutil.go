package htmlutil

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("pupilwatch.lib.htmlutil")

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

type Anchor struct {
	Name string
	Href string
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText collapses whitespace and strips non-printable runes, which
// the portal loves to sprinkle into otherwise plain labels.
func CleanText(s string) string {
	s = removeNonPrintable(s)
	s = strings.Trim(s, " \t\n")
	return innerWhitespace.ReplaceAllString(s, " ")
}

func GetAnchors(ctx context.Context, sel *goquery.Selection) []Anchor {
	ctx, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}

		link, err := url.Parse(href)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			continue
		}

		name := CleanText(GetText(n))

		linkStr := link.String()
		anchors = append(anchors, Anchor{
			Name: name,
			Href: linkStr,
		})
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", name),
			attribute.String("url", linkStr),
		))
	}

	return anchors
}

// Form is one <form> with every named input it carries. Hidden inputs
// keep their server-provided values so the form can be re-submitted
// verbatim with only the interesting fields swapped out.
type Form struct {
	Action string
	Method string
	Fields map[string]string
}

// HasField reports whether the form carries an input named `name`.
func (f Form) HasField(name string) bool {
	_, ok := f.Fields[name]
	return ok
}

// FieldNamed returns the first field whose name contains `fragment`
// case-insensitively, which tolerates the portal's habit of prefixing
// input names with control-tree paths.
func (f Form) FieldNamed(fragment string) (string, bool) {
	fragment = strings.ToLower(fragment)
	for name := range f.Fields {
		if strings.Contains(strings.ToLower(name), fragment) {
			return name, true
		}
	}
	return "", false
}

func GetForms(doc *goquery.Document) []Form {
	var forms []Form
	doc.Find("form").Each(func(_ int, sel *goquery.Selection) {
		form := Form{
			Action: sel.AttrOr("action", ""),
			Method: strings.ToUpper(sel.AttrOr("method", "GET")),
			Fields: map[string]string{},
		}
		sel.Find("input, select, textarea").Each(func(_ int, input *goquery.Selection) {
			name := input.AttrOr("name", "")
			if name == "" {
				return
			}
			form.Fields[name] = input.AttrOr("value", "")
		})
		forms = append(forms, form)
	})
	return forms
}
