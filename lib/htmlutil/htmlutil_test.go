package htmlutil

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const testPage = `
<html>
<body>
	<a href="/first">First   Link</a>
	<a href="https://example.com/second">  Second Link  </a>
	<form action="/login" method="post">
		<input type="hidden" name="__RequestVerificationToken" value="abc123" />
		<input type="text" name="ctl00$ContentPlaceHolder$txtNotandanafn" />
		<input type="password" name="ctl00$ContentPlaceHolder$txtLykilord" />
	</form>
</body>
</html>
`

func TestGetAnchors(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(testPage))
	require.NoError(t, err)

	anchors := GetAnchors(context.Background(), doc.Find("a"))
	require.Len(t, anchors, 2)
	require.Equal(t, Anchor{Name: "First Link", Href: "/first"}, anchors[0])
	require.Equal(t, "Second Link", anchors[1].Name)
	require.Equal(t, "https://example.com/second", anchors[1].Href)
}

func TestGetForms(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(testPage))
	require.NoError(t, err)

	forms := GetForms(doc)
	require.Len(t, forms, 1)

	form := forms[0]
	require.Equal(t, "/login", form.Action)
	require.Equal(t, "POST", form.Method)
	require.Equal(t, "abc123", form.Fields["__RequestVerificationToken"])
	require.True(t, form.HasField("ctl00$ContentPlaceHolder$txtLykilord"))

	name, ok := form.FieldNamed("notandanafn")
	require.True(t, ok)
	require.Equal(t, "ctl00$ContentPlaceHolder$txtNotandanafn", name)

	_, ok = form.FieldNamed("missing")
	require.False(t, ok)
}
