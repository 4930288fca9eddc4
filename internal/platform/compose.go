package platform

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"
)

//go:embed article.html.tmpl
var articleTemplate string

var article = template.Must(template.New("article").Parse(articleTemplate))

// ArticleImage is one uploaded image placed into the article.
type ArticleImage struct {
	URL     string
	Caption string
}

// CaptionFor derives the caption line from a file name by dropping its
// extension, which leaves the attribution label and pid.
func CaptionFor(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Compose renders article markup with one image block per entry, in order.
func Compose(images []ArticleImage) (string, error) {
	var buf bytes.Buffer
	if err := article.Execute(&buf, struct{ Images []ArticleImage }{images}); err != nil {
		return "", fmt.Errorf("render article: %w", err)
	}
	return buf.String(), nil
}
