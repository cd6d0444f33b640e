// Package render turns generated notes into HTML. Math is emitted with KaTeX
// delimiters and typeset in the browser by the auto-render script on Page.
package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const katexVersion = "0.16.11"

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, Math),
)

// Markdown converts notes content to an HTML fragment. Raw HTML in the input
// is omitted.
func Markdown(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/katex@{{.KaTeX}}/dist/katex.min.css">
<script defer src="https://cdn.jsdelivr.net/npm/katex@{{.KaTeX}}/dist/katex.min.js"></script>
<script defer src="https://cdn.jsdelivr.net/npm/katex@{{.KaTeX}}/dist/contrib/auto-render.min.js"
  onload="renderMathInElement(document.body, {delimiters: [{left: '\\[', right: '\\]', display: true}, {left: '\\(', right: '\\)', display: false}]});"></script>
<style>
body { max-width: 52rem; margin: 2rem auto; padding: 0 1rem; font-family: system-ui, sans-serif; line-height: 1.6; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; }
pre { background: #f5f5f5; padding: 0.8rem; overflow-x: auto; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<article class="notes">
{{.Body}}
</article>
</body>
</html>
`))

// Page wraps rendered notes in a standalone HTML document.
func Page(title, content string) ([]byte, error) {
	body, err := Markdown(content)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = pageTemplate.Execute(&buf, struct {
		Title string
		KaTeX string
		Body  template.HTML
	}{
		Title: title,
		KaTeX: katexVersion,
		Body:  template.HTML(body),
	})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return buf.Bytes(), nil
}
