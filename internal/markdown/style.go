package markdown

import (
	"strings"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
)

const codeStyle = "github"

// baseCSS is the document typography: body text, headings, tables, lists and code.
const baseCSS = `
body {
	font-family: Arial, sans-serif;
	line-height: 1.6;
	color: #333;
	max-width: 800px;
	margin: 0 auto;
	padding: 20px;
}
h1, h2, h3 {
	color: #2c3e50;
	margin-top: 1.5em;
}
h1 { border-bottom: 1px solid #e1e4e8; padding-bottom: 0.3em; }
ul, ol { padding-left: 2em; }
li + li { margin-top: 0.25em; }
table {
	border-collapse: collapse;
	width: 100%;
	margin: 1em 0;
}
th, td {
	border: 1px solid #dfe2e5;
	padding: 6px 13px;
	text-align: left;
}
th { background-color: #f6f8fa; }
tr:nth-child(2n) { background-color: #fafbfc; }
blockquote {
	color: #6a737d;
	border-left: 4px solid #dfe2e5;
	margin: 0;
	padding: 0 1em;
}
code {
	background-color: #f8f9fa;
	padding: 2px 4px;
	border-radius: 3px;
}
pre {
	background-color: #f8f9fa;
	padding: 15px;
	border-radius: 5px;
	overflow-x: auto;
	page-break-inside: avoid;
}
pre code { padding: 0; background: none; }
img { max-width: 100%; }
`

// Stylesheet returns the base CSS followed by the chroma classes for code blocks.
func Stylesheet() string {
	var sb strings.Builder
	sb.WriteString(baseCSS)

	formatter := chromahtml.New(chromahtml.WithClasses(true))
	if err := formatter.WriteCSS(&sb, styles.Get(codeStyle)); err != nil {
		// Fall back to unstyled code blocks.
		return baseCSS
	}
	return sb.String()
}
