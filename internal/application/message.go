package application

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
)

// DefaultMessageTemplate mirrors the announcement the notifier has always sent.
const DefaultMessageTemplate = "New merge request ready for review: [!{{.ID}} {{.Title}}]({{.URL}})"

// markdownEscaper backslash-escapes the characters that would let a merge
// request title break out of the surrounding Markdown.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", `*`, `\*`, `_`, `\_`, `[`, `\[`, `]`, `\]`,
	`(`, `\(`, `)`, `\)`, `<`, `\<`, `>`, `\>`, `#`, `\#`, `!`, `\!`,
	`|`, `\|`, `~`, `\~`,
)

var linkEscaper = strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29", "<", "%3C", ">", "%3E")

// messageData is what a message template sees. Title and URL are already
// escaped for Markdown; RawTitle is not.
type messageData struct {
	ID       int
	Title    string
	RawTitle string
	URL      string
}

// MessageFormatter renders merge request snapshots into chat messages. The
// template yields Markdown, which is converted to HTML and sanitized.
type MessageFormatter struct {
	tmpl      *template.Template
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// NewMessageFormatter parses the given template. An empty text selects
// DefaultMessageTemplate.
func NewMessageFormatter(text string) (*MessageFormatter, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultMessageTemplate
	}

	tmpl, err := template.New("message").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.RequireNoFollowOnLinks(false)

	return &MessageFormatter{
		tmpl:      tmpl,
		md:        goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify)),
		sanitizer: sanitizer,
	}, nil
}

// Format renders the notification for one merge request.
func (f *MessageFormatter) Format(snap model.MergeRequestSnapshot) (model.Message, error) {
	data := messageData{
		ID:       int(snap.ID),
		Title:    markdownEscaper.Replace(snap.Title),
		RawTitle: snap.Title,
		URL:      linkEscaper.Replace(snap.URL),
	}

	markdown, err := f.execute(data)
	if err != nil {
		return model.Message{}, fmt.Errorf("execute message template for !%d: %w", snap.ID, err)
	}

	text, err := f.execute(messageData{
		ID:       data.ID,
		Title:    snap.Title,
		RawTitle: snap.Title,
		URL:      snap.URL,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("execute plain message template for !%d: %w", snap.ID, err)
	}

	var out bytes.Buffer
	if err := f.md.Convert([]byte(markdown), &out); err != nil {
		return model.Message{}, fmt.Errorf("render message markdown for !%d: %w", snap.ID, err)
	}

	return model.Message{
		Markdown: markdown,
		Text:     text,
		HTML:     unwrapParagraph(f.sanitizer.Sanitize(out.String())),
	}, nil
}

func (f *MessageFormatter) execute(data messageData) (string, error) {
	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// unwrapParagraph strips the <p> goldmark puts around single-line messages so
// chat clients render them inline.
func unwrapParagraph(html string) string {
	html = strings.TrimSpace(html)
	if strings.HasPrefix(html, "<p>") && strings.HasSuffix(html, "</p>") && strings.Count(html, "<p>") == 1 {
		return strings.TrimSuffix(strings.TrimPrefix(html, "<p>"), "</p>")
	}
	return html
}
