package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nhle/imapsync/internal/transport"
)

// fetchPreview reads the head of a text part and returns a short plain
// text excerpt of it. HTML parts get a larger byte budget since markup
// takes up most of their head.
func (x *Exec) fetchPreview(ctx context.Context, uid uint32, part *transport.BodyPart) (string, error) {
	limit := x.cfg.PreviewBytes
	isHTML := part.MediaType() == "text/html"
	if isHTML {
		limit = x.cfg.PreviewBytesHTML
	}

	raw, err := x.sess().FetchSection(ctx, uid, transport.Section{Part: part.Path, Limit: int64(limit)})
	if err != nil {
		return "", fmt.Errorf("fetching preview of %d: %w", uid, err)
	}
	text := decodePart(raw, part)
	if isHTML {
		text = htmlText(text)
	}
	return truncateRunes(collapseSpace(text), x.cfg.PreviewLength), nil
}

// decodePart undoes the transfer encoding and charset of a possibly
// truncated part body. Whatever decodes before an error is kept.
func decodePart(raw []byte, part *transport.BodyPart) string {
	var h message.Header
	params := map[string]string{}
	if cs := part.Params["charset"]; cs != "" {
		params["charset"] = cs
	}
	h.SetContentType(part.MediaType(), params)
	if part.Encoding != "" {
		h.Set("Content-Transfer-Encoding", part.Encoding)
	}

	ent, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return string(raw)
	}
	if ent == nil {
		return string(raw)
	}
	b, _ := io.ReadAll(ent.Body)
	return strings.ToValidUTF8(string(b), "")
}

// htmlText returns the visible text of an HTML fragment.
func htmlText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
