package engine

import (
	"strings"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

// partContext is the multipart branch a part is nested in.
type partContext struct {
	inAlternative bool
	inRelated     bool
}

// partSet is the classification of a message's body parts.
type partSet struct {
	// Bodies are the text renditions, in tree order.
	Bodies      []*transport.BodyPart
	Attachments []model.Attachment
}

// textBody returns the preferred rendition for a preview: plain text
// first, then HTML.
func (ps partSet) textBody() *transport.BodyPart {
	var html *transport.BodyPart
	for _, p := range ps.Bodies {
		switch p.MediaType() {
		case "text/plain":
			return p
		case "text/html":
			if html == nil {
				html = p
			}
		}
	}
	return html
}

// enumerateParts walks a body structure. Text renditions not marked as
// attachments are bodies. Parts with a Content-ID inside multipart/related
// are inline attachments. Non-text alternatives are dropped. Everything
// else is an attachment.
func enumerateParts(p *transport.BodyPart, pc partContext) partSet {
	var ps partSet
	if p == nil {
		return ps
	}

	if p.IsMultipart() {
		child := pc
		switch strings.ToLower(p.Subtype) {
		case "alternative":
			child.inAlternative = true
		case "related":
			child.inRelated = true
		case "mixed":
			// A mixed part restarts the context: its children are siblings
			// of the alternative, not renditions of it.
			child = partContext{}
		}
		for _, c := range p.Children {
			sub := enumerateParts(c, child)
			ps.Bodies = append(ps.Bodies, sub.Bodies...)
			ps.Attachments = append(ps.Attachments, sub.Attachments...)
		}
		return ps
	}

	attached := strings.EqualFold(p.Disposition, "attachment")
	switch mt := p.MediaType(); {
	case !attached && (mt == "text/plain" || mt == "text/html") && p.FileName() == "":
		ps.Bodies = append(ps.Bodies, p)
	case pc.inRelated && p.ContentID != "" && !attached:
		ps.Attachments = append(ps.Attachments, attachmentOf(p, true))
	case pc.inAlternative && !attached:
		// text/enriched and friends: another rendition of the body.
	case strings.EqualFold(p.Disposition, "inline") && p.ContentID != "":
		ps.Attachments = append(ps.Attachments, attachmentOf(p, true))
	default:
		ps.Attachments = append(ps.Attachments, attachmentOf(p, false))
	}
	return ps
}

func attachmentOf(p *transport.BodyPart, inline bool) model.Attachment {
	return model.Attachment{
		PartPath:    p.Path,
		FileName:    p.FileName(),
		ContentType: p.MediaType(),
		ContentID:   p.ContentID,
		Size:        int64(p.Size),
		IsInline:    inline,
	}
}
