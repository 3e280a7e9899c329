package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/imapsync/internal/model"
	"github.com/nhle/imapsync/internal/transport"
)

func leaf(path, typ, subtype string) *transport.BodyPart {
	return &transport.BodyPart{Path: path, Type: typ, Subtype: subtype, Size: 100}
}

func TestEnumerateParts(t *testing.T) {
	logo := leaf("1.2.2", "image", "png")
	logo.ContentID = "logo@x"
	pdf := leaf("2", "application", "pdf")
	pdf.Disposition = "attachment"
	pdf.DispositionParams = map[string]string{"filename": "a.pdf"}
	notes := leaf("3", "text", "plain")
	notes.Disposition = "attachment"
	notes.DispositionParams = map[string]string{"filename": "notes.txt"}

	root := &transport.BodyPart{
		Type: "multipart", Subtype: "mixed",
		Children: []*transport.BodyPart{
			{
				Path: "1", Type: "multipart", Subtype: "alternative",
				Children: []*transport.BodyPart{
					leaf("1.1", "text", "plain"),
					{
						Path: "1.2", Type: "multipart", Subtype: "related",
						Children: []*transport.BodyPart{leaf("1.2.1", "text", "html"), logo},
					},
					leaf("1.3", "text", "enriched"),
				},
			},
			pdf,
			notes,
		},
	}

	ps := enumerateParts(root, partContext{})

	var bodies []string
	for _, b := range ps.Bodies {
		bodies = append(bodies, b.Path)
	}
	assert.Equal(t, []string{"1.1", "1.2.1"}, bodies)
	assert.Equal(t, "1.1", ps.textBody().Path)

	require.Len(t, ps.Attachments, 3)
	assert.Equal(t, model.Attachment{
		PartPath: "1.2.2", ContentType: "image/png", ContentID: "logo@x", Size: 100, IsInline: true,
	}, ps.Attachments[0])
	assert.Equal(t, "a.pdf", ps.Attachments[1].FileName)
	assert.False(t, ps.Attachments[1].IsInline)
	assert.Equal(t, "notes.txt", ps.Attachments[2].FileName)
}

func TestTextBodyFallsBackToHTML(t *testing.T) {
	ps := enumerateParts(leaf("1", "text", "html"), partContext{})
	require.NotNil(t, ps.textBody())
	assert.Equal(t, "text/html", ps.textBody().MediaType())

	assert.Nil(t, enumerateParts(leaf("1", "image", "gif"), partContext{}).textBody())
}

func TestInlineImageOutsideRelated(t *testing.T) {
	img := leaf("2", "image", "jpeg")
	img.Disposition = "inline"
	img.ContentID = "pic"
	ps := enumerateParts(img, partContext{})
	require.Len(t, ps.Attachments, 1)
	assert.True(t, ps.Attachments[0].IsInline)
}

func TestReferencedIDs(t *testing.T) {
	m := &model.EmailMessage{
		MessageID:  "c@x",
		InReplyTo:  "<b@x>",
		References: "<a@x> <b@x> <c@x>",
	}
	assert.Equal(t, []string{"b@x", "a@x"}, referencedIDs(m))
	assert.Empty(t, referencedIDs(&model.EmailMessage{MessageID: "solo@x"}))
}

func TestDecodePart(t *testing.T) {
	qp := &transport.BodyPart{
		Type: "text", Subtype: "plain", Encoding: "quoted-printable",
		Params: map[string]string{"charset": "iso-8859-1"},
	}
	assert.Equal(t, "café au lait", decodePart([]byte("caf=E9 au =\r\nlait"), qp))

	b64 := &transport.BodyPart{Type: "text", Subtype: "plain", Encoding: "base64"}
	assert.Equal(t, "Hello world", decodePart([]byte("SGVsbG8gd29ybGQ="), b64))

	odd := &transport.BodyPart{
		Type: "text", Subtype: "plain",
		Params: map[string]string{"charset": "x-no-such-charset"},
	}
	assert.Equal(t, "plain ascii", decodePart([]byte("plain ascii"), odd))
}

func TestHTMLText(t *testing.T) {
	src := `<html><head><title>Title</title><style>p { color: red }</style></head>` +
		`<body><p>Hi <b>there</b>,</p><script>track()</script><div>see you</div></body></html>`
	assert.Equal(t, "Hi there , see you", collapseSpace(htmlText(src)))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hé", truncateRunes("héllo", 2))
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "keep", truncateRunes("keep", 0))
}
