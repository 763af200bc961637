// Package mailmime turns a raw SMTP DATA payload into the canonical
// model.Message draft every other component works with.
package mailmime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/infodancer/pop3d/internal/model"
)

const (
	defaultFrom    = "unknown@unknown.com"
	defaultSubject = "(No Subject)"
	defaultBody    = "(No body)"
)

// Parse converts raw RFC 5322 message bytes into a Message draft.
// fallbackRecipient (the SMTP envelope RCPT TO) is used whenever the
// message's own To header is absent or unparseable. Parse never fails on
// unusual MIME structure — it degrades to defaults — and returns an
// error only when raw cannot be recognized as an RFC 5322 message at all.
func Parse(raw []byte, fallbackRecipient string) (model.Message, error) {
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return model.Message{}, fmt.Errorf("parsing message: %w", err)
	}

	header := parsed.Header

	to := firstAddress(header.Get("To"))
	if to == "" {
		to = fallbackRecipient
	}

	from := firstAddress(header.Get("From"))
	if from == "" {
		from = defaultFrom
	}

	subject := strings.TrimSpace(decodeWord(header.Get("Subject")))
	if subject == "" {
		subject = defaultSubject
	}

	c := &collector{}
	c.walkPart(textproto.MIMEHeader(header), parsed.Body, 0)

	body := c.preferredBody()
	if body == "" {
		body = defaultBody
	}

	rawCopy := string(raw)

	return model.Message{
		To:          to,
		From:        from,
		Subject:     subject,
		Body:        body,
		Raw:         &rawCopy,
		Attachments: c.attachments,
	}, nil
}

// firstAddress extracts the first mailbox address from a header value,
// returning "" if the header is empty or cannot be parsed at all.
func firstAddress(headerValue string) string {
	if strings.TrimSpace(headerValue) == "" {
		return ""
	}
	if addrs, err := mail.ParseAddressList(headerValue); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	if addr, err := mail.ParseAddress(headerValue); err == nil {
		return addr.Address
	}
	return ""
}

// decodeWord best-effort decodes RFC 2047 encoded-words (e.g. in Subject);
// on failure it returns the header value unchanged.
func decodeWord(headerValue string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(headerValue)
	if err != nil {
		return headerValue
	}
	return decoded
}

// collector accumulates body candidates and attachments while walking a
// MIME tree. The first HTML part seen wins over the first text part; both
// lose to an explicit attachment disposition.
type collector struct {
	htmlBody    string
	haveHTML    bool
	textBody    string
	haveText    bool
	attachments []model.Attachment
}

func (c *collector) preferredBody() string {
	if c.haveHTML {
		return c.htmlBody
	}
	if c.haveText {
		return c.textBody
	}
	return ""
}

const maxWalkDepth = 16

func (c *collector) walkPart(header textproto.MIMEHeader, body io.Reader, depth int) {
	if depth > maxWalkDepth {
		return
	}

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil {
				// Malformed part boundary: stop walking this group but
				// keep whatever was already collected.
				return
			}
			c.walkPart(part.Header, part, depth+1)
		}
	}

	c.collectLeaf(mediaType, header, body)
}

func (c *collector) collectLeaf(mediaType string, header textproto.MIMEHeader, body io.Reader) {
	disposition, dispParams, _ := mime.ParseMediaType(header.Get("Content-Disposition"))
	ctMediaType, ctParams, ctErr := mime.ParseMediaType(header.Get("Content-Type"))

	filename := dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}
	filename = decodeWord(filename)

	isAttachment := disposition == "attachment" || filename != ""

	decoded, err := decodeBody(header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return
	}

	if isAttachment {
		if filename == "" {
			filename = "attachment"
		}
		contentType := ctMediaType
		if ctErr != nil || ctMediaType == "" {
			contentType = "application/octet-stream"
		}
		c.attachments = append(c.attachments, model.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Size:        len(decoded),
			Content:     base64.StdEncoding.EncodeToString(decoded),
		})
		return
	}

	switch mediaType {
	case "text/html":
		if !c.haveHTML {
			c.htmlBody = string(decoded)
			c.haveHTML = true
		}
	case "text/plain":
		if !c.haveText {
			c.textBody = string(decoded)
			c.haveText = true
		}
	}
}

func decodeBody(transferEncoding string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}
