package imapsync

import (
	"bytes"
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
)

const maxPartSize = 10 * 1024 * 1024

func init() {
	// Hand charset decoding to decodeCharset ourselves instead of letting
	// go-message guess, so mislabeled encodings get the same auto-detect
	// fallback for every part.
	gomessage.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) {
		return r, nil
	}
}

// parsedBody holds the plain-text and HTML bodies extracted from a raw
// RFC822 message. Attachments are out of scope for this downloader.
type parsedBody struct {
	BodyText string
	BodyHTML string
}

// parseBody walks a raw RFC822 message's MIME tree and extracts its
// text/plain and text/html parts, decoding each to UTF-8.
func parseBody(raw []byte) parsedBody {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return parsedBody{BodyText: string(raw)}
	}

	var result parsedBody
	if mr := entity.MultipartReader(); mr != nil {
		walkMultipart(mr, &result)
	} else {
		walkSinglePart(entity, &result)
	}
	return result
}

func walkMultipart(mr gomessage.MultipartReader, result *parsedBody) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}

		contentType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if disposition == "attachment" {
			continue
		}
		if strings.HasPrefix(contentType, "multipart/") {
			if nested := part.MultipartReader(); nested != nil {
				walkMultipart(nested, result)
			}
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		applyPart(contentType, params["charset"], body, result)
	}
}

func walkSinglePart(entity *gomessage.Entity, result *parsedBody) {
	contentType, params, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	body, err := io.ReadAll(io.LimitReader(entity.Body, maxPartSize))
	if err != nil && len(body) == 0 {
		return
	}
	applyPart(contentType, params["charset"], body, result)
}

func applyPart(contentType, declaredCharset string, body []byte, result *parsedBody) {
	cs := declaredCharset
	if cs == "" && contentType == "text/html" {
		cs = extractCharsetFromHTML(body)
	}
	decoded := decodeCharset(body, cs)

	switch contentType {
	case "text/html":
		if result.BodyHTML == "" {
			result.BodyHTML = decoded
		}
	case "text/plain", "":
		if result.BodyText == "" {
			result.BodyText = decoded
		}
	}
}
