package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Document is a generated PDF that lives in the transient store for the
// retention window.
type Document struct {
	ID        string
	Name      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Size      int
}

// ConversionRequest is the JSON body accepted by the convert endpoints.
type ConversionRequest struct {
	Text *string `json:"text"`
}

// ConversionResponse is the reference form of a conversion result.
type ConversionResponse struct {
	PDFURL  string `json:"pdf_url"`
	Message string `json:"message"`
}

// SuccessMessage is returned alongside pdf_url.
const SuccessMessage = "PDF generated successfully"

var documentNameRe = regexp.MustCompile(`^doc_\d{8}_\d{6}_[0-9a-v]{20}\.pdf$`)

// NewDocument names a document created at now. The xid suffix keeps names
// unique across concurrent requests and process restarts.
func NewDocument(now time.Time, retention time.Duration, size int) Document {
	id := xid.NewWithTime(now).String()
	return Document{
		ID:        id,
		Name:      "doc_" + now.Format("20060102_150405") + "_" + id + ".pdf",
		CreatedAt: now,
		ExpiresAt: now.Add(retention),
		Size:      size,
	}
}

// ValidDocumentName reports whether name could have been produced by NewDocument.
// Anything else (path separators, dot segments) is rejected before touching storage.
func ValidDocumentName(name string) bool {
	return !strings.ContainsAny(name, `/\`) && documentNameRe.MatchString(name)
}
