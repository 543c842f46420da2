package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"md2pdf/internal/chrome"
	"md2pdf/internal/cleanup"
	"md2pdf/internal/domain"
	"md2pdf/internal/render"
	"md2pdf/internal/storage"
	u "md2pdf/internal/utils"
)

const (
	mimePDF = "application/pdf"

	convertedFilename = "converted.pdf"
	fixedFilename     = "fixed_output.pdf"
	fixedMarkdown     = "# Hello World\n\nThis is a fixed markdown content."
	welcomeMessage    = "Welcome to Markdown to PDF Converter API"
)

var errPDFTooLarge = errors.New("generated PDF exceeds allowed size")

// Recorder receives conversion outcomes; metrics.Metrics implements it.
type Recorder interface {
	ObserveRender(engine string, d time.Duration, size int)
	Conversion(mode string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRender(string, time.Duration, int) {}
func (nopRecorder) Conversion(string, error)                 {}

// Deps are the collaborators of PDFService.
type Deps struct {
	Config   u.Config
	Renderer render.Renderer
	Store    storage.Store
	Registry *cleanup.Registry
	Recorder Recorder
}

// PDFService validates conversion requests, renders, stores, and shapes the response.
type PDFService struct {
	cfg      u.Config
	renderer render.Renderer
	store    storage.Store
	registry *cleanup.Registry
	recorder Recorder
}

// NewPDFService creates a new PDFService instance.
func NewPDFService(d Deps) *PDFService {
	rec := d.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &PDFService{
		cfg:      d.Config,
		renderer: d.Renderer,
		store:    d.Store,
		registry: d.Registry,
		recorder: rec,
	}
}

// responseMode is the negotiated shape of a successful conversion.
type responseMode int

const (
	modePDF responseMode = iota
	modeURL
)

func (m responseMode) String() string {
	if m == modeURL {
		return "url"
	}
	return "pdf"
}

// negotiate picks the reference form only when the client prefers JSON over
// PDF and URL delivery is enabled. No Accept header means raw PDF.
func negotiate(c *fiber.Ctx, urlMode bool) responseMode {
	if !urlMode || c.Get(fiber.HeaderAccept) == "" {
		return modePDF
	}
	if c.Accepts(mimePDF, fiber.MIMEApplicationJSON) == fiber.MIMEApplicationJSON {
		return modeURL
	}
	return modePDF
}

// HandleConversion is POST /convert (and its aliases).
func (svc *PDFService) HandleConversion(c *fiber.Ctx) error {
	text, err := parseConversionRequest(c, svc.cfg)
	if err != nil {
		return err
	}
	return svc.convertAndRespond(c, text, convertedFilename)
}

// HandleFixedInput renders a fixed document when the body text is "go".
func (svc *PDFService) HandleFixedInput(c *fiber.Ctx) error {
	text, err := decodeTextField(c)
	if err != nil {
		return err
	}
	if strings.ToLower(text) != "go" {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid input. Only 'go' is accepted.")
	}
	return svc.convertAndRespond(c, fixedMarkdown, fixedFilename)
}

// HandleRoot answers GET /.
func (svc *PDFService) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": welcomeMessage})
}

func (svc *PDFService) convertAndRespond(c *fiber.Ctx, text, filename string) error {
	mode := negotiate(c, svc.cfg.Delivery.URLMode)

	doc, pdf, err := svc.Convert(c.UserContext(), text)
	svc.recorder.Conversion(mode.String(), err)
	if err != nil {
		return toHTTPError(err)
	}

	u.Info("PDF generated", "name", doc.Name, "bytes", doc.Size, "mode", mode.String(),
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID))

	switch mode {
	case modeURL:
		return c.JSON(domain.ConversionResponse{
			PDFURL:  svc.documentURL(c, doc),
			Message: domain.SuccessMessage,
		})
	default:
		c.Set(fiber.HeaderContentType, mimePDF)
		c.Set(fiber.HeaderContentDisposition, "attachment; filename="+filename)
		return c.Send(pdf)
	}
}

// Convert renders markdown, stores the PDF under a fresh name and registers it
// for deletion. The returned bytes are the stored document.
func (svc *PDFService) Convert(ctx context.Context, markdown string) (domain.Document, []byte, error) {
	if strings.TrimSpace(markdown) == "" {
		return domain.Document{}, nil, fmt.Errorf("%w: field 'text' must not be empty", domain.ErrValidation)
	}

	renderCtx, cancel := context.WithTimeout(ctx, svc.cfg.RenderTimeout())
	defer cancel()

	start := time.Now()
	pdf, err := svc.renderer.Render(renderCtx, markdown)
	svc.recorder.ObserveRender(svc.renderer.Engine(), time.Since(start), len(pdf))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrRender) {
			return domain.Document{}, nil, err
		}
		return domain.Document{}, nil, fmt.Errorf("%w: %w", domain.ErrRender, err)
	}
	if len(pdf) == 0 {
		return domain.Document{}, nil, fmt.Errorf("%w: engine returned an empty document", domain.ErrRender)
	}
	if len(pdf) > svc.cfg.Limits.MaxPDFBytes {
		return domain.Document{}, nil, errPDFTooLarge
	}

	doc := svc.registry.NewDocument(len(pdf))
	if err := svc.store.Save(ctx, doc.Name, pdf); err != nil {
		if !errors.Is(err, domain.ErrStorage) {
			err = fmt.Errorf("%w: %w", domain.ErrStorage, err)
		}
		return domain.Document{}, nil, err
	}
	svc.registry.Register(doc)
	return doc, pdf, nil
}

func (svc *PDFService) documentURL(c *fiber.Ctx, doc domain.Document) string {
	base := svc.cfg.Server.PublicBaseURL
	if base == "" {
		base = c.BaseURL()
	}
	return base + "/pdfs/" + doc.Name
}

// HandleDownload is GET /pdfs/:name. Unknown and expired names are 404 even if
// the sweep has not removed the file yet.
func (svc *PDFService) HandleDownload(c *fiber.Ctx) error {
	name := c.Params("name")
	if !domain.ValidDocumentName(name) {
		return toHTTPError(fmt.Errorf("%w: %q", domain.ErrNotFound, name))
	}
	if _, ok := svc.registry.Lookup(name); !ok {
		return toHTTPError(fmt.Errorf("%w: %s", domain.ErrNotFound, name))
	}

	rc, size, err := svc.store.Open(c.UserContext(), name)
	if err != nil {
		return toHTTPError(err)
	}
	c.Set(fiber.HeaderContentType, mimePDF)
	c.Set(fiber.HeaderContentDisposition, "inline; filename="+name)
	return c.SendStream(rc, int(size))
}

// HandleChromeStats exposes Chrome pool capacity / idle / in_use.
func (svc *PDFService) HandleChromeStats(c *fiber.Ctx) error {
	r := svc.renderer
	if w, ok := r.(interface{ Unwrap() render.Renderer }); ok {
		r = w.Unwrap()
	}
	sp, ok := r.(interface{ Stats() (chrome.Stats, error) })
	if !ok {
		return c.JSON(chrome.Stats{TimeoutSecs: svc.cfg.PDF.TimeoutSecs})
	}
	stats, err := sp.Stats()
	if err != nil {
		u.Error("Chrome pool init failed", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed")
	}
	return c.JSON(stats)
}

// parseConversionRequest validates the JSON body and returns its text field.
func parseConversionRequest(c *fiber.Ctx, cfg u.Config) (string, error) {
	text, err := decodeTextField(c)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fiber.NewError(fiber.StatusUnprocessableEntity, "field 'text' must not be empty")
	}
	if len(text) > cfg.Limits.MaxMarkdownBytes {
		return "", fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("field 'text' exceeds %d bytes", cfg.Limits.MaxMarkdownBytes))
	}
	return text, nil
}

// decodeTextField extracts the required string field "text" from a JSON
// object body. The value itself is not checked.
func decodeTextField(c *fiber.Ctx) (string, error) {
	body := bytes.TrimSpace(c.Body())
	if len(body) == 0 {
		return "", fiber.NewError(fiber.StatusBadRequest, "Request body must be a JSON object")
	}

	var req domain.ConversionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "text" {
			return "", fiber.NewError(fiber.StatusUnprocessableEntity, "field 'text' must be a string")
		}
		if errors.As(err, &typeErr) {
			return "", fiber.NewError(fiber.StatusBadRequest, "Request body must be a JSON object")
		}
		return "", fiber.NewError(fiber.StatusBadRequest, "Malformed JSON body")
	}
	if req.Text == nil {
		return "", fiber.NewError(fiber.StatusUnprocessableEntity, "field 'text' is required")
	}
	return *req.Text, nil
}

// toHTTPError maps the domain error taxonomy to a status and a message that
// does not leak internals.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusUnprocessableEntity,
			strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "PDF not found or expired")
	case errors.Is(err, errPDFTooLarge):
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PDF exceeds allowed size")
	case errors.Is(err, context.DeadlineExceeded):
		u.Error("PDF generation timeout", "error", err)
		return fiber.NewError(fiber.StatusGatewayTimeout, "PDF rendering took too long")
	case errors.Is(err, domain.ErrStorage):
		u.Error("PDF storage failed", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to store generated PDF")
	case chrome.IsSessionInterrupted(err):
		u.Error("Chrome session interrupted", "error", err)
		return fiber.NewError(fiber.StatusServiceUnavailable, "Rendering engine unavailable")
	default:
		u.Error("PDF generation failed", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "PDF generation failed")
	}
}
