package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"md2pdf/internal/cleanup"
	"md2pdf/internal/domain"
	"md2pdf/internal/storage"
	u "md2pdf/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakePDF = "%PDF-1.4\n% fake\n"

type fakeRenderer struct {
	mu    sync.Mutex
	out   []byte
	err   error
	delay time.Duration
	last  string
}

func (r *fakeRenderer) Render(ctx context.Context, md string) ([]byte, error) {
	r.mu.Lock()
	r.last = md
	out, err, delay := r.out, r.err, r.delay
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte(fakePDF)
	}
	return out, nil
}

func (r *fakeRenderer) Engine() string { return "fake" }
func (r *fakeRenderer) Close() error   { return nil }

type failingStore struct{ storage.Store }

func (failingStore) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}

type testEnv struct {
	app      *fiber.App
	cfg      u.Config
	renderer *fakeRenderer
	store    *storage.LocalStore
	registry *cleanup.Registry
	now      time.Time
	mu       sync.Mutex
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newTestEnv(t *testing.T, mutate func(*u.Config)) *testEnv {
	t.Helper()
	cfg := u.DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	cfg.PDF.TimeoutSecs = 2
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	store, err := storage.NewLocalStore(cfg.Storage.Dir)
	require.NoError(t, err)

	env := &testEnv{
		cfg:      cfg,
		renderer: &fakeRenderer{},
		store:    store,
		registry: cleanup.NewRegistry(cfg.Cleanup.Retention),
		now:      time.Now(),
	}
	env.registry.SetClock(env.clock)
	env.app = env.newApp(store)
	return env
}

func (e *testEnv) newApp(store storage.Store) *fiber.App {
	svc := NewPDFService(Deps{
		Config:   e.cfg,
		Renderer: e.renderer,
		Store:    store,
		Registry: e.registry,
	})
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code, msg = fe.Code, fe.Message
			}
			return c.Status(code).JSON(fiber.Map{"error": fiber.Map{"code": code, "message": msg}})
		},
	})
	app.Get("/", svc.HandleRoot)
	app.Post("/convert", svc.HandleConversion)
	app.Post("/fixed-input", svc.HandleFixedInput)
	app.Get("/pdfs/:name", svc.HandleDownload)
	app.Get("/chrome/stats", svc.HandleChromeStats)
	return app
}

func post(t *testing.T, app *fiber.App, path, body, accept string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, resp.StatusCode, body.Error.Code)
	return body.Error.Message
}

func TestConvertReturnsPDFByDefault(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, accept := range []string{"", "application/pdf", "*/*", "application/pdf, application/json;q=0.5"} {
		resp := post(t, env.app, "/convert", `{"text":"# Hello"}`, accept)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, accept)
		assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"), accept)
		assert.Equal(t, "attachment; filename=converted.pdf", resp.Header.Get("Content-Disposition"), accept)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, fakePDF, string(body), accept)
	}
	assert.Equal(t, "# Hello", env.renderer.last)

	// Direct mode still stores and registers the document.
	assert.Equal(t, 4, env.registry.Len())
	objs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, objs, 4)
}

func TestConvertReturnsURLWhenJSONPreferred(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := post(t, env.app, "/convert", `{"text":"# Hello"}`, "application/json")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var out domain.ConversionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "PDF generated successfully", out.Message)
	assert.True(t, strings.HasPrefix(out.PDFURL, "http://example.com/pdfs/doc_"), out.PDFURL)

	// The URL resolves to the same bytes until expiry.
	path := strings.TrimPrefix(out.PDFURL, "http://example.com")
	dl, err := env.app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/pdf", dl.Header.Get("Content-Type"))
	body, _ := io.ReadAll(dl.Body)
	assert.Equal(t, fakePDF, string(body))
}

func TestConvertJSONPreferenceByQuality(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "application/pdf;q=0.4, application/json")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestConvertUsesPublicBaseURL(t *testing.T) {
	env := newTestEnv(t, func(cfg *u.Config) {
		cfg.Server.PublicBaseURL = "https://pdf.example.org/"
	})

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "application/json")
	var out domain.ConversionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out.PDFURL, "https://pdf.example.org/pdfs/doc_"), out.PDFURL)
}

func TestConvertBinaryOnlyWhenURLModeDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *u.Config) {
		cfg.Delivery.URLMode = false
	})

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "application/json")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
}

func TestConvertValidation(t *testing.T) {
	env := newTestEnv(t, func(cfg *u.Config) {
		cfg.Limits.MaxMarkdownBytes = 16
	})

	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"empty body", ``, fiber.StatusBadRequest, "Request body must be a JSON object"},
		{"malformed", `{"text":`, fiber.StatusBadRequest, "Malformed JSON body"},
		{"not an object", `["x"]`, fiber.StatusBadRequest, "Request body must be a JSON object"},
		{"missing text", `{}`, fiber.StatusUnprocessableEntity, "field 'text' is required"},
		{"null text", `{"text":null}`, fiber.StatusUnprocessableEntity, "field 'text' is required"},
		{"number text", `{"text":42}`, fiber.StatusUnprocessableEntity, "field 'text' must be a string"},
		{"empty text", `{"text":""}`, fiber.StatusUnprocessableEntity, "field 'text' must not be empty"},
		{"blank text", `{"text":"  \n\t"}`, fiber.StatusUnprocessableEntity, "field 'text' must not be empty"},
		{"too large", `{"text":"` + strings.Repeat("x", 17) + `"}`, fiber.StatusRequestEntityTooLarge, "field 'text' exceeds 16 bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, env.app, "/convert", tc.body, "")
			require.Equal(t, tc.code, resp.StatusCode)
			assert.Equal(t, tc.msg, errorMessage(t, resp))
		})
	}
	assert.Equal(t, 0, env.registry.Len())
}

func TestConvertRenderFailureIs500(t *testing.T) {
	env := newTestEnv(t, nil)
	env.renderer.err = errors.New("chrome crashed: secret detail")

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "")
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	msg := errorMessage(t, resp)
	assert.Equal(t, "PDF generation failed", msg)
	assert.NotContains(t, msg, "secret")
	assert.Equal(t, 0, env.registry.Len())
}

func TestConvertEmptyOutputIs500(t *testing.T) {
	env := newTestEnv(t, nil)
	env.renderer.out = []byte{}

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "")
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestConvertTimeoutIs504(t *testing.T) {
	env := newTestEnv(t, func(cfg *u.Config) {
		cfg.PDF.TimeoutSecs = 1
	})
	env.renderer.delay = 5 * time.Second

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "")
	assert.Equal(t, fiber.StatusGatewayTimeout, resp.StatusCode)
}

func TestConvertOversizePDFIs413(t *testing.T) {
	env := newTestEnv(t, func(cfg *u.Config) {
		cfg.Limits.MaxPDFBytes = 8
	})

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "")
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestConvertStorageFailureIs500(t *testing.T) {
	env := newTestEnv(t, nil)
	app := env.newApp(failingStore{Store: env.store})

	resp := post(t, app, "/convert", `{"text":"x"}`, "application/json")
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to store generated PDF", errorMessage(t, resp))
	assert.Equal(t, 0, env.registry.Len())
}

func TestDownloadExpiresAfterRetention(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := post(t, env.app, "/convert", `{"text":"x"}`, "application/json")
	var out domain.ConversionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	path := strings.TrimPrefix(out.PDFURL, "http://example.com")

	env.advance(59 * time.Minute)
	dl, err := env.app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, dl.StatusCode)

	// Expired but not yet swept: still 404.
	env.advance(2 * time.Minute)
	dl, err = env.app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, dl.StatusCode)

	sched := cleanup.NewScheduler(env.registry, env.store, time.Minute, nil)
	assert.Equal(t, 1, sched.Sweep(context.Background()))
	objs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestDownloadUnknownOrInvalidNames(t *testing.T) {
	env := newTestEnv(t, nil)
	valid := domain.NewDocument(time.Now(), time.Hour, 0).Name

	for _, path := range []string{"/pdfs/" + valid, "/pdfs/converted.pdf", "/pdfs/..%2Fsecret.pdf"} {
		resp, err := env.app.Test(httptest.NewRequest("GET", path, nil), -1)
		require.NoError(t, err, path)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, path)
	}
}

func TestDownloadRegisteredButMissingFile(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.registry.NewDocument(1)
	env.registry.Register(doc)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/pdfs/"+doc.Name, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestFixedInput(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := post(t, env.app, "/fixed-input", `{"text":"GO"}`, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "attachment; filename=fixed_output.pdf", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "# Hello World\n\nThis is a fixed markdown content.", env.renderer.last)

	rejected := []struct {
		name string
		body string
	}{
		{"other language", `{"text":"rust"}`},
		{"surrounding spaces", `{"text":" go "}`},
		{"empty text", `{"text":""}`},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, env.app, "/fixed-input", tc.body, "")
			require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Invalid input. Only 'go' is accepted.", errorMessage(t, resp))
		})
	}

	resp = post(t, env.app, "/fixed-input", `{}`, "")
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRootAndChromeStats(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.app.Test(httptest.NewRequest("GET", "/", nil), -1)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Welcome to Markdown to PDF Converter API", body["message"])

	resp, err = env.app.Test(httptest.NewRequest("GET", "/chrome/stats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestConcurrentConversionsGetDistinctNames(t *testing.T) {
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	urls := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest("POST", "/convert", strings.NewReader(`{"text":"x"}`))
			req.Header.Set("Accept", "application/json")
			resp, err := env.app.Test(req, -1)
			if err != nil {
				return
			}
			var out domain.ConversionResponse
			if json.NewDecoder(resp.Body).Decode(&out) == nil {
				urls <- out.PDFURL
			}
		}()
	}
	wg.Wait()
	close(urls)

	seen := make(map[string]bool)
	for url := range urls {
		assert.False(t, seen[url], url)
		seen[url] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 20, env.registry.Len())
}

func TestConvertRejectsBlankMarkdown(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := NewPDFService(Deps{Config: env.cfg, Renderer: env.renderer, Store: env.store, Registry: env.registry})

	_, _, err := svc.Convert(context.Background(), " \n")
	require.ErrorIs(t, err, domain.ErrValidation)

	var fe *fiber.Error
	require.ErrorAs(t, toHTTPError(err), &fe)
	assert.Equal(t, fiber.StatusUnprocessableEntity, fe.Code)
	assert.Equal(t, "field 'text' must not be empty", fe.Message)
}
