package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const DefaultMermaidURL = "https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js"

type BrowserConfig struct {
	Headless       bool
	Bin            string
	DebuggerURL    string
	MermaidURL     string
	ViewportWidth  int
	ViewportHeight int
	LoadTimeout    time.Duration
}

const hostDocument = `<!doctype html><html><head><meta charset="utf-8"></head>` +
	`<body><div id="surface"></div></body></html>`

// renderJS parses and renders off-DOM. Errors are returned, never thrown.
// It never writes to the page; commits go through commitJS once the caller
// has confirmed the attempt is still wanted.
const renderJS = `async (code) => {
	try {
		await mermaid.parse(code);
		const id = 'dm' + Math.random().toString(36).slice(2);
		const out = await mermaid.render(id, code);
		const stray = document.getElementById('d' + id);
		if (stray) stray.remove();
		return {ok: true, svg: out.svg};
	} catch (e) {
		return {ok: false, error: String((e && (e.message || e.str)) || e)};
	}
}`

const commitJS = `(svg) => {
	document.getElementById('surface').innerHTML = svg;
	return true;
}`

const failureJS = `(title, message, source) => {
	const root = document.getElementById('surface');
	root.replaceChildren();
	const box = document.createElement('div');
	box.className = 'diagram-failure';
	const h = document.createElement('h3');
	h.textContent = title;
	const p = document.createElement('p');
	p.textContent = message;
	const pre = document.createElement('pre');
	pre.textContent = source;
	box.append(h, p, pre);
	root.append(box);
	return true;
}`

// RodEngine hosts the renderer in headless Chrome. The engine itself is the
// sandbox oracle; NewSurface opens separate live pages.
type RodEngine struct {
	cfg    BrowserConfig
	logger *zap.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	sandbox  *rod.Page
	surfaces map[*RodSurface]struct{}
}

func NewRodEngine(cfg BrowserConfig, logger *zap.Logger) *RodEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.MermaidURL) == "" {
		cfg.MermaidURL = DefaultMermaidURL
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 800
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
	return &RodEngine{cfg: cfg, logger: logger, surfaces: map[*RodSurface]struct{}{}}
}

// Start launches (or connects to) Chrome and prepares the sandbox page.
func (e *RodEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browser != nil {
		return nil
	}

	controlURL := e.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(e.cfg.Headless)
		if e.cfg.Bin != "" {
			l = l.Bin(e.cfg.Bin)
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	page, err := e.openHostPage(browser)
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("sandbox page: %w", err)
	}
	e.browser = browser
	e.sandbox = page
	e.logger.Info("render engine started", zap.String("mermaid_url", e.cfg.MermaidURL))
	return nil
}

func (e *RodEngine) openHostPage(browser *rod.Browser) (*rod.Page, error) {
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             e.cfg.ViewportWidth,
		Height:            e.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		e.logger.Warn("set viewport failed", zap.Error(err))
	}
	p := page.Timeout(e.cfg.LoadTimeout)
	if err := p.SetDocumentContent(hostDocument); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("host document: %w", err)
	}
	if err := p.AddScriptTag(e.cfg.MermaidURL, ""); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("load mermaid: %w", err)
	}
	if _, err := p.Evaluate(&rod.EvalOptions{
		JS: `() => { mermaid.initialize({startOnLoad: false, securityLevel: 'strict'}); return true; }`,
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("init mermaid: %w", err)
	}
	return page, nil
}

// Render is the sandbox oracle: it never touches a visible surface.
func (e *RodEngine) Render(ctx context.Context, code string) (Handle, error) {
	e.mu.Lock()
	page := e.sandbox
	e.mu.Unlock()
	if page == nil {
		return Handle{}, errors.New("render engine not started")
	}
	return evalRender(ctx, page, code)
}

func evalRender(ctx context.Context, page *rod.Page, code string) (Handle, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		ByValue:      true,
		AwaitPromise: true,
		JS:           renderJS,
		JSArgs:       []interface{}{code},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}
		return Handle{}, fmt.Errorf("evaluate render: %w", err)
	}
	if !res.Value.Get("ok").Bool() {
		return Handle{}, &SyntaxError{Message: res.Value.Get("error").Str()}
	}
	return Handle{SVG: res.Value.Get("svg").Str(), RenderedAt: time.Now()}, nil
}

// NewSurface opens a live page.
func (e *RodEngine) NewSurface(ctx context.Context) (*RodSurface, error) {
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	page, err := e.openHostPage(e.browser)
	if err != nil {
		return nil, err
	}
	s := &RodSurface{engine: e, page: page}
	e.surfaces[s] = struct{}{}
	return s, nil
}

// Close shuts down every surface and the browser.
func (e *RodEngine) Close() error {
	e.mu.Lock()
	surfaces := make([]*RodSurface, 0, len(e.surfaces))
	for s := range e.surfaces {
		surfaces = append(surfaces, s)
	}
	e.mu.Unlock()
	for _, s := range surfaces {
		_ = s.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sandbox != nil {
		_ = e.sandbox.Close()
		e.sandbox = nil
	}
	var err error
	if e.browser != nil {
		err = e.browser.Close()
		e.browser = nil
	}
	return err
}

// RodSurface is a live Chrome page showing one diagram.
type RodSurface struct {
	engine *RodEngine

	mu     sync.Mutex
	page   *rod.Page
	closed bool

	// writeMu orders commits and failure artifacts on the page.
	writeMu sync.Mutex
}

// Render draws off-DOM and commits only if ctx is still live afterwards, so a
// render that outlives its caller's deadline never reaches the page.
func (s *RodSurface) Render(ctx context.Context, code string) (Handle, error) {
	s.mu.Lock()
	page, closed := s.page, s.closed
	s.mu.Unlock()
	if closed {
		return Handle{}, errors.New("surface closed")
	}
	h, err := evalRender(ctx, page, code)
	if err != nil {
		return Handle{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if _, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		ByValue: true,
		JS:      commitJS,
		JSArgs:  []interface{}{h.SVG},
	}); err != nil {
		return Handle{}, fmt.Errorf("commit render: %w", err)
	}
	return h, nil
}

func (s *RodSurface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *RodSurface) ShowFailure(ctx context.Context, a FailureArtifact) error {
	s.mu.Lock()
	page, closed := s.page, s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	title := a.Title
	if title == "" {
		title = "Diagram could not be rendered"
	}
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		ByValue: true,
		JS:      failureJS,
		JSArgs:  []interface{}{title, a.FinalError, a.OriginalCode},
	})
	return err
}

// SVG returns the markup currently shown on the surface.
func (s *RodSurface) SVG(ctx context.Context) (string, error) {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		ByValue: true,
		JS:      `() => document.getElementById('surface').innerHTML`,
	})
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (s *RodSurface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	page := s.page
	s.mu.Unlock()

	s.engine.mu.Lock()
	delete(s.engine.surfaces, s)
	s.engine.mu.Unlock()
	return page.Close()
}
