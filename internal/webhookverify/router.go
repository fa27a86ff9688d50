package webhookverify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Handler consumes a verified webhook event.
type Handler func(ctx context.Context, provider string, event map[string]interface{}, res *VerifyResult) error

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// DispatchResult reports one routed webhook.
type DispatchResult struct {
	Success      bool                   `json:"success"`
	Provider     string                 `json:"provider"`
	Verification *VerifyResult          `json:"verification,omitempty"`
	Event        map[string]interface{} `json:"event,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	HandlerErrs  []string               `json:"handler_errors,omitempty"`
}

type route struct {
	provider string
	verifier Verifier
}

// Router maps request paths to verifiers and fans verified events out to
// per-provider and global handlers.
type Router struct {
	mu              sync.RWMutex
	routes          map[string]route // path -> route
	handlers        map[string][]Handler
	globalHandlers  []Handler
	middleware      []Middleware
	defaultProvider string
	logger          *log.Logger
	nowFn           func() time.Time
}

func NewRouter() *Router {
	return &Router{
		routes:   make(map[string]route),
		handlers: make(map[string][]Handler),
		logger:   log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		nowFn:    time.Now,
	}
}

// Register binds a path to a provider's verifier.
func (r *Router) Register(path, provider string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[path] = route{provider: provider, verifier: v}
}

// OnEvent adds a handler for one provider's events.
func (r *Router) OnEvent(provider string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[provider] = append(r.handlers[provider], h)
}

// OnAnyEvent adds a handler that runs for every provider, after the
// provider's own handlers.
func (r *Router) OnAnyEvent(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalHandlers = append(r.globalHandlers, h)
}

// Use appends middleware applied to every handler, outermost first.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// SetDefaultProvider names the route used when a path has no registration.
func (r *Router) SetDefaultProvider(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProvider = provider
}

// Dispatch verifies the request for the path's provider and, when valid,
// invokes the provider's handlers followed by the global handlers. A handler
// error is recorded and logged but does not stop later handlers.
func (r *Router) Dispatch(ctx context.Context, path string, req *Request) *DispatchResult {
	start := r.nowFn()

	r.mu.RLock()
	rt, ok := r.routes[path]
	if !ok && r.defaultProvider != "" {
		for _, candidate := range r.routes {
			if candidate.provider == r.defaultProvider {
				rt, ok = candidate, true
				break
			}
		}
	}
	var chain []Handler
	if ok {
		chain = append(chain, r.handlers[rt.provider]...)
		chain = append(chain, r.globalHandlers...)
	}
	mw := r.middleware
	r.mu.RUnlock()

	if !ok {
		return &DispatchResult{
			Success:    false,
			Error:      "no route registered for path " + path,
			ErrorCode:  CodeNoRoute,
			DurationMs: r.nowFn().Sub(start).Milliseconds(),
		}
	}

	res := rt.verifier.Verify(req)
	out := &DispatchResult{
		Provider:     rt.provider,
		Verification: res,
		Event:        res.Event,
	}
	if !res.Valid {
		out.Error = res.Error
		out.ErrorCode = res.ErrorCode
		out.DurationMs = r.nowFn().Sub(start).Milliseconds()
		r.logger.Printf("rejected %s webhook on %s: %s (%s)", rt.provider, path, res.Error, res.ErrorCode)
		return out
	}

	for _, h := range chain {
		if err := r.invoke(ctx, h, mw, rt.provider, res); err != nil {
			out.HandlerErrs = append(out.HandlerErrs, err.Error())
			r.logger.Printf("handler error for %s webhook on %s: %v", rt.provider, path, err)
		}
	}

	out.Success = true
	out.DurationMs = r.nowFn().Sub(start).Milliseconds()
	return out
}

// invoke runs one handler through the middleware chain, converting a panic
// into an error so one handler cannot take down the dispatch.
func (r *Router) invoke(ctx context.Context, h Handler, mw []Middleware, provider string, res *VerifyResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &handlerPanic{value: rec}
		}
	}()
	wrapped := h
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}
	return wrapped(ctx, provider, res.Event, res)
}

type handlerPanic struct {
	value interface{}
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}
