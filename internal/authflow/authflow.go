// Package authflow obtains a fresh delegated-access credential through
// the interactive browser consent flow: a local callback listener plus a
// browser redirect. It never persists anything; the caller saves the
// result through credstore.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mailpilot/mailpilot/internal/credstore"
)

// Scopes requested during consent: read and mutate messages, send
// replies and forwards.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.send",
}

// ErrUserDeclined is returned when the user rejects the consent screen.
var ErrUserDeclined = errors.New("authflow: user declined consent")

// ErrFlowTimeout is returned when no callback arrives within the
// configured timeout.
var ErrFlowTimeout = errors.New("authflow: timed out waiting for consent")

// DefaultTimeout bounds the consent wait. Finite, never infinite.
const DefaultTimeout = 3 * time.Minute

const callbackPath = "/callback"

// Opener launches the user's browser at the given URL.
type Opener func(url string) error

// Flow runs the interactive consent protocol.
type Flow struct {
	config  *oauth2.Config
	opener  Opener
	logger  *slog.Logger
	addr    string
	timeout time.Duration
}

// Option configures a Flow.
type Option func(*Flow)

// WithOpener replaces the browser opener; tests use this to drive the
// callback themselves.
func WithOpener(o Opener) Option {
	return func(f *Flow) { f.opener = o }
}

// WithTimeout overrides the consent wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Flow) { f.timeout = d }
}

// WithListenAddr overrides the callback listen address. Use a ":0" port
// to let the kernel pick one.
func WithListenAddr(addr string) Option {
	return func(f *Flow) { f.addr = addr }
}

// WithLogger sets the flow's logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// New builds a flow from an OAuth client configuration.
func New(config *oauth2.Config, opts ...Option) *Flow {
	f := &Flow{
		config:  config,
		opener:  openBrowser,
		logger:  slog.Default(),
		addr:    "localhost:8089",
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the OAuth client configuration the flow was built
// with, for callers that also need to mint refreshed tokens.
func (f *Flow) Config() *oauth2.Config {
	return f.config
}

// NewFromSecretsFile builds a flow from a client secrets JSON file. The
// file is provided by the user and read-only to this system.
func NewFromSecretsFile(path string, opts ...Option) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	return New(config, opts...), nil
}

// callbackResult carries the outcome of one callback hit.
type callbackResult struct {
	code string
	err  error
}

// Obtain runs the consent flow and returns the new credential. It does
// not persist the result.
func (f *Flow) Obtain(ctx context.Context) (*credstore.Credential, error) {
	state, err := randomState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("listen for callback: %w", err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, callbackHandler(state, results))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != http.ErrServerClosed {
			results <- callbackResult{err: err}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Bind the redirect URL to the actual listen address so a ":0" port
	// still round-trips.
	cfg := *f.config
	cfg.RedirectURL = fmt.Sprintf("http://%s%s", ln.Addr().String(), callbackPath)

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	f.logger.Info("waiting for consent", "url", authURL)
	if err := f.opener(authURL); err != nil {
		f.logger.Warn("failed to open browser", "error", err)
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		token, err := cfg.Exchange(ctx, res.code)
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return &credstore.Credential{Token: *token, Scopes: cfg.Scopes}, nil
	case <-timer.C:
		return nil, ErrFlowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callbackHandler validates the CSRF state and extracts the
// authorization code from the provider redirect.
func callbackHandler(expectedState string, results chan<- callbackResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			results <- callbackResult{err: errors.New("state mismatch: possible CSRF attack")}
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if errCode := q.Get("error"); errCode != "" {
			if errCode == "access_denied" {
				results <- callbackResult{err: ErrUserDeclined}
			} else {
				results <- callbackResult{err: fmt.Errorf("authorization error: %s", errCode)}
			}
			fmt.Fprintf(w, "Authorization failed: %s. You can close this window.", errCode)
			return
		}
		code := q.Get("code")
		if code == "" {
			results <- callbackResult{err: errors.New("no authorization code in callback")}
			http.Error(w, "no authorization code received", http.StatusBadRequest)
			return
		}
		results <- callbackResult{code: code}
		fmt.Fprint(w, "Authorization successful! You can close this window.")
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// openBrowser opens the default browser at the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
