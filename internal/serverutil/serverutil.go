// Package serverutil runs HTTP servers with graceful shutdown and validates
// JSON request bodies.
package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          lg.Logger
}

// DefaultServerConfig provides default server configuration values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8081",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          lg.Discard,
	}
}

// RunServer serves handler until ctx is done, then shuts down gracefully.
// Signal handling is left to the caller's context.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig) error {
	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", config.Addr, err)
	}
	return Serve(ctx, ln, handler, config)
}

// Serve is RunServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, config ServerConfig) error {
	logger := config.Logger
	if logger == nil {
		logger = lg.Discard
	}
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("Server starting", lg.String("addr", ln.Addr().String()))
		errC <- server.Serve(ln)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

type requestKey struct{}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationHandler decodes a JSON body into T, validates it with struct tags
// and the optional check, then passes it to next via the request context.
type ValidationHandler[T any] struct {
	next  http.Handler
	check func(T) error
}

func NewValidationHandler[T any](next http.Handler, check ...func(T) error) http.Handler {
	h := &ValidationHandler[T]{next: next}
	if len(check) > 0 {
		h.check = check[0]
	}
	return h
}

func (h *ValidationHandler[T]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var request T
	decoder := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		WriteError(rw, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := validate.Struct(request); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			WriteError(rw, http.StatusBadRequest, err)
			return
		}
	}
	if h.check != nil {
		if err := h.check(request); err != nil {
			WriteError(rw, http.StatusBadRequest, err)
			return
		}
	}

	ctx := context.WithValue(r.Context(), requestKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}

// RequestFrom returns the request decoded by ValidationHandler.
func RequestFrom[T any](ctx context.Context) (T, bool) {
	v, ok := ctx.Value(requestKey{}).(T)
	return v, ok
}

// WriteJSON writes v with status code.
func WriteJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func WriteError(rw http.ResponseWriter, code int, err error) {
	WriteJSON(rw, code, map[string]string{"error": err.Error()})
}
