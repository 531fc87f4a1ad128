package serverutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRequest struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0,lte=3"`
}

func echo() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom[pingRequest](r.Context())
		if !ok {
			WriteError(rw, http.StatusInternalServerError, errors.New("no request"))
			return
		}
		WriteJSON(rw, http.StatusOK, req)
	})
}

func TestValidationHandler(t *testing.T) {
	noBob := func(r pingRequest) error {
		if r.Name == "bob" {
			return fmt.Errorf("bob is not allowed")
		}
		return nil
	}
	h := NewValidationHandler[pingRequest](echo(), noBob)

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"valid", `{"name":"alice","count":2}`, http.StatusOK, `"name":"alice"`},
		{"malformed", `{"name":`, http.StatusBadRequest, "invalid request"},
		{"unknown field", `{"name":"alice","extra":1}`, http.StatusBadRequest, "unknown field"},
		{"missing name", `{"count":1}`, http.StatusBadRequest, "Name"},
		{"count too large", `{"name":"alice","count":9}`, http.StatusBadRequest, "Count"},
		{"custom check", `{"name":"bob"}`, http.StatusBadRequest, "bob is not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultServerConfig()
	cfg.ShutdownTimeout = time.Second
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(rw, "ok")
		}), cfg)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body) == "ok"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServerBadAddr(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Addr = "256.0.0.1:bad"
	assert.Error(t, RunServer(context.Background(), http.NotFoundHandler(), cfg))
}
