package gin

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/subsync/pkg/billing/stripe"
)

// echoHandler writes back the raw body and signature header it received.
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Signature", r.Header.Get(stripe.SignatureHeader))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func TestRegister_PassesRawBody(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	Register(r, Config{Handler: echoHandler()})

	payload := "{\n  \"id\": \"evt_1\",   \"type\": \"x\"\n}"
	req := httptest.NewRequest(http.MethodPost, stripe.WebhookPath, strings.NewReader(payload))
	req.Header.Set(stripe.SignatureHeader, "t=1,v1=abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, w.Body.String())
	assert.Equal(t, "t=1,v1=abc", w.Header().Get("X-Signature"))
}

func TestRegister_CustomPath(t *testing.T) {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	Register(r.Group("/billing"), Config{Handler: echoHandler(), Path: "/stripe"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/billing/stripe", strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/billing/stripe", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
