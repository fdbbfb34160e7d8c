package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	NewServer(1 << 16).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[struct {
		Error ErrorBody `json:"error"`
	}](t, rec).Error.Type
}

func TestListPolicies(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestEcho(), http.MethodGet, "/v1/policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[PolicyList](t, rec)
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 106)
	assert.Equal(t, "albert", list.Data[0].Arch)
}

func TestGetPolicy(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodGet, "/v1/policies/opt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[PolicyObject](t, rec)
	assert.Equal(t, []string{"self_attn.out_proj", ".fc2"}, p.Layers["OPTDecoderLayer"])

	rec = doJSON(t, e, http.MethodGet, "/v1/policies/llama", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", errorType(t, rec))
}

func TestMapKey(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	rec := doJSON(t, e, http.MethodPost, "/v1/policies/map-key", `{"model":"transformers.models.t5.modeling_t5.T5Stack"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[MapKeyResponse](t, rec)
	assert.Equal(t, "t5", resp.Key)
	assert.True(t, resp.Known)
	assert.Contains(t, resp.Layers, "T5Block")

	rec = doJSON(t, e, http.MethodPost, "/v1/policies/map-key", `{"model":"LlamaModel"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[MapKeyResponse](t, rec)
	assert.Equal(t, "llama", resp.Key)
	assert.False(t, resp.Known)

	rec = doJSON(t, e, http.MethodPost, "/v1/policies/map-key", `{"model":"OPTDecoder"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", errorType(t, rec))

	rec = doJSON(t, e, http.MethodPost, "/v1/policies/map-key", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEval(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	body := `{"config":{"num_bits":4,"group_size":64,"group_dim":1},"rows":64,"cols":256,"seed":7}`
	rec := doJSON(t, e, http.MethodPost, "/v1/quantize/eval", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[EvalResponse](t, rec)
	assert.True(t, strings.HasPrefix(resp.ID, "eval_"))
	assert.Equal(t, "F32", resp.DType)
	assert.Equal(t, []int{64, 256}, resp.Shape)
	assert.Less(t, resp.MeanAbsError, 0.15)
	assert.Less(t, resp.MaxAbsError, 0.5)
	assert.Equal(t, 64*256*4, resp.FloatBytes)
	assert.Equal(t, 64*256/2+64*4*8, resp.PackedBytes)

	again := decodeBody[EvalResponse](t, doJSON(t, e, http.MethodPost, "/v1/quantize/eval", body))
	assert.Equal(t, resp.MeanAbsError, again.MeanAbsError, "same seed, same error")
	assert.NotEqual(t, resp.ID, again.ID)
}

func TestEvalRejectsBadRequests(t *testing.T) {
	t.Parallel()

	e := newTestEcho()
	for name, body := range map[string]string{
		"bits":      `{"config":{"num_bits":3,"group_size":64},"rows":4,"cols":64}`,
		"shape":     `{"config":{"num_bits":4,"group_size":64,"group_dim":1},"rows":4,"cols":96}`,
		"empty":     `{"config":{"num_bits":4,"group_size":64},"rows":0,"cols":64}`,
		"too large": `{"config":{"num_bits":4,"group_size":64},"rows":4096,"cols":4096}`,
		"dtype":     `{"config":{"num_bits":4,"group_size":64},"rows":64,"cols":64,"dtype":"f8"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/quantize/eval", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request_error", errorType(t, rec))
		})
	}
}
