// Package api serves the policy table and quantization error estimates over
// HTTP.
package api

import (
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/internal/policy"
	"github.com/samcharles93/groupq/pkg/quant"
)

// DefaultMaxElements caps the matrix size of a single eval request.
const DefaultMaxElements = 1 << 22

type Server struct {
	maxElements int
	clock       func() time.Time
}

func NewServer(maxElements int) *Server {
	if maxElements <= 0 {
		maxElements = DefaultMaxElements
	}
	return &Server{
		maxElements: maxElements,
		clock:       time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/policies", s.handleListPolicies)
	e.GET("/v1/policies/:arch", s.handleGetPolicy)
	e.POST("/v1/policies/map-key", s.handleMapKey)
	e.POST("/v1/quantize/eval", s.handleEval)
}

func (s *Server) handleListPolicies(c *echo.Context) error {
	all := policy.All()
	resp := PolicyList{Object: "list", Data: make([]PolicyObject, 0, len(all))}
	for _, key := range policy.Keys() {
		resp.Data = append(resp.Data, PolicyObject{Object: "policy", Arch: key, Layers: all[key]})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetPolicy(c *echo.Context) error {
	arch := c.Param("arch")
	p, err := policy.Lookup(arch)
	if err != nil {
		return writeNotFound(c, "no policy for architecture "+arch)
	}
	return c.JSON(http.StatusOK, PolicyObject{Object: "policy", Arch: arch, Layers: p})
}

func (s *Server) handleMapKey(c *echo.Context) error {
	req, err := decodeJSON[MapKeyRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	key, p, err := policy.LookupName(req.Model)
	switch {
	case errors.Is(err, policy.ErrNoMapKey):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "model")
	case errors.Is(err, policy.ErrUnknownArch):
		return c.JSON(http.StatusOK, MapKeyResponse{Object: "map_key", Key: key})
	case err != nil:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	return c.JSON(http.StatusOK, MapKeyResponse{Object: "map_key", Key: key, Known: true, Layers: p})
}

func (s *Server) handleEval(c *echo.Context) error {
	req, err := decodeJSON[EvalRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	dtype, values, err := s.evalInput(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	shape := []int{req.Rows, req.Cols}
	qt, st, err := quant.RoundTrip(values, shape, req.Config, dtype)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	floatBytes := len(values) * dtype.Size()
	resp := EvalResponse{
		ID:           "eval_" + uuid.NewString(),
		Object:       "quantize.eval",
		CreatedAt:    s.clock().Unix(),
		Config:       req.Config,
		DType:        dtype.String(),
		Shape:        shape,
		MeanAbsError: st.MeanAbs,
		MaxAbsError:  st.MaxAbs,
		PackedBytes:  qt.PayloadBytes(),
		FloatBytes:   floatBytes,
		Ratio:        float64(qt.PayloadBytes()) / float64(floatBytes),
	}
	logger.FromContext(c.Request().Context()).Debug("eval",
		"id", resp.ID, "config", req.Config.String(), "shape", shape, "mean_abs_error", st.MeanAbs)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) evalInput(req EvalRequest) (quant.DType, []float32, error) {
	dtype := quant.F32
	if req.DType != "" {
		d, err := quant.ParseDType(req.DType)
		if err != nil {
			return 0, nil, err
		}
		dtype = d
	}
	if req.Rows <= 0 || req.Cols <= 0 {
		return 0, nil, newInvalidRequest("rows and cols must be positive")
	}
	if req.Rows > s.maxElements/req.Cols {
		return 0, nil, newInvalidRequest("matrix exceeds the server element limit")
	}
	if err := req.Config.CheckShape([]int{req.Rows, req.Cols}); err != nil {
		return 0, nil, err
	}
	rng := rand.New(rand.NewSource(req.Seed))
	values := make([]float32, req.Rows*req.Cols)
	for i := range values {
		values[i] = float32(rng.NormFloat64())
	}
	return dtype, values, nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
