package api

import (
	"github.com/samcharles93/groupq/internal/policy"
	"github.com/samcharles93/groupq/pkg/quant"
)

type PolicyObject struct {
	Object string        `json:"object"`
	Arch   string        `json:"arch"`
	Layers policy.Policy `json:"layers"`
}

type PolicyList struct {
	Object string         `json:"object"`
	Data   []PolicyObject `json:"data"`
}

type MapKeyRequest struct {
	Model string `json:"model"`
}

type MapKeyResponse struct {
	Object string        `json:"object"`
	Key    string        `json:"key"`
	Known  bool          `json:"known"`
	Layers policy.Policy `json:"layers,omitempty"`
}

// EvalRequest asks for the reconstruction error of a random N(0, 1) matrix.
type EvalRequest struct {
	Config quant.Config `json:"config"`
	Rows   int          `json:"rows"`
	Cols   int          `json:"cols"`
	Seed   int64        `json:"seed"`
	DType  string       `json:"dtype,omitempty"`
}

type EvalResponse struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	CreatedAt    int64        `json:"created_at"`
	Config       quant.Config `json:"config"`
	DType        string       `json:"dtype"`
	Shape        []int        `json:"shape"`
	MeanAbsError float64      `json:"mean_abs_error"`
	MaxAbsError  float64      `json:"max_abs_error"`
	PackedBytes  int          `json:"packed_bytes"`
	FloatBytes   int          `json:"float_bytes"`
	Ratio        float64      `json:"ratio"`
}
