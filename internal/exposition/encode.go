// Package exposition renders gathered metric families in the Prometheus text
// exposition format.
package exposition

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
)

// ContentType is the Content-Type of every successful telemetry response.
const ContentType = "text/plain; version=0.0.4"

const component = "exposition"

// Encode writes each family as a HELP line, a TYPE line and one line per
// series. The whole body is buffered so a failure never leaves a partial
// response behind.
func Encode(families []*dto.MetricFamily) ([]byte, error) {
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, errors.New(errors.ErrEncoding, component,
				fmt.Errorf("encoding family %q: %w", mf.GetName(), err))
		}
	}

	out := buf.Bytes()
	if !utf8.Valid(out) {
		return nil, errors.New(errors.ErrEncoding, component, fmt.Errorf("output is not valid UTF-8"))
	}
	return out, nil
}
