package receiver

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/openconfig/goyang/pkg/indent"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/common/bencherrors"
)

// Report summarises a completed run.
type Report struct {
	RunId      string     `json:"runId"`
	Transport  string     `json:"transport"`
	RampUp     int64      `json:"rampUp"`
	SampleSize int64      `json:"sampleSize"`
	StopReason StopReason `json:"stopReason"`
	// Sequence number of the delivery that stopped the run.
	StopReceived int64 `json:"stopReceived"`
	// All deliveries counted by the time the report was generated, warm-up and stragglers included.
	Received int64 `json:"received"`
	// Deliveries after the warm-up boundary up to and including the stopping one.
	MeasuredCount  int64         `json:"measuredCount"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds float64       `json:"elapsedSeconds"`
	Failures       int64         `json:"failures"`
	ValidCount     int64         `json:"validCount"`
	// Messages per second over the measured window; 0 if no time elapsed.
	Throughput        float64      `json:"throughput"`
	TotalBytes        int64        `json:"totalBytes"`
	PayloadConsistent bool         `json:"payloadConsistent"`
	DataPoints        []*DataPoint `json:"dataPoints"`
}

// ReportGenerator builds the report of a stopped run. It only reads state.
type ReportGenerator struct {
	rampUp          int64
	sampleSize      int64
	expectedPayload string
}

func NewReportGenerator(rampUp, sampleSize int64, expectedPayload string) *ReportGenerator {
	return &ReportGenerator{
		rampUp:          rampUp,
		sampleSize:      sampleSize,
		expectedPayload: expectedPayload,
	}
}

func (g *ReportGenerator) Generate(
	stopReceived int64,
	reason StopReason,
	received int64,
	failures int64,
	elapsed time.Duration,
	points []*DataPoint,
) *Report {
	measured := stopReceived - g.rampUp
	if measured < 0 {
		measured = 0
	}
	valid := measured - failures
	if valid < 0 {
		valid = 0
	}
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(measured) / elapsed.Seconds()
	}

	var totalBytes int64
	consistent := true
	for _, p := range points {
		totalBytes += p.Size
		if !message.PayloadMatches(p.SampleMessage, g.expectedPayload) {
			consistent = false
		}
	}

	return &Report{
		RampUp:            g.rampUp,
		SampleSize:        g.sampleSize,
		StopReason:        reason,
		StopReceived:      stopReceived,
		Received:          received,
		MeasuredCount:     measured,
		Elapsed:           elapsed,
		ElapsedSeconds:    elapsed.Seconds(),
		Failures:          failures,
		ValidCount:        valid,
		Throughput:        throughput,
		TotalBytes:        totalBytes,
		PayloadConsistent: consistent,
		DataPoints:        points,
	}
}

// Spaces rather than tabs, which the tabwriter would treat as cell separators.
const reportIndent = "  "

// Print writes the human readable summary.
func (r *Report) Print(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "\nPerformance Test Done\n")
	fmt.Fprintf(w, "=====================\n\n")
	fmt.Fprintf(w, "Run:\t%s (%s)\n", r.RunId, r.Transport)
	fmt.Fprintf(w, "Total messages received:\t%d\n", r.MeasuredCount)
	fmt.Fprintf(w, "Time taken:\t%s\n", r.Elapsed)
	fmt.Fprintf(w, "Stopped by:\t%s at message %d\n\n", r.StopReason, r.StopReceived)
	fmt.Fprintf(w, "of which:\n")
	fmt.Fprint(w, indent.String(reportIndent, fmt.Sprintf(
		"Corrupt messages count:\t%d\nValid messages count:\t%d\n",
		r.Failures, r.ValidCount,
	)))
	fmt.Fprintf(w, "\nmetrics:\n")
	fmt.Fprint(w, indent.String(reportIndent, fmt.Sprintf(
		"Messages per second:\t%.2f\nTotal bytes transferred:\t%d\nAll samples' data equal:\t%t\n",
		r.Throughput, r.TotalBytes, r.PayloadConsistent,
	)))
	return w.Flush()
}

// Formatter serialises a report for machine consumption.
type Formatter func(report *Report) ([]byte, error)

func YamlFormatter(report *Report) ([]byte, error) {
	data, err := yaml.Marshal(report)
	return data, errors.WithStack(err)
}

func JsonFormatter(report *Report) ([]byte, error) {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	return data, errors.WithStack(err)
}

// FormatterFor returns the formatter registered under name ("yaml" or "json").
func FormatterFor(name string) (Formatter, error) {
	switch strings.ToLower(name) {
	case "yaml", "yml":
		return YamlFormatter, nil
	case "json":
		return JsonFormatter, nil
	default:
		return nil, errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "reportFormat",
			Value:   name,
			Message: "supported formats are yaml and json",
		})
	}
}
