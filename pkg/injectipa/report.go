package injectipa

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Report collects the outcome of every target in a batch.
type Report struct {
	Library  string    `yaml:"library"`
	Outcomes []Outcome `yaml:"outcomes"`
}

func (r *Report) count(status Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Delivered returns the number of archives saved to a destination.
func (r *Report) Delivered() int { return r.count(StatusDelivered) }

// Cancelled returns the number of archives whose save was cancelled.
func (r *Report) Cancelled() int { return r.count(StatusCancelled) }

// Failed returns the number of archives that failed.
func (r *Report) Failed() int { return r.count(StatusFailed) }

// Summary is a one-line batch status.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d of %d archives injected, %d cancelled, %d failed",
		r.Delivered(), len(r.Outcomes), r.Cancelled(), r.Failed())
}

// WriteYAML encodes the report as YAML.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

// SaveYAML writes the report to path.
func (r *Report) SaveYAML(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := r.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
