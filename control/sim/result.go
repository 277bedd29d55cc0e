package sim

import (
	"fmt"
	"io"
	"math"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/mpc/kinematics"
)

// Record is one control cycle of a run.
type Record struct {
	Step     int
	Time     float64
	State    kinematics.StateVec
	Target   kinematics.StateVec
	Input    kinematics.InputVec
	FailSafe bool
}

// TrackingError is the planar distance between the vehicle and the reference at the record's time.
func (rec Record) TrackingError() float64 {
	return rec.State.Distance(rec.Target)
}

// Result is the outcome of a run.
type Result struct {
	Records    []Record
	Goal       kinematics.StateVec
	FinalState kinematics.StateVec
	// FinalDistance is the planar distance from FinalState to Goal.
	FinalDistance float64
	FailSafes     int
}

func (res *Result) finish(final kinematics.StateVec) {
	res.FinalState = final
	res.FinalDistance = final.Distance(res.Goal)
}

func (res *Result) trackingErrors() []float64 {
	errs := make([]float64, len(res.Records))
	for i, rec := range res.Records {
		errs[i] = rec.TrackingError()
	}
	return errs
}

// RMSTrackingError is the root mean square of the per-cycle tracking errors.
func (res *Result) RMSTrackingError() float64 {
	if len(res.Records) == 0 {
		return 0
	}
	errs := res.trackingErrors()
	floats.Mul(errs, errs)
	return math.Sqrt(stat.Mean(errs, nil))
}

// MaxTrackingError is the largest per-cycle tracking error.
func (res *Result) MaxTrackingError() float64 {
	if len(res.Records) == 0 {
		return 0
	}
	return floats.Max(res.trackingErrors())
}

func (res *Result) recordTable() table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Step", "Time", "X", "Y", "Theta", "Target X", "Target Y", "V", "Omega", "Fail-safe"})
	for _, rec := range res.Records {
		t.AppendRow(table.Row{
			rec.Step,
			fmt.Sprintf("%.3f", rec.Time),
			fmt.Sprintf("%.4f", rec.State.X()),
			fmt.Sprintf("%.4f", rec.State.Y()),
			fmt.Sprintf("%.4f", rec.State.Theta()),
			fmt.Sprintf("%.4f", rec.Target.X()),
			fmt.Sprintf("%.4f", rec.Target.Y()),
			fmt.Sprintf("%.4f", rec.Input.V()),
			fmt.Sprintf("%.4f", rec.Input.Omega()),
			rec.FailSafe,
		})
	}
	return t
}

// Table renders every record as a text table.
func (res *Result) Table() string {
	return res.recordTable().Render()
}

// Summary renders the run statistics as a text table.
func (res *Result) Summary() string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Steps", len(res.Records)},
		{"Final state", res.FinalState.String()},
		{"Final distance", fmt.Sprintf("%.4f", res.FinalDistance)},
		{"RMS tracking error", fmt.Sprintf("%.4f", res.RMSTrackingError())},
		{"Max tracking error", fmt.Sprintf("%.4f", res.MaxTrackingError())},
		{"Fail-safes", res.FailSafes},
	})
	return t.Render()
}

// WriteCSV writes every record as a CSV row under a header row.
func (res *Result) WriteCSV(w io.Writer) error {
	if _, err := io.WriteString(w, res.recordTable().RenderCSV()+"\n"); err != nil {
		return errors.Wrap(err, "writing csv")
	}
	return nil
}
