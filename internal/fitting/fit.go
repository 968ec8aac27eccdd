package fitting

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// ErrTooFewPoints is returned when the data cannot constrain the model.
var ErrTooFewPoints = errors.New("fitting: too few data points")

// FitComponent holds one fitted Gaussian with uncertainty estimates and
// the component curve evaluated on the fit axis.
type FitComponent struct {
	Amplitude       float64
	AmplitudeStderr float64
	Sigma           float64
	SigmaStderr     float64
	FWHM            float64
	Curve           []float64
}

// Result is the outcome of a triple-Gaussian fit.
type Result struct {
	Model        TripleGaussian
	Best         []float64
	Components   [3]FitComponent
	ChiSquare    float64
	RedChiSquare float64
	NData        int
	NVary        int
}

// freeParam addresses one varying parameter inside the model.
type freeParam struct {
	comp  int
	sigma bool // false = amplitude
	min   float64
}

// pack lists the varying parameters and their initial internal values.
// Lower bounds are enforced by the square transform external = min + u*u.
func pack(m TripleGaussian) ([]freeParam, []float64) {
	var free []freeParam
	var u0 []float64
	for i, g := range m.Components {
		if g.Amplitude.Vary {
			free = append(free, freeParam{comp: i, min: g.Amplitude.Min})
			u0 = append(u0, math.Sqrt(math.Max(g.Amplitude.Value-g.Amplitude.Min, 1e-12)))
		}
		if g.Sigma.Vary {
			free = append(free, freeParam{comp: i, sigma: true, min: g.Sigma.Min})
			u0 = append(u0, math.Sqrt(math.Max(g.Sigma.Value-g.Sigma.Min, 1e-12)))
		}
	}
	return free, u0
}

// apply writes internal parameter values back into a model copy.
func apply(m TripleGaussian, free []freeParam, u []float64) TripleGaussian {
	for i, fp := range free {
		v := fp.min + u[i]*u[i]
		if fp.sigma {
			m.Components[fp.comp].Sigma.Value = v
		} else {
			m.Components[fp.comp].Amplitude.Value = v
		}
	}
	return m
}

// Fit performs a bounded least-squares fit of the triple-Gaussian model to
// y over lags. The model argument carries the initial guesses and is not
// modified.
func Fit(lags, y []float64, model TripleGaussian) (*Result, error) {
	if len(lags) != len(y) {
		return nil, errors.New("fitting: lags and data length mismatch")
	}
	free, u0 := pack(model)
	if len(y) <= len(free) {
		return nil, ErrTooFewPoints
	}
	max := 0.0
	for _, v := range y {
		if math.Abs(v) > max {
			max = math.Abs(v)
		}
	}
	if max == 0 {
		return nil, ErrDegenerate
	}

	sse := func(u []float64) float64 {
		fit := apply(model, free, u).Eval(lags)
		var s float64
		for i, v := range fit {
			d := v - y[i]
			s += d * d
		}
		return s
	}

	problem := optimize.Problem{Func: sse}
	settings := &optimize.Settings{MajorIterations: 4000}
	res, err := optimize.Minimize(problem, u0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("fitting: minimize: %w", err)
	}

	fitted := apply(model, free, res.X)
	best := fitted.Eval(lags)

	nData := len(y)
	nVary := len(free)
	chi2 := res.F
	redChi := chi2 / float64(nData-nVary)

	result := &Result{
		Model:        fitted,
		Best:         best,
		ChiSquare:    chi2,
		RedChiSquare: redChi,
		NData:        nData,
		NVary:        nVary,
	}
	for i, g := range fitted.Components {
		result.Components[i] = FitComponent{
			Amplitude: g.Amplitude.Value,
			Sigma:     g.Sigma.Value,
			FWHM:      g.FWHM(),
			Curve:     g.Eval(lags),
		}
	}
	result.estimateStderr(lags, y, free)
	return result, nil
}

// estimateStderr approximates parameter uncertainties from the numeric
// Jacobian of the model at the solution, scaled by the reduced chi-square.
// A singular normal matrix leaves the stderr fields at zero.
func (r *Result) estimateStderr(lags, y []float64, free []freeParam) {
	n := len(y)
	p := len(free)
	if n <= p {
		return
	}

	// external parameter vector
	ext := make([]float64, p)
	for i, fp := range free {
		if fp.sigma {
			ext[i] = r.Model.Components[fp.comp].Sigma.Value
		} else {
			ext[i] = r.Model.Components[fp.comp].Amplitude.Value
		}
	}

	evalExt := func(v []float64) []float64 {
		m := r.Model
		for i, fp := range free {
			if fp.sigma {
				m.Components[fp.comp].Sigma.Value = v[i]
			} else {
				m.Components[fp.comp].Amplitude.Value = v[i]
			}
		}
		return m.Eval(lags)
	}

	jac := mat.NewDense(n, p, nil)
	for j := 0; j < p; j++ {
		h := 1e-6 * (1 + math.Abs(ext[j]))
		plus := append([]float64(nil), ext...)
		minus := append([]float64(nil), ext...)
		plus[j] += h
		minus[j] -= h
		fp := evalExt(plus)
		fm := evalExt(minus)
		for i := 0; i < n; i++ {
			jac.Set(i, j, (fp[i]-fm[i])/(2*h))
		}
	}

	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	var cov mat.Dense
	if err := cov.Inverse(&jtj); err != nil {
		return
	}
	for i, fp := range free {
		stderr := math.Sqrt(math.Abs(cov.At(i, i)) * r.RedChiSquare)
		if fp.sigma {
			r.Components[fp.comp].SigmaStderr = stderr
		} else {
			r.Components[fp.comp].AmplitudeStderr = stderr
		}
	}
}

// Identify returns the component indices ordered by fitted width: the
// spectral spike (narrowest), the spectral envelope and the background.
// The fit can swap components relative to their initial guesses, so
// callers must use these indices rather than the seeding order.
func (r *Result) Identify() (spike, envelope, background int) {
	idx := []int{0, 1, 2}
	fwhm := []float64{r.Components[0].FWHM, r.Components[1].FWHM, r.Components[2].FWHM}
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			if fwhm[idx[j]] < fwhm[idx[i]] {
				idx[i], idx[j] = idx[j], idx[i]
			}
		}
	}
	return idx[0], idx[1], idx[2]
}

// SpectralFWHM converts the fitted autocorrelation widths back to the
// widths of the underlying spectral features.
func (r *Result) SpectralFWHM() (spike, envelope, background float64) {
	s, e, b := r.Identify()
	return r.Components[s].FWHM / AutocorrWidthRatio,
		r.Components[e].FWHM / AutocorrWidthRatio,
		r.Components[b].FWHM / AutocorrWidthRatio
}

// Report renders a plain-text fit report for logbook entries.
func (r *Result) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[[Fit Statistics]]\n")
	fmt.Fprintf(&b, "    # data points      = %d\n", r.NData)
	fmt.Fprintf(&b, "    # variables        = %d\n", r.NVary)
	fmt.Fprintf(&b, "    chi-square         = %.6g\n", r.ChiSquare)
	fmt.Fprintf(&b, "    reduced chi-square = %.6g\n", r.RedChiSquare)
	fmt.Fprintf(&b, "[[Variables]]\n")
	names := [3]string{"background", "envelope", "spike"}
	s, e, bg := r.Identify()
	order := [3]int{bg, e, s}
	for k, idx := range [3]int{order[0], order[1], order[2]} {
		c := r.Components[idx]
		fmt.Fprintf(&b, "    %s_amplitude: %.6g +/- %.3g\n", names[k], c.Amplitude, c.AmplitudeStderr)
		fmt.Fprintf(&b, "    %s_sigma:     %.6g +/- %.3g\n", names[k], c.Sigma, c.SigmaStderr)
		fmt.Fprintf(&b, "    %s_fwhm:      %.6g\n", names[k], c.FWHM)
	}
	spikeFWHM, envFWHM, bkgFWHM := r.SpectralFWHM()
	fmt.Fprintf(&b, "[[Spectral widths]]\n")
	fmt.Fprintf(&b, "    spike FWHM    = %.6g eV\n", spikeFWHM)
	fmt.Fprintf(&b, "    envelope FWHM = %.6g eV\n", envFWHM)
	fmt.Fprintf(&b, "    background    = %.6g eV\n", bkgFWHM)
	return b.String()
}
