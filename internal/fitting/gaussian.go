// Package fitting provides the numerical core of the spectral
// autocorrelation analysis: autocorrelation, a three-component Gaussian
// model and a bounded least-squares fit with parameter uncertainties.
package fitting

import "math"

// FWHMToSigma converts a Gaussian full width at half maximum to sigma.
const FWHMToSigma = 0.42466090014400953 // 1 / (2*sqrt(2*ln 2))

// SigmaToFWHM is the inverse conversion.
const SigmaToFWHM = 1 / FWHMToSigma

// AutocorrWidthRatio relates the FWHM of a Gaussian's autocorrelation to
// the FWHM of the Gaussian itself (sqrt(2), kept at the operational 1.4).
const AutocorrWidthRatio = 1.4

// minSigma is the lower bound on every component width.
const minSigma = 0.05

// Component indices of the triple-Gaussian model. The assignment is by
// initial width only; after a fit the components are re-identified by
// sorting the fitted widths (see Result.Identify).
const (
	ComponentBackground = 0
	ComponentEnvelope   = 1
	ComponentSpike      = 2
)

// Param is a single model parameter with an optional lower bound. Fixed
// parameters keep their value through the fit.
type Param struct {
	Value float64
	Min   float64
	Vary  bool
}

// Gaussian is one area-normalized Gaussian component:
//
//	g(x) = A / (sigma*sqrt(2*pi)) * exp(-(x-c)^2 / (2*sigma^2))
type Gaussian struct {
	Amplitude Param
	Center    Param
	Sigma     Param
}

// FWHM returns the full width at half maximum of the component.
func (g Gaussian) FWHM() float64 { return g.Sigma.Value * SigmaToFWHM }

// Eval evaluates the component on the given axis.
func (g Gaussian) Eval(x []float64) []float64 {
	out := make([]float64, len(x))
	a := g.Amplitude.Value / (g.Sigma.Value * math.Sqrt(2*math.Pi))
	for i, v := range x {
		d := v - g.Center.Value
		out[i] = a * math.Exp(-d*d/(2*g.Sigma.Value*g.Sigma.Value))
	}
	return out
}

// TripleGaussian is the composite model fitted to the mean normalized
// autocorrelation: a wide background, the spectral envelope and the
// spectral spike, all centered on zero lag.
type TripleGaussian struct {
	Components [3]Gaussian
}

// DefaultParams seeds the model the way the live analysis does: the
// background width from the visible lag span, the envelope width at a
// nominal 6 eV sigma, the spike at 1.4 eV FWHM. Centers stay fixed at
// zero, amplitudes start at 1.
func DefaultParams() TripleGaussian {
	mk := func(sigma float64) Gaussian {
		return Gaussian{
			Amplitude: Param{Value: 1, Min: 0, Vary: true},
			Center:    Param{Value: 0, Vary: false},
			Sigma:     Param{Value: sigma, Min: minSigma, Vary: true},
		}
	}
	return TripleGaussian{Components: [3]Gaussian{
		mk(12),
		mk(6),
		mk(1.4 * FWHMToSigma),
	}}
}

// SeedBackgroundWidth reseeds the background sigma from the lag span of
// the energy axis.
func (m *TripleGaussian) SeedBackgroundWidth(span float64) {
	sigma := span * 0.4 * AutocorrWidthRatio * FWHMToSigma
	if sigma < minSigma {
		sigma = minSigma
	}
	m.Components[ComponentBackground].Sigma.Value = sigma
}

// SeedEnvelopeWidth reseeds the envelope sigma from the device's fitted
// spectrum FWHM.
func (m *TripleGaussian) SeedEnvelopeWidth(fwhm float64) {
	sigma := fwhm * AutocorrWidthRatio * FWHMToSigma
	if sigma < minSigma {
		sigma = minSigma
	}
	m.Components[ComponentEnvelope].Sigma.Value = sigma
}

// Eval evaluates the composite model on the given axis.
func (m TripleGaussian) Eval(x []float64) []float64 {
	out := make([]float64, len(x))
	for _, g := range m.Components {
		for i, v := range g.Eval(x) {
			out[i] += v
		}
	}
	return out
}
