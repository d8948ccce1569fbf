package optimize

import (
	"math"
)

const (
	TINY  = 1e-10
	SMALL = 1e-6
)

// DS is the downhill simplex (Nelder-Mead) optimizer.
type DS struct {
	BaseOptimizer
	ftol   float64
	repeat bool
	oldL   float64
	points []Optimizable
	pars   []FloatParameters
	ls     []float64
	psum   []float64
	newOpt Optimizable
	newPar FloatParameters
}

// NewDS creates a new downhill simplex optimizer.
func NewDS() (ds *DS) {
	ds = &DS{
		ftol: TINY,
	}
	ds.repPeriod = 10
	return
}

// initialStep is a 5% change of the value, or 0.00025 for zero.
func initialStep(v float64) float64 {
	if v == 0 {
		return 0.00025
	}
	return 0.05 * v
}

func (ds *DS) createSimplex(opt Optimizable) {
	parameters := opt.GetFloatParameters()
	ds.points = make([]Optimizable, len(parameters)+1)
	ds.pars = make([]FloatParameters, len(ds.points))
	ds.ls = make([]float64, len(ds.points))
	ds.points[0] = opt
	ds.pars[0] = parameters
	for i := 1; i < len(ds.points); i++ {
		point := opt.Copy()
		ds.points[i] = point
		ds.pars[i] = point.GetFloatParameters()
	}
	for i := 0; i < len(parameters); i++ {
		parameter := ds.pars[i+1][i]
		v := parameter.Get()
		step := initialStep(v)
		if !parameter.ValueInRange(v + step) {
			step = -step
		}
		parameter.Set(v + step)
	}
	for i := range ds.points {
		ds.ls[i] = ds.likelihood(ds.points[i], ds.pars[i])
	}
}

// amotry extrapolates by factor fac through the face of the simplex across from
// the low point, tries it, and replaces the low point if the new point is better.
func (ds *DS) amotry(ilo int, fac float64) float64 {
	if ds.newOpt == nil {
		ds.newOpt = ds.points[0].Copy()
		ds.newPar = ds.newOpt.GetFloatParameters()
	}
	ds.calcPsum()
	ndim := len(ds.newPar)
	fac1 := (1 - fac) / float64(ndim)
	fac2 := fac1 - fac
	for j := 0; j < ndim; j++ {
		ds.newPar[j].Set(ds.psum[j]*fac1 - ds.pars[ilo][j].Get()*fac2)
	}
	l := ds.likelihood(ds.newOpt, ds.newPar)
	if l > ds.ls[ilo] {
		ds.points[ilo], ds.newOpt = ds.newOpt, ds.points[ilo]
		ds.pars[ilo], ds.newPar = ds.newPar, ds.pars[ilo]
		ds.ls[ilo] = l
	}
	return l
}

func (ds *DS) calcPsum() {
	if ds.psum == nil {
		ds.psum = make([]float64, len(ds.pars[0]))
	}
	for i := range ds.psum {
		ds.psum[i] = 0
		for _, parameters := range ds.pars {
			ds.psum[i] += parameters[i].Get()
		}
	}
}

// Run maximizes the likelihood for at most iterations steps.
func (ds *DS) Run(iterations int) {
	if iterations <= 0 || len(ds.parameters) == 0 {
		ds.evaluate()
		ds.finish("none")
		return
	}
	ds.start()
	ds.repeat = false
	ds.createSimplex(ds.Optimizable)
	ds.PrintHeader()

	// Lowest (worst), next-lowest and highest points
	var ilo, inlo, ihi int
	var llo, lnlo, lhi float64
	done := 0
Iter:
	for ds.i = 1; ds.i <= iterations; ds.i++ {
		done = ds.i
		if ds.ls[0] < ds.ls[1] {
			ilo, inlo, ihi = 0, 1, 1
		} else {
			ilo, inlo, ihi = 1, 0, 0
		}
		llo = ds.ls[ilo]
		lnlo = ds.ls[inlo]
		lhi = ds.ls[ihi]
		for i := 2; i < len(ds.points); i++ {
			if ds.ls[i] >= lhi {
				lhi = ds.ls[i]
				ihi = i
			}
			if ds.ls[i] < llo {
				lnlo = llo
				inlo = ilo
				llo = ds.ls[i]
				ilo = i
			} else if ds.ls[i] < lnlo {
				lnlo = ds.ls[i]
				inlo = i
			}
		}
		ds.BaseOptimizer.l = lhi
		if ds.i%ds.repPeriod == 0 {
			log.Debugf("%d: L=%f (%f)", ds.i, lhi, lhi-llo)
			ds.PrintLine(ds.pars[ihi], lhi)
		}
		rtol := 2 * math.Abs(lhi-llo) / (math.Abs(llo) + math.Abs(lhi) + TINY)
		if rtol < ds.ftol {
			if ds.repeat && math.Abs(ds.oldL-lhi) < SMALL {
				ds.converged = true
				ds.status = "converged"
				break Iter
			}
			ds.repeat = true
			ds.oldL = lhi
			log.Infof("converged. retrying")
			ds.createSimplex(ds.points[ihi])
			continue
		}
		l := ds.amotry(ilo, -1)
		switch {
		case l >= lhi:
			ds.amotry(ilo, 2)
		case l <= lnlo:
			lsave := llo
			l := ds.amotry(ilo, 0.5)
			if l <= lsave {
				for i, point := range ds.points {
					if i != ihi {
						for j := range ds.pars[i] {
							ds.pars[i][j].Set(0.5 * (ds.pars[i][j].Get() + ds.pars[ihi][j].Get()))
						}
						ds.ls[i] = ds.likelihood(point, ds.pars[i])
					}
				}
			}
		}
		if ds.signaled() {
			break Iter
		}
	}
	ds.i = done
	if !ds.converged && ds.status == "" {
		log.Warningf("Iterations exceeded (%d)", iterations)
		ds.status = "iterations exceeded"
	}
	ds.finish("downhill simplex")
}
