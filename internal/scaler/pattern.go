package scaler

import (
	"math"
	"sync"
	"time"
)

// TrendDirection classifies the short-term slope of an environment's hourly
// usage curve.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
	TrendVolatile   TrendDirection = "volatile"
)

// Trend is the result of an ordinary-least-squares fit over the last 24
// hourly usage buckets.
type Trend struct {
	Direction TrendDirection
	Slope     float64
	RSquared  float64
}

// LoadPattern summarizes one environment's historical load as an
// hourly/daily usage curve plus a fitted trend, per SPEC_FULL.md §4.8.
type LoadPattern struct {
	mu           sync.RWMutex
	Environment  string
	Hourly       [24]float64
	Daily        [7]float64
	Trend        Trend
	LastUpdated  time.Time
	BaselineLoad float64
	PeakLoad     float64
}

const patternEMAAlpha = 0.1

func newLoadPattern(env string) *LoadPattern {
	lp := &LoadPattern{Environment: env, LastUpdated: time.Now()}
	for i := range lp.Hourly {
		lp.Hourly[i] = 1.0
	}
	for i := range lp.Daily {
		lp.Daily[i] = 1.0
	}
	lp.BaselineLoad = 1.0
	lp.PeakLoad = 1.0
	return lp
}

// RecordLoad folds a new (0..1-ish) load sample into the hourly and daily
// buckets with an exponential moving average and refits the trend.
func (lp *LoadPattern) RecordLoad(at time.Time, load float64) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	hour := at.Hour()
	dow := int(at.Weekday())
	lp.Hourly[hour] = patternEMAAlpha*load + (1-patternEMAAlpha)*lp.Hourly[hour]
	lp.Daily[dow] = patternEMAAlpha*load + (1-patternEMAAlpha)*lp.Daily[dow]
	lp.Trend = fitTrend(lp.Hourly)

	var sum, peak float64
	for _, v := range lp.Hourly {
		sum += v
		if v > peak {
			peak = v
		}
	}
	lp.BaselineLoad = sum / float64(len(lp.Hourly))
	lp.PeakLoad = peak
	lp.LastUpdated = at
}

// fitTrend performs ordinary least squares over the 24 hourly buckets
// (x = hour index 0..23, y = usage) and classifies the direction.
func fitTrend(hourly [24]float64) Trend {
	n := float64(len(hourly))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range hourly {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	var slope float64
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}
	meanY := sumY / n
	intercept := meanY - slope*(sumX/n)

	var ssRes, ssTot float64
	for i, y := range hourly {
		x := float64(i)
		pred := slope*x + intercept
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	rSquared := 1.0
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}
	if rSquared < 0 {
		rSquared = 0
	}

	var direction TrendDirection
	switch {
	case math.Abs(slope) < 0.01:
		direction = TrendStable
	case rSquared < 0.5:
		direction = TrendVolatile
	case slope > 0:
		direction = TrendIncreasing
	default:
		direction = TrendDecreasing
	}

	return Trend{Direction: direction, Slope: slope, RSquared: rSquared}
}

// PredictAt computes the predicted load and its confidence for the given
// target time, following the formula mandated by SPEC_FULL.md §4.8:
//
//	predicted = 0.7*hourly[target_hour] + 0.3*daily[target_dow]
//	predicted *= trend_adjustment(direction, slope)
//	confidence = trend_base(direction) * r_squared * extremity_penalty * recency_factor
func (lp *LoadPattern) PredictAt(target time.Time) (predicted, confidence float64) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()

	hourComponent := lp.Hourly[target.Hour()]
	dayComponent := lp.Daily[int(target.Weekday())]
	predicted = 0.7*hourComponent + 0.3*dayComponent

	switch lp.Trend.Direction {
	case TrendIncreasing:
		predicted *= 1 + lp.Trend.Slope*0.1
	case TrendDecreasing:
		predicted *= 1 - lp.Trend.Slope*0.1
	case TrendVolatile:
		predicted *= 1 + lp.Trend.Slope*0.05
	case TrendStable:
		// unchanged
	}
	if predicted < 0 {
		predicted = 0
	}

	var trendBase float64
	switch lp.Trend.Direction {
	case TrendStable:
		trendBase = 0.9
	case TrendIncreasing, TrendDecreasing:
		trendBase = 0.8
	case TrendVolatile:
		trendBase = 0.6
	default:
		trendBase = 0.5
	}

	extremityPenalty := 1.0
	if predicted > lp.PeakLoad*1.5 {
		extremityPenalty = 0.7
	} else if predicted < lp.BaselineLoad*0.5 {
		extremityPenalty = 0.8
	}

	ageHours := time.Since(lp.LastUpdated).Hours()
	recencyFactor := 1 - ageHours/168.0
	if recencyFactor < 0.3 {
		recencyFactor = 0.3
	}

	confidence = trendBase * lp.Trend.RSquared * extremityPenalty * recencyFactor
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return predicted, confidence
}

// patternFor returns (creating if absent) the LoadPattern for an
// environment tag.
func (a *Autoscaler) patternFor(env string) *LoadPattern {
	if v, ok := a.patterns.Load(env); ok {
		return v.(*LoadPattern)
	}
	lp := newLoadPattern(env)
	actual, _ := a.patterns.LoadOrStore(env, lp)
	return actual.(*LoadPattern)
}

// RecommendedInstances maps a predicted load ratio onto an instance count
// per SPEC_FULL.md's decision rule: recommended = min + predicted*(max-min).
func RecommendedInstances(predictedLoad float64, minInstances, maxInstances int) int {
	if maxInstances < minInstances {
		maxInstances = minInstances
	}
	recommended := int(math.Ceil(float64(minInstances) + predictedLoad*float64(maxInstances-minInstances)))
	if recommended < minInstances {
		recommended = minInstances
	}
	if recommended > maxInstances {
		recommended = maxInstances
	}
	return recommended
}
