package tracker

// StopEta pairs an upcoming stop with its arrival estimate.
// EtaSeconds is nil when the estimate exceeds the reliability cap.
type StopEta struct {
	Stop       StopOnRoute
	EtaSeconds *int
}

// EtaEstimator produces per-stop arrival estimates from a vehicle position,
// its reported speed and the ordered upcoming stops. The first leg is
// anchored on the live GPS distance to the first stop; later legs add the
// stop chain's cumulative distances, which avoids the systematic offset a
// pure chain-distance estimate picks up from GPS scatter.
type EtaEstimator struct {
	minSpeedKmh   float64
	maxEtaSeconds int
}

func NewEtaEstimator(p Params) *EtaEstimator {
	return &EtaEstimator{
		minSpeedKmh:   p.MinSpeedKmh,
		maxEtaSeconds: p.MaxEtaSeconds,
	}
}

// Calculate returns an estimate per stop, in the order given.
// Speeds below the floor are clamped up so a stopped vehicle still gets a
// finite, pessimistic estimate.
func (e *EtaEstimator) Calculate(vehicleLat, vehicleLon, speedKmh float64,
	nextStops []StopOnRoute) []StopEta {

	if len(nextStops) == 0 {
		return nil
	}

	effective := speedKmh
	if effective < e.minSpeedKmh {
		effective = e.minSpeedKmh
	}
	speedMs := effective / 3.6

	distToFirst := flatDistanceM(vehicleLat, vehicleLon, nextStops[0].Lat, nextStops[0].Lon)
	firstCum := nextStops[0].CumulativeDistanceM

	results := make([]StopEta, 0, len(nextStops))
	for _, stop := range nextStops {
		remainingM := distToFirst + (stop.CumulativeDistanceM - firstCum)
		if remainingM < 0 {
			remainingM = 0
		}
		eta := int(remainingM / speedMs)
		entry := StopEta{Stop: stop}
		if eta <= e.maxEtaSeconds {
			entry.EtaSeconds = &eta
		}
		results = append(results, entry)
	}
	return results
}
